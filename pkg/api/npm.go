package api

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/httputil"
)

const maxSecurityBodyBytes = 10 << 20

// npmDispatch routes npm protocol requests mounted under the given prefix.
// Scoped package names arrive with the slash percent-encoded
// ("@scope%2fname"), so the path is decoded exactly once and then split;
// a first segment starting with "@" consumes the following segment as the
// second half of the package name.
func (s *Server) npmDispatch(mount string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.URL.EscapedPath(), mount)
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			httputil.WriteBadRequest(w, "malformed request path")
			return
		}

		segments := splitPath(decoded)
		if len(segments) == 0 {
			httputil.WriteNotFoundError(w, "not found")
			return
		}

		if segments[0] == "-" {
			s.dispatchMeta(w, r, segments[1:])
			return
		}

		name := segments[0]
		rest := segments[1:]
		if strings.HasPrefix(name, "@") {
			if len(rest) == 0 {
				httputil.WriteNotFoundError(w, "not found")
				return
			}
			name = name + "/" + rest[0]
			rest = rest[1:]
		}

		switch {
		case len(rest) == 0:
			switch r.Method {
			case http.MethodGet:
				s.handleMetadata(w, r, name)
			case http.MethodPut:
				s.handlePublish(w, r, name)
			default:
				httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
			}
		case rest[0] == "-" && len(rest) == 2:
			switch r.Method {
			case http.MethodGet, http.MethodHead:
				s.handleTarball(w, r, name, rest[1])
			default:
				httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
			}
		case len(rest) == 1 && !strings.HasPrefix(rest[0], "-"):
			if r.Method != http.MethodGet {
				httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.handleVersion(w, r, name, rest[0])
		default:
			httputil.WriteNotFoundError(w, "not found")
		}
	}
}

// dispatchMeta handles the "/-/..." protocol endpoints.
func (s *Server) dispatchMeta(w http.ResponseWriter, r *http.Request, segments []string) {
	switch {
	case len(segments) == 1 && segments[0] == "ping":
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{})
	case len(segments) == 1 && segments[0] == "whoami" && r.Method == http.MethodGet:
		s.handleWhoami(w, r)
	case len(segments) == 2 && segments[0] == "user" && r.Method == http.MethodPut:
		s.handleLogin(w, r, segments[1])
	case len(segments) == 3 && segments[0] == "user" && segments[1] == "token" && r.Method == http.MethodDelete:
		s.handleLogout(w, r, segments[2])
	case len(segments) >= 3 && segments[0] == "npm" && segments[1] == "v1" && segments[2] == "security" && r.Method == http.MethodPost:
		s.handleSecurity(w, r, "/-/"+strings.Join(segments, "/"))
	default:
		httputil.WriteNotFoundError(w, "not found")
	}
}

// handleMetadata serves the full package metadata document.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request, name string) {
	doc, err := s.registry.GetPackageMetadata(r.Context(), name, s.requestScheme(r), s.requestHost(r), currentUserID(r))
	if err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	writeRawJSON(w, doc)
}

// handleVersion serves a single version's manifest.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request, name, version string) {
	doc, err := s.registry.GetVersionMetadata(r.Context(), name, version, s.requestScheme(r), s.requestHost(r), currentUserID(r))
	if err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	writeRawJSON(w, doc)
}

// handleTarball serves package tarballs, from the cache when possible.
func (s *Server) handleTarball(w http.ResponseWriter, r *http.Request, name, filename string) {
	if r.Method == http.MethodHead {
		found, size, err := s.registry.HeadTarball(r.Context(), name, filename, currentUserID(r))
		if err != nil {
			s.writeRegistryError(w, r, err)
			return
		}
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	data, err := s.registry.GetTarball(r.Context(), name, filename, currentUserID(r))
	if err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleSecurity forwards audit and advisory requests upstream. The proxy
// degrades to empty documents on failure, so this never errors.
func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request, path string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSecurityBodyBytes))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	respBody, contentType, status := s.upstream.ProxySecurity(r.Context(), path, body, r.Header)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(respBody)
}

// writeRegistryError maps service errors onto npm wire responses.
func (s *Server) writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierrors.StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	httputil.WriteAPIError(w, err)
}

func writeRawJSON(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}

// splitPath splits a decoded URL path into its non-empty segments.
func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	segments := parts[:0]
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}
