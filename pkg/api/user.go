package api

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/httputil"
	"github.com/platinummonkey/clef/pkg/middleware"
)

const couchUserPrefix = "org.couchdb.user:"

// loginRequest is the couch-style user document npm sends on "npm adduser"
// and "npm login".
type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

// handleLogin implements PUT /-/user/org.couchdb.user:{name}. Unknown
// usernames are registered; known ones must present the right password.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, userDoc string) {
	if !strings.HasPrefix(userDoc, couchUserPrefix) {
		httputil.WriteBadRequest(w, "malformed user document name")
		return
	}
	username := strings.TrimPrefix(userDoc, couchUserPrefix)

	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name != username {
		httputil.WriteBadRequest(w, "username in body does not match URL")
		return
	}
	if req.Name == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "username and password are required")
		return
	}

	result, err := s.auth.LoginOrRegister(r.Context(), req.Name, req.Password, req.Email)
	if err != nil {
		if apierrors.StatusOf(err) >= http.StatusInternalServerError {
			s.logger.WithError(err).WithField("username", req.Name).Error("login failed")
		}
		httputil.WriteAPIError(w, err)
		return
	}

	httputil.WriteCreated(w, map[string]interface{}{
		"ok":    true,
		"id":    couchUserPrefix + result.User.Username,
		"rev":   "1-0",
		"token": result.Token,
	})
}

// handleWhoami implements GET /-/whoami.
func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	httputil.WriteSuccess(w, map[string]string{"username": principal.Username})
}

// handleLogout implements DELETE /-/user/token/{token}. The token being
// revoked must be the one presented, and revoking an already-dead token is
// fine.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, token string) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if token != principal.Token {
		httputil.WriteForbidden(w, "cannot revoke another session's token")
		return
	}

	if err := s.auth.Revoke(r.Context(), token); err != nil && !apierrors.IsNotFound(err) {
		s.logger.WithError(err).Error("token revocation failed")
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"ok": true})
}
