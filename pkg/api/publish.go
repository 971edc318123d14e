package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/platinummonkey/clef/pkg/cache"
	"github.com/platinummonkey/clef/pkg/httputil"
	"github.com/platinummonkey/clef/pkg/middleware"
	"github.com/platinummonkey/clef/pkg/storage/db"
)

// publishRequest is the document npm sends on "npm publish": the package
// metadata with the tarballs inlined as base64 attachments.
type publishRequest struct {
	ID          string                     `json:"_id"`
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Access      string                     `json:"access"`
	DistTags    map[string]string          `json:"dist-tags"`
	Versions    map[string]json.RawMessage `json:"versions"`
	Attachments map[string]attachment      `json:"_attachments"`
}

type attachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Length      int64  `json:"length"`
}

// handlePublish implements PUT /{package}.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, name string) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		s.observePublish("unauthorized")
		httputil.WriteUnauthorized(w, "authentication required to publish")
		return
	}
	ctx := r.Context()

	var req publishRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		s.observePublish("bad_request")
		httputil.WriteBadRequest(w, "invalid publish payload")
		return
	}
	if req.Name != name {
		s.observePublish("bad_request")
		httputil.WriteBadRequest(w, "package name in body does not match URL")
		return
	}
	if len(req.Versions) == 0 || len(req.Attachments) == 0 {
		s.observePublish("bad_request")
		httputil.WriteBadRequest(w, "publish requires at least one version and attachment")
		return
	}

	allowed, err := s.store.CanPublish(ctx, name, principal.UserID)
	if err != nil {
		s.observePublish("error")
		httputil.WriteInternalError(w, err)
		return
	}
	if !allowed {
		s.observePublish("forbidden")
		httputil.WriteForbidden(w, "you do not have permission to publish "+name)
		return
	}

	// Scoped packages belong to the organization named by the scope. The
	// first publisher of a new scope becomes its owner; later publishers
	// must already be members.
	org, err := s.store.GetOrCreateOrganizationForPackage(ctx, name, principal.UserID)
	if err != nil {
		s.observePublish("error")
		httputil.WriteInternalError(w, err)
		return
	}
	if org != nil {
		member, err := s.store.CheckPermission(ctx, org.ID, principal.UserID, db.RoleMember)
		if err != nil {
			s.observePublish("error")
			httputil.WriteInternalError(w, err)
			return
		}
		if !member {
			s.observePublish("forbidden")
			httputil.WriteForbidden(w, "you are not a member of the @"+org.Name+" organization")
			return
		}
	}

	existing, err := s.store.GetPackageByName(ctx, name)
	if err != nil && !db.IsNotFound(err) {
		s.observePublish("error")
		httputil.WriteInternalError(w, err)
		return
	}
	isNew := existing == nil

	pkg, err := s.store.CreateOrGetPackageWithUpdate(ctx, name, &req.Description, &principal.UserID)
	if err != nil {
		s.observePublish("error")
		httputil.WriteInternalError(w, err)
		return
	}
	if org != nil && pkg.OrganizationID == nil {
		if err := s.store.LinkPackageToOrganization(ctx, pkg.ID, org.ID); err != nil {
			s.logger.WithError(err).WithField("package", name).Warn("failed to link package to organization")
		}
	}
	if req.Access == "restricted" && !pkg.IsPrivate {
		if err := s.store.SetPackagePrivate(ctx, pkg.ID, true); err != nil {
			s.observePublish("error")
			httputil.WriteInternalError(w, err)
			return
		}
	}

	published := make([]string, 0, len(req.Versions))
	for version, doc := range req.Versions {
		if _, err := s.store.CreateOrGetVersionWithMetadata(ctx, pkg.ID, version, doc); err != nil {
			s.observePublish("error")
			httputil.WriteInternalError(w, err)
			return
		}
		if err := s.cache.WriteManifest(name, version, doc); err != nil {
			s.observePublish("error")
			httputil.WriteInternalError(w, err)
			return
		}
		published = append(published, version)
	}

	if err := s.storeAttachments(r, name, published, req.Attachments); err != nil {
		s.observePublish("error")
		httputil.WriteInternalError(w, err)
		return
	}

	if isNew {
		if _, err := s.store.CreateOwner(ctx, name, principal.UserID, db.PermissionAdmin); err != nil {
			s.observePublish("error")
			httputil.WriteInternalError(w, err)
			return
		}
	}

	tags := req.DistTags
	if len(tags) == 0 {
		// npm always sends a latest tag, but be lenient with other clients.
		sort.Strings(published)
		tags = map[string]string{"latest": published[len(published)-1]}
	}
	for tag, version := range tags {
		if _, err := s.store.UpsertTag(ctx, name, tag, version); err != nil {
			s.observePublish("error")
			httputil.WriteInternalError(w, err)
			return
		}
	}

	if err := s.cache.InvalidateMetadata(ctx, name); err != nil {
		s.logger.WithError(err).WithField("package", name).Warn("failed to invalidate cached metadata")
	}

	s.observePublish("success")
	s.logger.WithFields(map[string]interface{}{
		"package":  name,
		"versions": published,
		"user":     principal.Username,
	}).Info("package published")

	httputil.WriteSuccess(w, map[string]interface{}{
		"ok":  true,
		"id":  name,
		"rev": "1-0",
	})
}

// storeAttachments decodes and stores the inlined tarballs. The stored
// filename is always "<unscoped base>-<version>.tgz" regardless of what the
// attachment key says.
func (s *Server) storeAttachments(r *http.Request, name string, versions []string, attachments map[string]attachment) error {
	base := name
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		base = name[idx+1:]
	}

	for key, att := range attachments {
		data, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			return err
		}

		version := cache.ExtractVersionFromFilename(name, path.Base(key))
		if version == "" && len(versions) == 1 {
			version = versions[0]
		}
		filename := path.Base(key)
		if version != "" {
			filename = base + "-" + version + ".tgz"
		}

		localURL := s.requestScheme(r) + "://" + s.requestHost(r) + "/" + name + "/-/" + filename
		if err := s.cache.PutTarball(r.Context(), name, version, filename, data, "", localURL); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) observePublish(status string) {
	if s.metrics != nil {
		s.metrics.PublishTotal.WithLabelValues(status).Inc()
	}
}
