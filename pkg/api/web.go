package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/clef/pkg/httputil"
	"github.com/platinummonkey/clef/pkg/middleware"
	"github.com/platinummonkey/clef/pkg/storage/db"
)

// listPackages implements GET /api/v1/packages with pagination, search and
// sorting.
func (s *Server) listPackages(w http.ResponseWriter, r *http.Request) {
	opts := db.ListOptions{
		Limit:     httputil.ParseQueryInt(r, "limit", 0),
		Offset:    httputil.ParseQueryInt(r, "offset", 0),
		Search:    httputil.ParseQueryString(r, "search", ""),
		SortBy:    httputil.ParseQueryString(r, "sort", ""),
		SortOrder: httputil.ParseQueryString(r, "order", ""),
	}

	packages, total, err := s.store.ListPackages(r.Context(), opts)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"packages": packages,
		"total":    total,
	})
}

// popularPackages implements GET /api/v1/packages/popular.
func (s *Server) popularPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := s.store.GetPopularPackages(r.Context(), httputil.ParseQueryInt(r, "limit", 10))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"packages": packages})
}

// recentPackages implements GET /api/v1/packages/recent.
func (s *Server) recentPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := s.store.GetRecentPackages(r.Context(), httputil.ParseQueryInt(r, "limit", 10))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"packages": packages})
}

// getPackageDetail implements GET /api/v1/packages/{package}: the package row
// with all versions and their files. Private packages are hidden from
// non-readers the same way the npm surface hides them.
func (s *Server) getPackageDetail(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["package"]

	detail, err := s.store.GetPackageWithVersions(r.Context(), name)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if detail == nil {
		httputil.WriteNotFoundError(w, "package "+name+" not found")
		return
	}
	if detail.Package.IsPrivate {
		if _, err := s.registry.GetPackageMetadata(r.Context(), name, s.requestScheme(r), s.requestHost(r), currentUserID(r)); err != nil {
			httputil.WriteAPIError(w, err)
			return
		}
	}
	httputil.WriteSuccess(w, detail)
}

// analytics implements GET /api/v1/analytics: a registry-wide summary of
// package counts, stored bytes, the most popular and most recent packages,
// and the cache hit rate.
func (s *Server) analytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalPackages, err := s.store.CountPackages(ctx)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	popular, err := s.store.GetPopularPackages(ctx, 5)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	recent, err := s.store.GetRecentPackages(ctx, 10)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"total_packages":        totalPackages,
		"total_size_bytes":      stats.TotalSizeBytes,
		"total_size_mb":         float64(stats.TotalSizeBytes) / (1024 * 1024),
		"most_popular_packages": popular,
		"recent_packages":       recent,
		"cache_hit_rate":        stats.HitRate,
	})
}

// cacheStats implements GET /api/v1/cache/stats.
func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	summary, err := s.store.MetadataCacheStatsSummary(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"cache":          stats,
		"metadata_index": summary,
	})
}

// cacheHealth implements GET /api/v1/cache/health.
func (s *Server) cacheHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Health(); err != nil {
		httputil.WriteServiceUnavailable(w, "cache unhealthy: "+err.Error())
		return
	}
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}

// clearCache implements DELETE /api/v1/cache. Requires authentication: wiping
// the artifact store is not an anonymous operation.
func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	if middleware.GetPrincipal(r) == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if err := s.cache.Clear(r.Context()); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	s.logger.Info("cache cleared by request")
	httputil.WriteSuccess(w, map[string]interface{}{"ok": true})
}

// Organization management. All routes require authentication; role
// enforcement lives in the orgs service.

type orgCreateRequest struct {
	Name        string  `json:"name"`
	DisplayName *string `json:"display_name"`
	Description *string `json:"description"`
}

type orgUpdateRequest struct {
	DisplayName *string `json:"display_name"`
	Description *string `json:"description"`
}

type memberRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (s *Server) createOrganization(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req orgCreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	org, err := s.orgs.Create(r.Context(), principal.UserID, req.Name, req.DisplayName, req.Description)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteCreated(w, org)
}

func (s *Server) getOrganization(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	detail, err := s.orgs.Get(r.Context(), principal.UserID, mux.Vars(r)["org"])
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteSuccess(w, detail)
}

func (s *Server) updateOrganization(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req orgUpdateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := s.orgs.Update(r.Context(), principal.UserID, mux.Vars(r)["org"], req.DisplayName, req.Description); err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"ok": true})
}

func (s *Server) deleteOrganization(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	if err := s.orgs.Delete(r.Context(), principal.UserID, mux.Vars(r)["org"]); err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) addOrganizationMember(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req memberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	member, err := s.orgs.AddMember(r.Context(), principal.UserID, mux.Vars(r)["org"], req.Username, req.Role)
	if err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteCreated(w, member)
}

func (s *Server) updateOrganizationMember(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req memberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	if err := s.orgs.UpdateMemberRole(r.Context(), principal.UserID, vars["org"], vars["username"], req.Role); err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"ok": true})
}

func (s *Server) removeOrganizationMember(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r)
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	vars := mux.Vars(r)
	if err := s.orgs.RemoveMember(r.Context(), principal.UserID, vars["org"], vars["username"]); err != nil {
		httputil.WriteAPIError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
