// Package api is the HTTP surface: the npm wire protocol (package
// metadata, tarballs, publish, login, security proxying) plus a small
// JSON management API for browsing packages, cache administration and
// organization membership.
package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/clef/pkg/auth"
	"github.com/platinummonkey/clef/pkg/cache"
	"github.com/platinummonkey/clef/pkg/config"
	"github.com/platinummonkey/clef/pkg/httputil"
	"github.com/platinummonkey/clef/pkg/middleware"
	"github.com/platinummonkey/clef/pkg/observability"
	"github.com/platinummonkey/clef/pkg/orgs"
	"github.com/platinummonkey/clef/pkg/registry"
	"github.com/platinummonkey/clef/pkg/storage/db"
	"github.com/platinummonkey/clef/pkg/upstream"
)

// Server wires the services behind the HTTP routes.
type Server struct {
	cfg      *config.Config
	router   *mux.Router
	store    *db.Store
	cache    *cache.Cache
	registry *registry.Service
	upstream *upstream.Client
	auth     *auth.Service
	orgs     *orgs.Service
	logger   *observability.Logger
	metrics  *observability.Metrics
	health   *observability.HealthChecker
}

// NewServer creates the API server and mounts all routes.
func NewServer(
	cfg *config.Config,
	store *db.Store,
	c *cache.Cache,
	reg *registry.Service,
	up *upstream.Client,
	authSvc *auth.Service,
	orgSvc *orgs.Service,
	logger *observability.Logger,
	metrics *observability.Metrics,
	health *observability.HealthChecker,
) *Server {
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		store:    store,
		cache:    c,
		registry: reg,
		upstream: up,
		auth:     authSvc,
		orgs:     orgSvc,
		logger:   logger,
		metrics:  metrics,
		health:   health,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the management API, operational endpoints and the
// npm protocol surface. The npm routes are registered last: package names
// may contain a percent-encoded slash, which mux path templates cannot
// express, so everything left over falls through to a manual dispatcher.
func (s *Server) setupRoutes() {
	// Management API
	s.router.HandleFunc("/api/v1/packages", s.listPackages).Methods("GET")
	s.router.HandleFunc("/api/v1/packages/popular", s.popularPackages).Methods("GET")
	s.router.HandleFunc("/api/v1/packages/recent", s.recentPackages).Methods("GET")
	s.router.HandleFunc("/api/v1/packages/{package:.+}", s.getPackageDetail).Methods("GET")
	s.router.HandleFunc("/api/v1/analytics", s.analytics).Methods("GET")
	s.router.HandleFunc("/api/v1/cache/stats", s.cacheStats).Methods("GET")
	s.router.HandleFunc("/api/v1/cache/health", s.cacheHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/cache", s.clearCache).Methods("DELETE")

	s.router.HandleFunc("/api/v1/organizations", s.createOrganization).Methods("POST")
	s.router.HandleFunc("/api/v1/organizations/{org}", s.getOrganization).Methods("GET")
	s.router.HandleFunc("/api/v1/organizations/{org}", s.updateOrganization).Methods("PUT")
	s.router.HandleFunc("/api/v1/organizations/{org}", s.deleteOrganization).Methods("DELETE")
	s.router.HandleFunc("/api/v1/organizations/{org}/members", s.addOrganizationMember).Methods("POST")
	s.router.HandleFunc("/api/v1/organizations/{org}/members/{username}", s.updateOrganizationMember).Methods("PUT")
	s.router.HandleFunc("/api/v1/organizations/{org}/members/{username}", s.removeOrganizationMember).Methods("DELETE")

	// Operational endpoints
	if s.health != nil {
		s.router.HandleFunc("/health", s.health.Liveness).Methods("GET")
		s.router.HandleFunc("/health/ready", s.health.Readiness).Methods("GET")
	}

	// npm protocol, served both at the root and under /registry so that
	// clients configured either way work.
	s.router.PathPrefix("/registry/").HandlerFunc(s.npmDispatch("/registry"))
	s.router.PathPrefix("/").HandlerFunc(s.npmDispatch(""))
}

// Handler returns the server wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = middleware.NewAuthMiddleware(s.auth, true).Handler(h)
	if s.metrics != nil {
		h = observability.HTTPMetricsMiddleware(s.metrics, routePattern)(h)
	}
	h = middleware.Logging(s.logger)(h)
	h = middleware.RequestID(h)
	h = s.recoverPanics(h)
	return h
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

// recoverPanics converts a handler panic into a 500 instead of killing the
// connection.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.WithFields(map[string]interface{}{
					"panic": rec,
					"path":  r.URL.Path,
				}).Error("panic recovered in handler")
				httputil.WriteInternalError(w, observability.MustRecover(rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routePattern labels request metrics. mux templates cover the management
// API; npm requests collapse onto a handful of fixed labels so package
// names do not explode the cardinality.
func routePattern(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/registry")
	switch {
	case path == "/api/v1/packages" || path == "/api/v1/packages/popular" || path == "/api/v1/packages/recent":
		return path
	case strings.HasPrefix(path, "/api/v1/packages/"):
		return "/api/v1/packages/{package}"
	case path == "/api/v1/analytics":
		return path
	case path == "/api/v1/cache" || strings.HasPrefix(path, "/api/v1/cache/"):
		return path
	case path == "/api/v1/organizations":
		return path
	case strings.HasPrefix(path, "/api/v1/organizations/"):
		rest := strings.TrimPrefix(path, "/api/v1/organizations/")
		switch {
		case strings.Contains(rest, "/members/"):
			return "/api/v1/organizations/{org}/members/{username}"
		case strings.HasSuffix(rest, "/members"):
			return "/api/v1/organizations/{org}/members"
		default:
			return "/api/v1/organizations/{org}"
		}
	case path == "/health" || path == "/health/ready":
		return path
	}
	switch {
	case strings.HasPrefix(path, "/-/npm/v1/security/"):
		return "/-/npm/v1/security"
	case strings.HasPrefix(path, "/-/user/token/"):
		return "/-/user/token"
	case strings.HasPrefix(path, "/-/user/"):
		return "/-/user"
	case path == "/-/whoami" || path == "/-/ping":
		return path
	case strings.Contains(path, "/-/"):
		return "/{package}/-/{filename}"
	default:
		return "/{package}"
	}
}

// requestScheme determines the scheme to advertise in rewritten tarball
// URLs. Proxy headers win over the configured default.
func (s *Server) requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if ssl := r.Header.Get("X-Forwarded-SSL"); strings.EqualFold(ssl, "on") {
		return "https"
	}
	return s.cfg.Server.Scheme
}

// requestHost is the host:port clients should fetch tarballs from.
func (s *Server) requestHost(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	return s.cfg.HostPort()
}

// currentUserID returns the authenticated user's ID, nil when anonymous.
func currentUserID(r *http.Request) *int64 {
	if p := middleware.GetPrincipal(r); p != nil {
		return &p.UserID
	}
	return nil
}
