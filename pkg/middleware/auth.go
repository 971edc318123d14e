// Package middleware provides the HTTP middleware chain: panic recovery
// lives in pkg/observability; this package adds request IDs, request
// logging and bearer-token authentication.
package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/clef/pkg/auth"
	"github.com/platinummonkey/clef/pkg/contextkeys"
	"github.com/platinummonkey/clef/pkg/httputil"
)

// AuthMiddleware resolves "Authorization: Bearer <token>" headers to a
// principal on the request context.
type AuthMiddleware struct {
	service  *auth.Service
	optional bool
}

// NewAuthMiddleware creates authentication middleware. With optional set,
// unauthenticated requests pass through without a principal; handlers that
// need one check for it themselves.
func NewAuthMiddleware(service *auth.Service, optional bool) *AuthMiddleware {
	return &AuthMiddleware{service: service, optional: optional}
}

// Handler wraps an HTTP handler with authentication.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		principal, err := m.service.Validate(r.Context(), token)
		if err != nil {
			if m.optional {
				// A bad token on an open endpoint degrades to anonymous.
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := contextkeys.WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the bearer token from a request, if present.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// GetPrincipal extracts the authenticated principal from a request, nil
// when anonymous.
func GetPrincipal(r *http.Request) *auth.Principal {
	principal, _ := r.Context().Value(contextkeys.PrincipalKey).(*auth.Principal)
	return principal
}

// RequirePrincipal wraps a handler that must run authenticated.
func RequirePrincipal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if GetPrincipal(r) == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		next(w, r)
	}
}
