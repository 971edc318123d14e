// Package registry composes the npm metadata documents the proxy serves:
// locally published packages are built from the database, upstream packages
// flow through the two-tier cache with conditional revalidation.
package registry

import (
	"context"
	"errors"
	"strings"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/cache"
	"github.com/platinummonkey/clef/pkg/observability"
	"github.com/platinummonkey/clef/pkg/storage/db"
	"github.com/platinummonkey/clef/pkg/upstream"
)

// Service answers metadata and tarball requests.
type Service struct {
	store   *db.Store
	cache   *cache.Cache
	client  *upstream.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates the registry service.
func New(store *db.Store, c *cache.Cache, client *upstream.Client, logger *observability.Logger) *Service {
	return &Service{
		store:  store,
		cache:  c,
		client: client,
		logger: logger,
	}
}

// SetMetrics attaches Prometheus metrics to the service.
func (s *Service) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// authorizeRead enforces package privacy. userID is nil for anonymous
// requests. Failures surface as not-found so private packages do not leak
// their existence.
func (s *Service) authorizeRead(ctx context.Context, packageName string, userID *int64) error {
	pkg, err := s.store.GetPackageByName(ctx, packageName)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Unknown locally; upstream packages are public.
			return nil
		}
		return apierrors.Database(err, "failed to check package %s", packageName)
	}
	if !pkg.IsPrivate {
		return nil
	}
	if userID == nil {
		return apierrors.NotFound("package %s not found", packageName)
	}

	ok, err := s.store.HasReadPermission(ctx, packageName, *userID)
	if err != nil {
		return apierrors.Database(err, "failed to check read permission on %s", packageName)
	}
	if ok {
		return nil
	}

	if pkg.OrganizationID != nil {
		member, err := s.store.CheckPermission(ctx, *pkg.OrganizationID, *userID, db.RoleMember)
		if err != nil {
			return apierrors.Database(err, "failed to check organization membership for %s", packageName)
		}
		if member {
			return nil
		}
	}

	return apierrors.NotFound("package %s not found", packageName)
}

// CleanRepositoryURL normalizes manifest repository URLs: the git+ prefix
// and .git suffix are stripped, and SSH remotes become HTTPS.
func CleanRepositoryURL(raw string) string {
	url := strings.TrimPrefix(raw, "git+")
	url = strings.TrimSuffix(url, ".git")
	if rest, ok := strings.CutPrefix(url, "git@"); ok {
		if host, path, found := strings.Cut(rest, ":"); found {
			url = "https://" + host + "/" + path
		}
	}
	return url
}
