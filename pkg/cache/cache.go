package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/platinummonkey/clef/pkg/observability"
	"github.com/platinummonkey/clef/pkg/storage/db"
)

const (
	packagesSubdir = "packages"

	metadataFilename = "metadata.json"
	metadataETagFile = "metadata.etag"
	etagSidecarExt   = ".meta"

	// Entries held in the in-process metadata hot tier.
	hotTierSize = 256
)

// Cache is the on-disk artifact store. All paths live under dir/packages.
// A disabled cache turns every read into a miss and every write into a
// no-op, making the registry a pure passthrough.
type Cache struct {
	dir      string
	ttl      time.Duration
	enabled  bool
	hostPort string
	store    *db.Store
	logger   *observability.Logger
	metrics  *observability.Metrics

	hot   *lru.Cache[string, hotEntry]
	stats *statsCounters
}

// New creates the cache rooted at dir, seeding hit/miss counters from the
// database. hostPort is this registry's own address, used to recognize
// cached documents that reference locally published tarballs.
func New(dir string, ttl time.Duration, enabled bool, hostPort string, store *db.Store, logger *observability.Logger) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, packagesSubdir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	hot, err := lru.New[string, hotEntry](hotTierSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata hot tier: %w", err)
	}

	c := &Cache{
		dir:      dir,
		ttl:      ttl,
		enabled:  enabled,
		hostPort: hostPort,
		store:    store,
		logger:   logger,
		hot:      hot,
		stats:    &statsCounters{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if persisted, err := store.GetCacheStats(ctx); err != nil {
		logger.WithError(err).Warn("failed to seed cache counters, starting from zero")
	} else {
		c.stats.seed(persisted.HitCount, persisted.MissCount)
	}

	return c, nil
}

// Enabled reports whether caching is on.
func (c *Cache) Enabled() bool {
	return c.enabled
}

// SetMetrics attaches Prometheus metrics to the cache.
func (c *Cache) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// packageDir maps a package name to its cache directory. Scoped names
// contain a slash and nest naturally.
func (c *Cache) packageDir(packageName string) string {
	return filepath.Join(c.dir, packagesSubdir, filepath.FromSlash(packageName))
}

func (c *Cache) tarballPath(packageName, filename string) string {
	return filepath.Join(c.packageDir(packageName), filename)
}

func (c *Cache) metadataPath(packageName string) string {
	return filepath.Join(c.packageDir(packageName), metadataFilename)
}

func (c *Cache) metadataETagPath(packageName string) string {
	return filepath.Join(c.packageDir(packageName), metadataETagFile)
}

// manifestPath returns the path of a published version's manifest sidecar,
// <base>-<version>.json where base is the unscoped part of the name.
func (c *Cache) manifestPath(packageName, version string) string {
	base := packageName
	if idx := strings.LastIndex(packageName, "/"); idx >= 0 {
		base = packageName[idx+1:]
	}
	return filepath.Join(c.packageDir(packageName), fmt.Sprintf("%s-%s.json", base, version))
}

// WriteManifest stores the package.json document of a locally published
// version next to its tarball.
func (c *Cache) WriteManifest(packageName, version string, doc []byte) error {
	path := c.manifestPath(packageName, version)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create package directory: %w", err)
	}
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest for %s@%s: %w", packageName, version, err)
	}
	return nil
}

// ReadManifest loads the stored package.json document of a locally
// published version.
func (c *Cache) ReadManifest(packageName, version string) ([]byte, error) {
	doc, err := os.ReadFile(c.manifestPath(packageName, version))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for %s@%s: %w", packageName, version, err)
	}
	return doc, nil
}

// Clear removes every cached file, resets the counters and clears the cache
// tables. Tarballs are re-fetched from upstream on demand afterwards.
func (c *Cache) Clear(ctx context.Context) error {
	root := filepath.Join(c.dir, packagesSubdir)
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to remove cache tree: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to recreate cache tree: %w", err)
	}

	c.hot.Purge()
	c.stats.reset()

	if err := c.store.ClearMetadataCacheRecords(ctx); err != nil {
		return err
	}
	return c.store.SetCacheStats(ctx, 0, 0)
}
