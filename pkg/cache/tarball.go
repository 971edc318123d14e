package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/platinummonkey/clef/pkg/storage/db"
)

const tarballContentType = "application/octet-stream"

// GetTarball reads a cached tarball and its sidecar ETag. A cache miss is
// reported with found=false rather than an error. Hits bump the file's
// access bookkeeping in the database.
func (c *Cache) GetTarball(ctx context.Context, packageName, filename string) (data []byte, etag string, found bool, err error) {
	if !c.enabled {
		return nil, "", false, nil
	}
	path := c.tarballPath(packageName, filename)

	data, err = os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("failed to read cached tarball %s: %w", filename, err)
	}

	if sidecar, err := os.ReadFile(path + etagSidecarExt); err == nil {
		etag = strings.TrimSpace(string(sidecar))
	}

	if rec, err := c.store.GetFile(ctx, packageName, filename); err == nil {
		if err := c.store.TouchFileAccess(ctx, rec.File.ID); err != nil {
			c.logger.WithError(err).WithField("package", packageName).Warn("failed to record tarball access")
		}
	}

	return data, etag, true, nil
}

// HasTarball reports whether a tarball is cached, and its size.
func (c *Cache) HasTarball(packageName, filename string) (bool, int64) {
	if !c.enabled {
		return false, 0
	}
	info, err := os.Stat(c.tarballPath(packageName, filename))
	if err != nil {
		return false, 0
	}
	return true, info.Size()
}

// PutTarball writes a tarball and its ETag sidecar, then registers the
// package, version and file rows in one call. upstreamURL records where the
// bytes came from (or would have, for locally published tarballs).
func (c *Cache) PutTarball(ctx context.Context, packageName, version, filename string, data []byte, etag, upstreamURL string) error {
	if !c.enabled {
		return nil
	}
	path := c.tarballPath(packageName, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create package directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write tarball %s: %w", filename, err)
	}

	if etag != "" {
		if err := os.WriteFile(path+etagSidecarExt, []byte(etag), 0o644); err != nil {
			return fmt.Errorf("failed to write etag sidecar for %s: %w", filename, err)
		}
	} else {
		// A stale sidecar must not outlive the tarball it described.
		if err := os.Remove(path + etagSidecarExt); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale etag sidecar for %s: %w", filename, err)
		}
	}

	contentType := tarballContentType
	var etagPtr *string
	if etag != "" {
		etagPtr = &etag
	}
	_, err := c.store.CreateCompletePackageEntry(ctx, packageName, version, filename,
		int64(len(data)), &contentType, etagPtr, upstreamURL, path)
	if err != nil {
		return fmt.Errorf("failed to register tarball %s: %w", filename, err)
	}

	if c.metrics != nil {
		c.metrics.CacheSizeBytes.WithLabelValues("tarball").Add(float64(len(data)))
	}
	return nil
}

// RegisterTarball records database rows for a tarball already present on
// disk, without rewriting the file. Used by the reindexer.
func (c *Cache) RegisterTarball(ctx context.Context, packageName, version, filename, upstreamURL string) (*db.PackageFile, error) {
	path := c.tarballPath(packageName, filename)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat tarball %s: %w", filename, err)
	}

	var etagPtr *string
	if sidecar, err := os.ReadFile(path + etagSidecarExt); err == nil {
		etag := strings.TrimSpace(string(sidecar))
		if etag != "" {
			etagPtr = &etag
		}
	}

	contentType := tarballContentType
	file, err := c.store.CreateCompletePackageEntry(ctx, packageName, version, filename,
		info.Size(), &contentType, etagPtr, upstreamURL, path)
	if err != nil {
		return nil, fmt.Errorf("failed to register tarball %s: %w", filename, err)
	}
	return file, nil
}
