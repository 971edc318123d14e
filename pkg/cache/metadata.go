package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// hotEntry is a metadata document held in the in-process hot tier.
type hotEntry struct {
	doc      []byte
	etag     string
	overlaid bool
	storedAt time.Time
}

// GetMetadata returns the cached metadata document for a package, or
// found=false when there is no cached doc or it has expired. Documents
// carrying locally published versions never expire; the database overlay
// bit is authoritative, with a scan for local tarball URLs as the fallback
// for docs cached before the bit existed.
func (c *Cache) GetMetadata(ctx context.Context, packageName string) (doc []byte, found bool, err error) {
	if !c.enabled {
		return nil, false, nil
	}

	// A non-positive TTL means upstream docs are always stale; only
	// overlaid docs survive it.
	if entry, ok := c.hot.Get(packageName); ok {
		if entry.overlaid || (c.ttl > 0 && time.Since(entry.storedAt) < c.ttl) {
			return entry.doc, true, nil
		}
		c.hot.Remove(packageName)
	}

	path := c.metadataPath(packageName)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to stat cached metadata for %s: %w", packageName, err)
	}

	doc, err = os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached metadata for %s: %w", packageName, err)
	}

	overlaid := c.metadataOverlaid(ctx, packageName, doc)
	if !overlaid && (c.ttl <= 0 || time.Since(info.ModTime()) >= c.ttl) {
		return nil, false, nil
	}

	if err := c.store.TouchMetadataAccess(ctx, packageName); err != nil {
		c.logger.WithError(err).WithField("package", packageName).Warn("failed to record metadata access")
	}

	c.hot.Add(packageName, hotEntry{
		doc:      doc,
		etag:     c.readMetadataETag(packageName),
		overlaid: overlaid,
		storedAt: info.ModTime(),
	})

	return doc, true, nil
}

// metadataOverlaid reports whether a cached doc contains locally published
// versions and is therefore exempt from TTL expiry.
func (c *Cache) metadataOverlaid(ctx context.Context, packageName string, doc []byte) bool {
	if rec, err := c.store.GetMetadataCacheRecord(ctx, packageName); err == nil {
		return rec.HasLocalOverlay
	}
	if c.hostPort == "" {
		return false
	}
	return strings.Contains(string(doc), c.hostPort)
}

// ReadMetadataRaw reads the cached document ignoring TTL expiry. The
// revalidation path uses it to serve a doc upstream just confirmed as
// unchanged.
func (c *Cache) ReadMetadataRaw(packageName string) ([]byte, error) {
	doc, err := os.ReadFile(c.metadataPath(packageName))
	if err != nil {
		return nil, fmt.Errorf("failed to read cached metadata for %s: %w", packageName, err)
	}
	return doc, nil
}

// GetMetadataETag reads the metadata ETag sidecar, empty when absent.
func (c *Cache) GetMetadataETag(packageName string) string {
	if !c.enabled {
		return ""
	}
	if entry, ok := c.hot.Peek(packageName); ok && entry.etag != "" {
		return entry.etag
	}
	return c.readMetadataETag(packageName)
}

func (c *Cache) readMetadataETag(packageName string) string {
	data, err := os.ReadFile(c.metadataETagPath(packageName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// PutMetadata stores a metadata document, its ETag sidecar and the
// database record. hasLocalOverlay marks docs containing locally published
// versions, which never expire.
func (c *Cache) PutMetadata(ctx context.Context, packageName string, doc []byte, etag string, hasLocalOverlay bool) error {
	if !c.enabled {
		return nil
	}
	path := c.metadataPath(packageName)
	if err := os.MkdirAll(c.packageDir(packageName), 0o755); err != nil {
		return fmt.Errorf("failed to create package directory: %w", err)
	}

	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", packageName, err)
	}

	etagPath := c.metadataETagPath(packageName)
	if etag != "" {
		if err := os.WriteFile(etagPath, []byte(etag), 0o644); err != nil {
			return fmt.Errorf("failed to write metadata etag for %s: %w", packageName, err)
		}
	} else {
		if err := os.Remove(etagPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale metadata etag for %s: %w", packageName, err)
		}
	}

	var etagPtr *string
	if etag != "" {
		etagPtr = &etag
	}
	if err := c.store.UpsertMetadataCacheRecord(ctx, packageName, int64(len(doc)), path, etagPtr, hasLocalOverlay); err != nil {
		c.logger.WithError(err).WithField("package", packageName).Warn("failed to upsert metadata cache record")
	}

	c.hot.Add(packageName, hotEntry{
		doc:      doc,
		etag:     etag,
		overlaid: hasLocalOverlay,
		storedAt: time.Now(),
	})

	return nil
}

// InvalidateHotEntry drops a package from the in-process hot tier without
// touching the on-disk cache, forcing the next read through the file tier.
func (c *Cache) InvalidateHotEntry(packageName string) {
	c.hot.Remove(packageName)
}

// InvalidateMetadata removes the cached document, its sidecar, the hot tier
// entry and the database record. Invalidation is idempotent.
func (c *Cache) InvalidateMetadata(ctx context.Context, packageName string) error {
	if !c.enabled {
		return nil
	}
	c.hot.Remove(packageName)

	for _, path := range []string{c.metadataPath(packageName), c.metadataETagPath(packageName)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	return c.store.DeleteMetadataCacheRecord(ctx, packageName)
}
