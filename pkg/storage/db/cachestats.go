package db

import (
	"context"
	"fmt"
	"time"
)

const metadataCacheColumns = `id, package_name, size_bytes, file_path, etag, has_local_overlay, created_at, updated_at, last_accessed, access_count`

func scanMetadataCacheRecord(row rowScanner) (*MetadataCacheRecord, error) {
	var rec MetadataCacheRecord
	err := row.Scan(
		&rec.ID,
		&rec.PackageName,
		&rec.SizeBytes,
		&rec.FilePath,
		&rec.ETag,
		&rec.HasLocalOverlay,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.LastAccessed,
		&rec.AccessCount,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertMetadataCacheRecord records (or refreshes) the metadata cache entry
// for a package.
func (s *Store) UpsertMetadataCacheRecord(ctx context.Context, packageName string, sizeBytes int64, filePath string, etag *string, hasLocalOverlay bool) error {
	defer s.observe("upsert_metadata_cache", time.Now())

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO metadata_cache (package_name, size_bytes, file_path, etag, has_local_overlay)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(package_name) DO UPDATE SET
				size_bytes = excluded.size_bytes,
				file_path = excluded.file_path,
				etag = excluded.etag,
				has_local_overlay = excluded.has_local_overlay,
				updated_at = CURRENT_TIMESTAMP
		`, packageName, sizeBytes, filePath, etag, hasLocalOverlay)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to upsert metadata cache record for %s", packageName))
		}
		return nil
	})
}

// GetMetadataCacheRecord returns the cache record for a package, or
// ErrNotFound.
func (s *Store) GetMetadataCacheRecord(ctx context.Context, packageName string) (*MetadataCacheRecord, error) {
	defer s.observe("get_metadata_cache", time.Now())

	query := fmt.Sprintf("SELECT %s FROM metadata_cache WHERE package_name = ?", metadataCacheColumns)
	rec, err := scanMetadataCacheRecord(s.db.QueryRowContext(ctx, query, packageName))
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get metadata cache record for %s", packageName))
	}
	return rec, nil
}

// MarkMetadataOverlay flags a cached document as containing locally
// published versions, exempting it from TTL expiry.
func (s *Store) MarkMetadataOverlay(ctx context.Context, packageName string) error {
	defer s.observe("mark_metadata_overlay", time.Now())

	_, err := s.db.ExecContext(ctx,
		"UPDATE metadata_cache SET has_local_overlay = 1, updated_at = CURRENT_TIMESTAMP WHERE package_name = ?",
		packageName)
	if err != nil {
		return translateError(err, fmt.Sprintf("failed to mark overlay for %s", packageName))
	}
	return nil
}

// TouchMetadataAccess bumps the access bookkeeping on a cache record. A
// missing row is not an error.
func (s *Store) TouchMetadataAccess(ctx context.Context, packageName string) error {
	defer s.observe("touch_metadata_access", time.Now())

	_, err := s.db.ExecContext(ctx, `
		UPDATE metadata_cache
		SET last_accessed = CURRENT_TIMESTAMP, access_count = access_count + 1
		WHERE package_name = ?
	`, packageName)
	if err != nil {
		return translateError(err, fmt.Sprintf("failed to touch metadata record for %s", packageName))
	}
	return nil
}

// DeleteMetadataCacheRecord removes the cache record for a package. A
// missing row is not an error; invalidation is idempotent.
func (s *Store) DeleteMetadataCacheRecord(ctx context.Context, packageName string) error {
	defer s.observe("delete_metadata_cache", time.Now())

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM metadata_cache WHERE package_name = ?", packageName)
	if err != nil {
		return translateError(err, fmt.Sprintf("failed to delete metadata cache record for %s", packageName))
	}
	return nil
}

// MetadataCacheStatsSummary summarizes the metadata_cache table.
func (s *Store) MetadataCacheStatsSummary(ctx context.Context) (*MetadataCacheStats, error) {
	defer s.observe("metadata_cache_stats", time.Now())

	var stats MetadataCacheStats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM metadata_cache",
	).Scan(&stats.TotalEntries, &stats.TotalSizeBytes)
	if err != nil {
		return nil, translateError(err, "failed to summarize metadata cache")
	}
	return &stats, nil
}

// ClearMetadataCacheRecords removes every metadata cache record.
func (s *Store) ClearMetadataCacheRecords(ctx context.Context) error {
	defer s.observe("clear_metadata_cache", time.Now())

	if _, err := s.db.ExecContext(ctx, "DELETE FROM metadata_cache"); err != nil {
		return translateError(err, "failed to clear metadata cache records")
	}
	return nil
}

// GetCacheStats returns the persisted hit/miss counters, creating the
// singleton row on first use.
func (s *Store) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	defer s.observe("get_cache_stats", time.Now())

	var stats *CacheStats
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO cache_stats (id) VALUES (1) ON CONFLICT(id) DO NOTHING")
		if err != nil {
			return translateError(err, "failed to ensure cache stats row")
		}

		stats = &CacheStats{}
		err = s.db.QueryRowContext(ctx,
			"SELECT id, hit_count, miss_count, created_at, updated_at FROM cache_stats WHERE id = 1",
		).Scan(&stats.ID, &stats.HitCount, &stats.MissCount, &stats.CreatedAt, &stats.UpdatedAt)
		if err != nil {
			return translateError(err, "failed to get cache stats")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// SetCacheStats overwrites the persisted hit/miss counters. Used by the
// periodic flush of the in-memory counters.
func (s *Store) SetCacheStats(ctx context.Context, hits, misses int64) error {
	defer s.observe("set_cache_stats", time.Now())

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cache_stats (id, hit_count, miss_count)
			VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				hit_count = excluded.hit_count,
				miss_count = excluded.miss_count,
				updated_at = CURRENT_TIMESTAMP
		`, hits, misses)
		if err != nil {
			return translateError(err, "failed to set cache stats")
		}
		return nil
	})
}

// IncrementCacheHit bumps the persisted hit counter.
func (s *Store) IncrementCacheHit(ctx context.Context) error {
	defer s.observe("increment_cache_hit", time.Now())
	return s.bumpCacheStats(ctx, "hit_count")
}

// IncrementCacheMiss bumps the persisted miss counter.
func (s *Store) IncrementCacheMiss(ctx context.Context) error {
	defer s.observe("increment_cache_miss", time.Now())
	return s.bumpCacheStats(ctx, "miss_count")
}

func (s *Store) bumpCacheStats(ctx context.Context, column string) error {
	return s.withRetry(ctx, func() error {
		query := fmt.Sprintf(`
			INSERT INTO cache_stats (id, %[1]s)
			VALUES (1, 1)
			ON CONFLICT(id) DO UPDATE SET
				%[1]s = %[1]s + 1,
				updated_at = CURRENT_TIMESTAMP
		`, column)
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return translateError(err, "failed to bump cache stats")
		}
		return nil
	})
}
