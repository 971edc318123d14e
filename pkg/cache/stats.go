package cache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// statsCounters holds the in-memory hit/miss counters. They are seeded from
// the cache_stats row at startup and flushed back periodically and on
// shutdown.
type statsCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (s *statsCounters) seed(hits, misses int64) {
	s.hits.Store(hits)
	s.misses.Store(misses)
}

func (s *statsCounters) reset() {
	s.hits.Store(0)
	s.misses.Store(0)
}

// RecordHit counts a cache hit.
func (c *Cache) RecordHit(cacheType string) {
	c.stats.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordMiss counts a cache miss.
func (c *Cache) RecordMiss(cacheType string) {
	c.stats.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// Counters returns the current in-memory hit/miss counts.
func (c *Cache) Counters() (hits, misses int64) {
	return c.stats.hits.Load(), c.stats.misses.Load()
}

// FlushStats persists the in-memory counters to the database.
func (c *Cache) FlushStats(ctx context.Context) error {
	return c.store.SetCacheStats(ctx, c.stats.hits.Load(), c.stats.misses.Load())
}

// Stats summarizes the cache for the web API.
type Stats struct {
	HitCount          int64   `json:"hit_count"`
	MissCount         int64   `json:"miss_count"`
	HitRate           float64 `json:"hit_rate"`
	TarballCount      int64   `json:"tarball_count"`
	TarballSizeBytes  int64   `json:"tarball_size_bytes"`
	MetadataCount     int64   `json:"metadata_count"`
	MetadataSizeBytes int64   `json:"metadata_size_bytes"`
	TotalSizeBytes    int64   `json:"total_size_bytes"`
}

// Stats walks the packages tree summing tarball and metadata document
// sizes, combined with the hit/miss counters.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		HitCount:  c.stats.hits.Load(),
		MissCount: c.stats.misses.Load(),
	}
	if total := stats.HitCount + stats.MissCount; total > 0 {
		stats.HitRate = float64(stats.HitCount) / float64(total)
	}

	root := filepath.Join(c.dir, packagesSubdir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		switch {
		case strings.HasSuffix(path, ".tgz"):
			stats.TarballCount++
			stats.TarballSizeBytes += info.Size()
		case d.Name() == metadataFilename:
			stats.MetadataCount++
			stats.MetadataSizeBytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk cache tree: %w", err)
	}

	stats.TotalSizeBytes = stats.TarballSizeBytes + stats.MetadataSizeBytes

	if c.metrics != nil {
		c.metrics.CacheSizeBytes.WithLabelValues("tarball").Set(float64(stats.TarballSizeBytes))
		c.metrics.CacheSizeBytes.WithLabelValues("metadata").Set(float64(stats.MetadataSizeBytes))
	}
	return stats, nil
}

// Health probes that the cache directory is writable.
func (c *Cache) Health() error {
	probe, err := os.CreateTemp(c.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("cache directory not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}
