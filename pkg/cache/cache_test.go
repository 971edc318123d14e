package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clef/pkg/observability"
	"github.com/platinummonkey/clef/pkg/storage/db"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *db.Store) {
	t.Helper()
	dir := t.TempDir()
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)

	store, err := db.Open(filepath.Join(dir, "clef.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := New(dir, ttl, true, "127.0.0.1:8000", store, logger)
	require.NoError(t, err)
	return c, store
}

func TestTarballRoundTrip(t *testing.T) {
	c, store := newTestCache(t, time.Hour)
	ctx := context.Background()

	data := []byte("fake tarball bytes")
	err := c.PutTarball(ctx, "left-pad", "1.3.0", "left-pad-1.3.0.tgz", data,
		`"abc123"`, "https://registry.npmjs.org/left-pad/-/left-pad-1.3.0.tgz")
	require.NoError(t, err)

	got, etag, found, err := c.GetTarball(ctx, "left-pad", "left-pad-1.3.0.tgz")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, data, got)
	assert.Equal(t, `"abc123"`, etag)

	ok, size := c.HasTarball("left-pad", "left-pad-1.3.0.tgz")
	assert.True(t, ok)
	assert.Equal(t, int64(len(data)), size)

	// The put registered package, version and file rows.
	rec, err := store.GetFile(ctx, "left-pad", "left-pad-1.3.0.tgz")
	require.NoError(t, err)
	assert.Equal(t, "left-pad", rec.Package.Name)
	assert.Equal(t, "1.3.0", rec.Version.Version)
	assert.Equal(t, int64(len(data)), rec.File.SizeBytes)
}

func TestTarballScopedNesting(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	err := c.PutTarball(ctx, "@acme/widgets", "2.0.0", "widgets-2.0.0.tgz",
		[]byte("scoped"), "", "https://registry.npmjs.org/@acme/widgets/-/widgets-2.0.0.tgz")
	require.NoError(t, err)

	// Scoped packages nest under packages/@scope/name/.
	_, err = os.Stat(filepath.Join(c.Dir(), "packages", "@acme", "widgets", "widgets-2.0.0.tgz"))
	require.NoError(t, err)

	_, etag, found, err := c.GetTarball(ctx, "@acme/widgets", "widgets-2.0.0.tgz")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, etag)
}

func TestGetTarballMiss(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)

	_, _, found, err := c.GetTarball(context.Background(), "ghost", "ghost-1.0.0.tgz")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMetadataRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	doc := []byte(`{"name":"lodash","versions":{}}`)
	require.NoError(t, c.PutMetadata(ctx, "lodash", doc, `"v1"`, false))

	got, found, err := c.GetMetadata(ctx, "lodash")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc, got)
	assert.Equal(t, `"v1"`, c.GetMetadataETag("lodash"))

	// Replacing with an empty ETag drops the sidecar.
	require.NoError(t, c.PutMetadata(ctx, "lodash", doc, "", false))
	assert.Empty(t, c.GetMetadataETag("lodash"))
}

func TestMetadataTTLExpiry(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	doc := []byte(`{"name":"stale"}`)
	require.NoError(t, c.PutMetadata(ctx, "stale", doc, "", false))

	// Backdate the file past the TTL and drop the hot tier entry.
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(c.metadataPath("stale"), old, old))
	c.hot.Remove("stale")

	_, found, err := c.GetMetadata(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMetadataOverlayNeverExpires(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	doc := []byte(`{"name":"mine","versions":{"1.0.0":{"dist":{"tarball":"http://127.0.0.1:8000/mine/-/mine-1.0.0.tgz"}}}}`)
	require.NoError(t, c.PutMetadata(ctx, "mine", doc, "", true))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(c.metadataPath("mine"), old, old))
	c.hot.Remove("mine")

	got, found, err := c.GetMetadata(ctx, "mine")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc, got)
}

func TestMetadataZeroTTLAlwaysStale(t *testing.T) {
	c, _ := newTestCache(t, 0)
	ctx := context.Background()

	doc := []byte(`{"name":"upstream-doc"}`)
	require.NoError(t, c.PutMetadata(ctx, "upstream-doc", doc, "", false))

	// Zero TTL means upstream docs never count as fresh, even straight
	// after the write.
	_, found, err := c.GetMetadata(ctx, "upstream-doc")
	require.NoError(t, err)
	assert.False(t, found)

	// Locally overlaid docs are exempt from TTL staleness entirely.
	overlay := []byte(`{"name":"mine"}`)
	require.NoError(t, c.PutMetadata(ctx, "mine", overlay, "", true))

	got, found, err := c.GetMetadata(ctx, "mine")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, overlay, got)
}

func TestMetadataOverlayURLScanFallback(t *testing.T) {
	c, store := newTestCache(t, time.Minute)
	ctx := context.Background()

	// Simulate a doc cached before overlay records existed: file on disk
	// with a local tarball URL, but no metadata_cache row.
	doc := []byte(`{"versions":{"1.0.0":{"dist":{"tarball":"http://127.0.0.1:8000/old/-/old-1.0.0.tgz"}}}}`)
	require.NoError(t, os.MkdirAll(c.packageDir("old"), 0o755))
	require.NoError(t, os.WriteFile(c.metadataPath("old"), doc, 0o644))
	require.NoError(t, store.DeleteMetadataCacheRecord(ctx, "old"))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(c.metadataPath("old"), old, old))

	_, found, err := c.GetMetadata(ctx, "old")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestInvalidateMetadata(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.PutMetadata(ctx, "gone", []byte(`{}`), `"e"`, false))
	require.NoError(t, c.InvalidateMetadata(ctx, "gone"))

	_, found, err := c.GetMetadata(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, found)

	// Idempotent.
	require.NoError(t, c.InvalidateMetadata(ctx, "gone"))
}

func TestStatsAndCounters(t *testing.T) {
	c, store := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.PutTarball(ctx, "a", "1.0.0", "a-1.0.0.tgz", []byte("aaaa"), "", "u"))
	require.NoError(t, c.PutMetadata(ctx, "a", []byte(`{"name":"a"}`), "", false))

	c.RecordHit("tarball")
	c.RecordHit("metadata")
	c.RecordMiss("tarball")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.HitCount)
	assert.Equal(t, int64(1), stats.MissCount)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.001)
	assert.Equal(t, int64(1), stats.TarballCount)
	assert.Equal(t, int64(4), stats.TarballSizeBytes)
	assert.Equal(t, int64(1), stats.MetadataCount)

	require.NoError(t, c.FlushStats(ctx))
	persisted, err := store.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), persisted.HitCount)
	assert.Equal(t, int64(1), persisted.MissCount)
}

func TestCountersSurviveRestart(t *testing.T) {
	c, store := newTestCache(t, time.Hour)
	ctx := context.Background()

	c.RecordHit("metadata")
	c.RecordHit("metadata")
	c.RecordMiss("metadata")
	require.NoError(t, c.FlushStats(ctx))

	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	c2, err := New(c.Dir(), time.Hour, true, "127.0.0.1:8000", store, logger)
	require.NoError(t, err)

	hits, misses := c2.Counters()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestClear(t *testing.T) {
	c, store := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.PutTarball(ctx, "a", "1.0.0", "a-1.0.0.tgz", []byte("aaaa"), "", "u"))
	require.NoError(t, c.PutMetadata(ctx, "a", []byte(`{}`), "", false))
	c.RecordHit("tarball")

	require.NoError(t, c.Clear(ctx))

	ok, _ := c.HasTarball("a", "a-1.0.0.tgz")
	assert.False(t, ok)
	hits, misses := c.Counters()
	assert.Zero(t, hits)
	assert.Zero(t, misses)

	summary, err := store.MetadataCacheStatsSummary(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.TotalEntries)
}

func TestManifestRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)

	doc := []byte(`{"name":"@acme/widgets","version":"2.0.0"}`)
	require.NoError(t, c.WriteManifest("@acme/widgets", "2.0.0", doc))

	// Manifest sidecar uses the unscoped basename.
	_, err := os.Stat(filepath.Join(c.Dir(), "packages", "@acme", "widgets", "widgets-2.0.0.json"))
	require.NoError(t, err)

	got, err := c.ReadManifest("@acme/widgets", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestExtractVersionFromFilename(t *testing.T) {
	tests := []struct {
		pkg      string
		filename string
		expected string
	}{
		{"left-pad", "left-pad-1.3.0.tgz", "1.3.0"},
		{"@acme/widgets", "widgets-2.0.0.tgz", "2.0.0"},
		{"left-pad", "left-pad-1.3.0-beta.1.tgz", "1.3.0-beta.1"},
		{"left-pad", "other-1.0.0.tgz", ""},
		{"left-pad", "left-pad-.tgz", ""},
		{"left-pad", "left-pad-1.3.0.zip", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, ExtractVersionFromFilename(tc.pkg, tc.filename),
			"%s / %s", tc.pkg, tc.filename)
	}
}

func TestDisabledCacheIsPassthrough(t *testing.T) {
	dir := t.TempDir()
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	store, err := db.Open(filepath.Join(dir, "clef.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := New(dir, time.Hour, false, "127.0.0.1:8000", store, logger)
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, c.Enabled())

	t.Run("tarball writes are no-ops", func(t *testing.T) {
		require.NoError(t, c.PutTarball(ctx, "left-pad", "1.3.0", "left-pad-1.3.0.tgz",
			[]byte("bytes"), "", "u"))

		_, _, found, err := c.GetTarball(ctx, "left-pad", "left-pad-1.3.0.tgz")
		require.NoError(t, err)
		assert.False(t, found)
		ok, _ := c.HasTarball("left-pad", "left-pad-1.3.0.tgz")
		assert.False(t, ok)
	})

	t.Run("metadata writes are no-ops", func(t *testing.T) {
		require.NoError(t, c.PutMetadata(ctx, "lodash", []byte(`{}`), `"v1"`, false))

		_, found, err := c.GetMetadata(ctx, "lodash")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, c.GetMetadataETag("lodash"))
		require.NoError(t, c.InvalidateMetadata(ctx, "lodash"))
	})

	t.Run("reindexer does not adopt files", func(t *testing.T) {
		orphanDir := filepath.Join(c.Dir(), "packages", "orphan")
		require.NoError(t, os.MkdirAll(orphanDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(orphanDir, "orphan-0.1.0.tgz"), []byte("bytes"), 0o644))

		log := logrus.New()
		log.SetOutput(os.Stderr)
		r := NewReindexer(c, store, "https://registry.npmjs.org", log)
		require.NoError(t, r.Scan(ctx))

		_, err := store.GetFile(ctx, "orphan", "orphan-0.1.0.tgz")
		assert.Error(t, err)
	})

	t.Run("publish manifests still round-trip", func(t *testing.T) {
		doc := []byte(`{"name":"mine","version":"1.0.0"}`)
		require.NoError(t, c.WriteManifest("mine", "1.0.0", doc))
		got, err := c.ReadManifest("mine", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, doc, got)
	})
}

func TestReindexerScan(t *testing.T) {
	c, store := newTestCache(t, time.Hour)
	ctx := context.Background()

	// Drop a tarball into the cache tree without registering it.
	dir := filepath.Join(c.Dir(), "packages", "orphan")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan-0.1.0.tgz"), []byte("bytes"), 0o644))
	// And one whose filename cannot yield a version.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mystery.tgz"), []byte("bytes"), 0o644))

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)

	r := NewReindexer(c, store, "https://registry.npmjs.org", log)
	require.NoError(t, r.Scan(ctx))

	rec, err := store.GetFile(ctx, "orphan", "orphan-0.1.0.tgz")
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", rec.Version.Version)
	assert.Equal(t, "https://registry.npmjs.org/orphan/-/orphan-0.1.0.tgz", rec.File.UpstreamURL)

	_, err = store.GetFile(ctx, "orphan", "mystery.tgz")
	assert.Error(t, err)

	// A second scan is a no-op.
	require.NoError(t, r.Scan(ctx))
}
