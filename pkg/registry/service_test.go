package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/cache"
	"github.com/platinummonkey/clef/pkg/observability"
	"github.com/platinummonkey/clef/pkg/storage/db"
	"github.com/platinummonkey/clef/pkg/upstream"
)

type testEnv struct {
	service  *Service
	store    *db.Store
	cache    *cache.Cache
	upstream *httptest.Server
	requests *atomic.Int64
}

func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)

	store, err := db.Open(filepath.Join(dir, "clef.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := cache.New(dir, time.Hour, true, "127.0.0.1:8000", store, logger)
	require.NoError(t, err)

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if handler != nil {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	client := upstream.New(server.URL, false, logger)
	return &testEnv{
		service:  New(store, c, client, logger),
		store:    store,
		cache:    c,
		upstream: server,
		requests: &requests,
	}
}

func upstreamMetadataHandler(t *testing.T, baseURL func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lodash" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		doc := map[string]interface{}{
			"name":        "lodash",
			"description": "utility belt",
			"dist-tags":   map[string]string{"latest": "4.17.21"},
			"versions": map[string]interface{}{
				"4.17.21": map[string]interface{}{
					"name":    "lodash",
					"version": "4.17.21",
					"dist": map[string]interface{}{
						"tarball": baseURL() + "/lodash/-/lodash-4.17.21.tgz",
						"shasum":  "abc",
					},
				},
			},
		}
		w.Header().Set("ETag", `"v1"`)
		json.NewEncoder(w).Encode(doc)
	}
}

func TestGetPackageMetadataUpstreamFlow(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, upstreamMetadataHandler(t, func() string { return env.upstream.URL }))
	ctx := context.Background()

	// First fetch contacts upstream and rewrites tarball URLs.
	doc, err := env.service.GetPackageMetadata(ctx, "lodash", "http", "localhost:8000", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.requests.Load())

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	versions := parsed["versions"].(map[string]interface{})
	dist := versions["4.17.21"].(map[string]interface{})["dist"].(map[string]interface{})
	assert.Equal(t, "http://localhost:8000/lodash/-/lodash-4.17.21.tgz", dist["tarball"])

	// Second fetch is served from cache without touching upstream.
	_, err = env.service.GetPackageMetadata(ctx, "lodash", "http", "localhost:8000", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.requests.Load())

	hits, misses := env.cache.Counters()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	// Mirrored versions landed in the database.
	pkg, err := env.store.GetPackageByName(ctx, "lodash")
	require.NoError(t, err)
	versionsRows, err := env.store.GetVersions(ctx, pkg.ID)
	require.NoError(t, err)
	require.Len(t, versionsRows, 1)
	assert.Equal(t, "4.17.21", versionsRows[0].Version)
}

func TestGetPackageMetadataRevalidation(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, upstreamMetadataHandler(t, func() string { return env.upstream.URL }))
	ctx := context.Background()

	_, err := env.service.GetPackageMetadata(ctx, "lodash", "http", "localhost:8000", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), env.requests.Load())

	// Expire the cached doc; the next read revalidates and gets a 304.
	old := time.Now().Add(-2 * time.Hour)
	metaPath := filepath.Join(env.cache.Dir(), "packages", "lodash", "metadata.json")
	require.NoError(t, os.Chtimes(metaPath, old, old))
	env.service.cache.InvalidateHotEntry("lodash")

	doc, err := env.service.GetPackageMetadata(ctx, "lodash", "http", "localhost:8000", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), env.requests.Load())
	assert.Contains(t, string(doc), "localhost:8000")

	// The 304 refreshed the TTL; the next read is a plain cache hit.
	_, err = env.service.GetPackageMetadata(ctx, "lodash", "http", "localhost:8000", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), env.requests.Load())
}

func TestGetPackageMetadataNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.service.GetPackageMetadata(context.Background(), "ghost", "http", "localhost:8000", nil)
	require.Error(t, err)
	assert.True(t, apierrors.IsNotFound(err))
}

func TestComposeLocalDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	authorID := seedUser(t, env.store, "alice")
	desc := "my widgets"
	pkg, err := env.store.CreateOrGetPackageWithUpdate(ctx, "widgets", &desc, &authorID)
	require.NoError(t, err)

	for _, version := range []string{"1.0.0", "1.2.0", "1.10.0"} {
		manifest := map[string]interface{}{
			"name":    "widgets",
			"version": version,
			"repository": map[string]interface{}{
				"type": "git",
				"url":  "git+https://github.com/acme/widgets.git",
			},
		}
		raw, _ := json.Marshal(manifest)
		_, err := env.store.CreateOrGetVersionWithMetadata(ctx, pkg.ID, version, raw)
		require.NoError(t, err)
		require.NoError(t, env.cache.WriteManifest("widgets", version, raw))
	}

	doc, err := env.service.GetPackageMetadata(ctx, "widgets", "https", "npm.example.com", nil)
	require.NoError(t, err)
	// Composed locally, upstream never contacted.
	assert.Zero(t, env.requests.Load())

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.Equal(t, "widgets", parsed["_id"])
	assert.Equal(t, "1-0", parsed["_rev"])
	assert.Equal(t, "my widgets", parsed["description"])

	versions := parsed["versions"].(map[string]interface{})
	require.Len(t, versions, 3)
	dist := versions["1.2.0"].(map[string]interface{})["dist"].(map[string]interface{})
	assert.Equal(t, "https://npm.example.com/widgets/-/widgets-1.2.0.tgz", dist["tarball"])

	repo := versions["1.2.0"].(map[string]interface{})["repository"].(map[string]interface{})
	assert.Equal(t, "https://github.com/acme/widgets", repo["url"])

	// No tag rows: latest is the lexicographically greatest version
	// string, which is not semver ordering.
	distTags := parsed["dist-tags"].(map[string]interface{})
	assert.Equal(t, "1.2.0", distTags["latest"])
}

func TestComposeLocalUsesTagRows(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	authorID := seedUser(t, env.store, "bob")
	pkg, err := env.store.CreateOrGetPackage(ctx, "tagged", nil, &authorID)
	require.NoError(t, err)
	_, err = env.store.CreateOrGetVersion(ctx, pkg.ID, "2.0.0")
	require.NoError(t, err)
	_, err = env.store.UpsertTag(ctx, "tagged", "beta", "2.0.0")
	require.NoError(t, err)

	doc, err := env.service.GetPackageMetadata(ctx, "tagged", "http", "localhost:8000", nil)
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	distTags := parsed["dist-tags"].(map[string]interface{})
	assert.Equal(t, "2.0.0", distTags["beta"])
	_, hasLatest := distTags["latest"]
	assert.False(t, hasLatest)
}

func TestTarballFlow(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/left-pad/-/left-pad-1.3.0.tgz" {
			w.Header().Set("ETag", `"t1"`)
			w.Write([]byte("tarball bytes"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	ctx := context.Background()

	// Miss fetches upstream and stores.
	data, err := env.service.GetTarball(ctx, "left-pad", "left-pad-1.3.0.tgz", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("tarball bytes"), data)
	assert.Equal(t, int64(1), env.requests.Load())

	// Hit does not contact upstream.
	data, err = env.service.GetTarball(ctx, "left-pad", "left-pad-1.3.0.tgz", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("tarball bytes"), data)
	assert.Equal(t, int64(1), env.requests.Load())

	// The fetch registered rows with the version from the filename.
	rec, err := env.store.GetFile(ctx, "left-pad", "left-pad-1.3.0.tgz")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", rec.Version.Version)

	found, size, err := env.service.HeadTarball(ctx, "left-pad", "left-pad-1.3.0.tgz", nil)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(len("tarball bytes")), size)

	found, _, err = env.service.HeadTarball(ctx, "left-pad", "left-pad-9.9.9.tgz", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHeadTarballAsksUpstream(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/left-pad/-/left-pad-1.3.0.tgz" {
			w.Write([]byte("tarball bytes"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	ctx := context.Background()

	// Nothing cached, nothing in the database: existence is checked with
	// an upstream HEAD instead of answering 404.
	found, size, err := env.service.HeadTarball(ctx, "left-pad", "left-pad-1.3.0.tgz", nil)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(len("tarball bytes")), size)
	assert.Equal(t, int64(1), env.requests.Load())

	// The existence check downloads nothing.
	ok, _ := env.cache.HasTarball("left-pad", "left-pad-1.3.0.tgz")
	assert.False(t, ok)

	found, _, err = env.service.HeadTarball(ctx, "left-pad", "left-pad-9.9.9.tgz", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestComposedMetadataCachedWithOverlay(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	authorID := seedUser(t, env.store, "alice")
	pkg, err := env.store.CreateOrGetPackage(ctx, "widgets", nil, &authorID)
	require.NoError(t, err)
	_, err = env.store.CreateOrGetVersion(ctx, pkg.ID, "1.0.0")
	require.NoError(t, err)

	first, err := env.service.GetPackageMetadata(ctx, "widgets", "http", "localhost:8000", nil)
	require.NoError(t, err)

	// The composed doc was written back with the overlay bit set.
	rec, err := env.store.GetMetadataCacheRecord(ctx, "widgets")
	require.NoError(t, err)
	assert.True(t, rec.HasLocalOverlay)

	// The second read is a cache hit, skipping recomposition.
	second, err := env.service.GetPackageMetadata(ctx, "widgets", "http", "localhost:8000", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	hits, misses := env.cache.Counters()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Zero(t, env.requests.Load())
}

func TestPrivatePackageHiddenFromAnonymous(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ownerID := seedUser(t, env.store, "carol")
	strangerID := seedUser(t, env.store, "mallory")

	pkg, err := env.store.CreateOrGetPackage(ctx, "secret", nil, &ownerID)
	require.NoError(t, err)
	require.NoError(t, env.store.SetPackagePrivate(ctx, pkg.ID, true))
	_, err = env.store.CreateOrGetVersion(ctx, pkg.ID, "1.0.0")
	require.NoError(t, err)
	_, err = env.store.CreateOwner(ctx, "secret", ownerID, db.PermissionAdmin)
	require.NoError(t, err)

	// Anonymous and unauthorized reads both surface as 404.
	_, err = env.service.GetPackageMetadata(ctx, "secret", "http", "localhost:8000", nil)
	assert.True(t, apierrors.IsNotFound(err))

	_, err = env.service.GetPackageMetadata(ctx, "secret", "http", "localhost:8000", &strangerID)
	assert.True(t, apierrors.IsNotFound(err))

	// The owner reads normally.
	doc, err := env.service.GetPackageMetadata(ctx, "secret", "http", "localhost:8000", &ownerID)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "secret")

	// Upstream is never consulted for a private package.
	assert.Zero(t, env.requests.Load())
}

func TestCleanRepositoryURL(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"git+https://github.com/acme/widgets.git", "https://github.com/acme/widgets"},
		{"https://github.com/acme/widgets", "https://github.com/acme/widgets"},
		{"git@github.com:acme/widgets.git", "https://github.com/acme/widgets"},
		{"git+ssh://git@github.com/acme/widgets.git", "ssh://git@github.com/acme/widgets"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, CleanRepositoryURL(tc.in), tc.in)
	}
}

func seedUser(t *testing.T, store *db.Store, username string) int64 {
	t.Helper()
	user, err := store.CreateUser(context.Background(), username, username+"@example.com", "x")
	require.NoError(t, err)
	return user.ID
}
