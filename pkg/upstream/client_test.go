package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/observability"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	return New(server.URL, false, logger)
}

func TestFetchMetadata(t *testing.T) {
	var gotIfNoneMatch string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		switch r.URL.Path {
		case "/lodash":
			if gotIfNoneMatch == `"v2"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v2"`)
			w.Write([]byte(`{"name":"lodash"}`))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))

	t.Run("fresh fetch", func(t *testing.T) {
		result, err := client.FetchMetadata(context.Background(), "lodash", "")
		require.NoError(t, err)
		assert.False(t, result.NotModified)
		assert.Equal(t, `"v2"`, result.ETag)
		assert.JSONEq(t, `{"name":"lodash"}`, string(result.Doc))
		assert.Empty(t, gotIfNoneMatch)
	})

	t.Run("conditional hit", func(t *testing.T) {
		result, err := client.FetchMetadata(context.Background(), "lodash", `"v2"`)
		require.NoError(t, err)
		assert.True(t, result.NotModified)
		assert.Equal(t, `"v2"`, result.ETag)
		assert.Nil(t, result.Doc)
		assert.Equal(t, `"v2"`, gotIfNoneMatch)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := client.FetchMetadata(context.Background(), "missing", "")
		require.Error(t, err)
		assert.True(t, apierrors.IsNotFound(err))
	})

	t.Run("upstream error", func(t *testing.T) {
		_, err := client.FetchMetadata(context.Background(), "broken", "")
		require.Error(t, err)
		assert.Equal(t, apierrors.KindUpstream, apierrors.KindOf(err))
	})
}

func TestFetchMetadataNetworkError(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	client := New("http://127.0.0.1:1", false, logger)

	_, err := client.FetchMetadata(context.Background(), "lodash", "")
	require.Error(t, err)
	assert.Equal(t, apierrors.KindNetwork, apierrors.KindOf(err))
}

func TestFetchVersionMetadata(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/lodash/4.17.21" {
			w.Write([]byte(`{"name":"lodash","version":"4.17.21"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	doc, err := client.FetchVersionMetadata(context.Background(), "lodash", "4.17.21")
	require.NoError(t, err)
	assert.Contains(t, string(doc), "4.17.21")

	_, err = client.FetchVersionMetadata(context.Background(), "lodash", "9.9.9")
	assert.True(t, apierrors.IsNotFound(err))
}

func TestFetchTarball(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/left-pad/-/left-pad-1.3.0.tgz" {
			w.Header().Set("ETag", `"t1"`)
			w.Write([]byte("tarball bytes"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	data, etag, err := client.FetchTarball(context.Background(), "left-pad", "left-pad-1.3.0.tgz")
	require.NoError(t, err)
	assert.Equal(t, []byte("tarball bytes"), data)
	assert.Equal(t, `"t1"`, etag)

	_, _, err = client.FetchTarball(context.Background(), "left-pad", "nope.tgz")
	assert.True(t, apierrors.IsNotFound(err))
}

func TestProxySecurity(t *testing.T) {
	var gotEncoding string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		if r.URL.Path == "/-/npm/v1/security/audits" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"advisories":{"1":{}}}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))

	t.Run("npm client gets gzip encoding forwarded", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set("User-Agent", "npm/10.2.0 node/v20.0.0")

		body, contentType, status := client.ProxySecurity(context.Background(),
			"/-/npm/v1/security/audits", []byte(`{}`), hdr)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "application/json", contentType)
		assert.Contains(t, string(body), "advisories")
		assert.Equal(t, "gzip", gotEncoding)
	})

	t.Run("pnpm client sends no encoding", func(t *testing.T) {
		hdr := http.Header{}
		hdr.Set("User-Agent", "pnpm/8.0.0")

		_, _, status := client.ProxySecurity(context.Background(),
			"/-/npm/v1/security/audits", []byte(`{}`), hdr)
		assert.Equal(t, http.StatusOK, status)
		assert.Empty(t, gotEncoding)
	})

	t.Run("upstream failure degrades to empty audit document", func(t *testing.T) {
		body, _, status := client.ProxySecurity(context.Background(),
			"/-/npm/v1/security/audits/quick", []byte(`{}`), http.Header{})
		assert.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(body), `"vulnerabilities"`)
	})

	t.Run("advisories degrade to empty object", func(t *testing.T) {
		logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
		down := New("http://127.0.0.1:1", false, logger)

		body, _, status := down.ProxySecurity(context.Background(),
			"/-/npm/v1/security/advisories/bulk", []byte(`{}`), http.Header{})
		assert.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{}`, string(body))
	})
}

func TestEscapePackageName(t *testing.T) {
	assert.Equal(t, "lodash", escapePackageName("lodash"))
	assert.Equal(t, "@acme%2Fwidgets", escapePackageName("@acme/widgets"))
}
