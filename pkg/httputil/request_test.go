package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"lodash"}`))
		var dest payload
		require.NoError(t, ParseJSON(req, &dest))
		assert.Equal(t, "lodash", dest.Name)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{oops`))
		var dest payload
		assert.Error(t, ParseJSON(req, &dest))
	})
}

func TestParseJSONOrError(t *testing.T) {
	t.Run("writes 400 on failure", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`))
		rec := httptest.NewRecorder()
		var dest map[string]string
		assert.False(t, ParseJSONOrError(rec, req, &dest))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("passes through on success", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"b"}`))
		rec := httptest.NewRecorder()
		var dest map[string]string
		assert.True(t, ParseJSONOrError(rec, req, &dest))
		assert.Equal(t, "b", dest["a"])
	})
}

func TestParseQueryInt(t *testing.T) {
	cases := []struct {
		url      string
		fallback int
		want     int
	}{
		{"/?limit=25", 10, 25},
		{"/", 10, 10},
		{"/?limit=abc", 10, 10},
		{"/?limit=-5", 10, 10},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.url, nil)
		assert.Equal(t, tc.want, ParseQueryInt(req, "limit", tc.fallback), tc.url)
	}
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?sort=name", nil)
	assert.Equal(t, "name", ParseQueryString(req, "sort", "created_at"))
	assert.Equal(t, "created_at", ParseQueryString(req, "order", "created_at"))
}

func TestParseQueryBool(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?private=true&broken=xyz", nil)
	assert.True(t, ParseQueryBool(req, "private", false))
	assert.False(t, ParseQueryBool(req, "broken", false))
	assert.True(t, ParseQueryBool(req, "missing", true))
}
