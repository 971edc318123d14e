// Package upstream talks to the public npm registry (or whatever registry
// the proxy fronts): metadata documents, version documents, tarballs, and
// the security advisory/audit endpoints.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/observability"
)

const requestTimeout = 30 * time.Second

// MetadataResult is the outcome of a conditional metadata fetch.
type MetadataResult struct {
	Doc         []byte
	ETag        string
	NotModified bool
}

// Client fetches from the upstream registry. Concurrent metadata fetches
// for the same package are collapsed into one request.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *observability.Logger
	metrics *observability.Metrics
	group   singleflight.Group
}

// New creates an upstream client. When tracing is enabled the transport is
// wrapped for trace propagation.
func New(baseURL string, tracingEnabled bool, logger *observability.Logger) *Client {
	var transport http.RoundTripper = http.DefaultTransport
	if tracingEnabled {
		transport = otelhttp.NewTransport(transport)
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		logger: logger,
	}
}

// SetMetrics attaches Prometheus metrics to the client.
func (c *Client) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// BaseURL returns the upstream registry base.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) observe(operation string, status int, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamRequestsTotal.WithLabelValues(operation, fmt.Sprintf("%d", status)).Inc()
	c.metrics.UpstreamRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// FetchMetadata performs a conditional GET for a package's metadata
// document. A non-empty etag is sent as If-None-Match; a 304 response is
// reported via NotModified with no document.
func (c *Client) FetchMetadata(ctx context.Context, packageName, etag string) (*MetadataResult, error) {
	key := packageName + "\x00" + etag
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.fetchMetadata(ctx, packageName, etag)
	})
	if err != nil {
		return nil, err
	}
	return result.(*MetadataResult), nil
}

func (c *Client) fetchMetadata(ctx context.Context, packageName, etag string) (*MetadataResult, error) {
	start := time.Now()

	reqURL := c.baseURL + "/" + escapePackageName(packageName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apierrors.Internal(err, "failed to build metadata request for %s", packageName)
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("metadata", 0, start)
		return nil, apierrors.Network(err, "upstream metadata request for %s failed", packageName)
	}
	defer resp.Body.Close()
	c.observe("metadata", resp.StatusCode, start)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &MetadataResult{ETag: etag, NotModified: true}, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, apierrors.NotFound("package %s not found upstream", packageName)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, apierrors.Upstream("upstream returned %d for %s", resp.StatusCode, packageName)
	}

	doc, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierrors.Network(err, "failed to read upstream metadata for %s", packageName)
	}

	return &MetadataResult{Doc: doc, ETag: resp.Header.Get("ETag")}, nil
}

// FetchVersionMetadata returns a single version's document. Version docs
// are passed through, never cached.
func (c *Client) FetchVersionMetadata(ctx context.Context, packageName, version string) ([]byte, error) {
	start := time.Now()

	reqURL := c.baseURL + "/" + escapePackageName(packageName) + "/" + url.PathEscape(version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, apierrors.Internal(err, "failed to build version request for %s@%s", packageName, version)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("version", 0, start)
		return nil, apierrors.Network(err, "upstream version request for %s@%s failed", packageName, version)
	}
	defer resp.Body.Close()
	c.observe("version", resp.StatusCode, start)

	if resp.StatusCode == http.StatusNotFound {
		return nil, apierrors.NotFound("%s@%s not found upstream", packageName, version)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierrors.Upstream("upstream returned %d for %s@%s", resp.StatusCode, packageName, version)
	}

	doc, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierrors.Network(err, "failed to read upstream version doc for %s@%s", packageName, version)
	}
	return doc, nil
}

// FetchTarball downloads a tarball from upstream, returning the bytes and
// the response ETag.
func (c *Client) FetchTarball(ctx context.Context, packageName, filename string) ([]byte, string, error) {
	start := time.Now()

	reqURL := c.TarballURL(packageName, filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, "", apierrors.Internal(err, "failed to build tarball request for %s", filename)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("tarball", 0, start)
		return nil, "", apierrors.Network(err, "upstream tarball request for %s failed", filename)
	}
	defer resp.Body.Close()
	c.observe("tarball", resp.StatusCode, start)

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", apierrors.NotFound("tarball %s not found upstream", filename)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", apierrors.Upstream("upstream returned %d for tarball %s", resp.StatusCode, filename)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", apierrors.Network(err, "failed to read upstream tarball %s", filename)
	}
	return data, resp.Header.Get("ETag"), nil
}

// HeadTarball asks upstream whether a tarball exists without downloading
// it. Size is the advertised Content-Length, -1 when upstream does not
// report one.
func (c *Client) HeadTarball(ctx context.Context, packageName, filename string) (bool, int64, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.TarballURL(packageName, filename), nil)
	if err != nil {
		return false, 0, apierrors.Internal(err, "failed to build tarball HEAD request for %s", filename)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("tarball_head", 0, start)
		return false, 0, apierrors.Network(err, "upstream tarball HEAD for %s failed", filename)
	}
	defer resp.Body.Close()
	c.observe("tarball_head", resp.StatusCode, start)

	if resp.StatusCode == http.StatusNotFound {
		return false, 0, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, 0, apierrors.Upstream("upstream returned %d for tarball %s", resp.StatusCode, filename)
	}
	return true, resp.ContentLength, nil
}

// TarballURL returns the canonical upstream URL of a tarball.
func (c *Client) TarballURL(packageName, filename string) string {
	return c.baseURL + "/" + escapePackageName(packageName) + "/-/" + url.PathEscape(filename)
}

// ProxySecurity forwards a security advisory or audit request body to
// upstream and returns the response body plus content headers. An upstream
// failure degrades to an empty document so installs keep working when the
// audit service is down.
func (c *Client) ProxySecurity(ctx context.Context, path string, body []byte, clientHeaders http.Header) (respBody []byte, contentType string, status int) {
	start := time.Now()

	emptyDoc := emptySecurityDoc(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return emptyDoc, "application/json", http.StatusOK
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	// npm sends gzip-compressed audit payloads and expects the encoding
	// header forwarded; pnpm and yarn send plain JSON.
	if encoding := clientHeaders.Get("Content-Encoding"); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	} else if ua := clientHeaders.Get("User-Agent"); strings.HasPrefix(ua, "npm/") {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("security", 0, start)
		c.logger.WithError(err).Warn("security proxy request failed, returning empty document")
		return emptyDoc, "application/json", http.StatusOK
	}
	defer resp.Body.Close()
	c.observe("security", resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return emptyDoc, "application/json", http.StatusOK
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return emptyDoc, "application/json", http.StatusOK
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return data, ct, resp.StatusCode
}

// emptySecurityDoc builds the shape clients expect when the audit service
// is unavailable.
func emptySecurityDoc(path string) []byte {
	if strings.Contains(path, "advisories") {
		return []byte(`{}`)
	}
	return []byte(`{"actions":[],"advisories":{},"muted":[],"metadata":{"vulnerabilities":{"info":0,"low":0,"moderate":0,"high":0,"critical":0},"dependencies":0,"devDependencies":0,"optionalDependencies":0,"totalDependencies":0}}`)
}

// escapePackageName percent-encodes a package name for a URL path, keeping
// the scope separator. npm expects "@scope%2Fname".
func escapePackageName(name string) string {
	if !strings.HasPrefix(name, "@") {
		return url.PathEscape(name)
	}
	scope, rest, found := strings.Cut(name, "/")
	if !found {
		return url.PathEscape(name)
	}
	return url.PathEscape(scope) + "%2F" + url.PathEscape(rest)
}
