// Package npm is a client for the npm downloads and registry APIs. It
// handles the two failure modes the stats engine must survive: missing
// packages (reported as ErrNotFound, never a hard failure) and rate
// limiting (retried forever with a fixed delay).
package npm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/pkgpulse/pkg/chunker"
	"github.com/platinummonkey/pkgpulse/pkg/observability"
)

const (
	// DefaultAPIBase is the downloads statistics API.
	DefaultAPIBase = "https://api.npmjs.org"
	// DefaultRegistryBase is the package registry.
	DefaultRegistryBase = "https://registry.npmjs.org"
	// DefaultRetryDelay is the fixed wait between attempts after a 429.
	// npm's Retry-After header has proven unreliable, so it is ignored.
	DefaultRetryDelay = 30 * time.Second
)

// ErrNotFound reports that npm has no data for the requested package or
// range. Callers treat it as zero downloads, not as a failure.
var ErrNotFound = errors.New("npm: not found")

// Point is one day of download counts, as returned by the downloads API.
type Point struct {
	Day       string `json:"day"`
	Downloads int64  `json:"downloads"`
}

// RangeResult is the decoded response of a downloads-range query.
type RangeResult struct {
	Start     string  `json:"start"`
	End       string  `json:"end"`
	Package   string  `json:"package"`
	Downloads []Point `json:"downloads"`
}

// Total sums the daily points.
func (r *RangeResult) Total() int64 {
	var total int64
	for _, p := range r.Downloads {
		total += p.Downloads
	}
	return total
}

// registryPackument is the subset of registry metadata the engine needs.
type registryPackument struct {
	Name string            `json:"name"`
	Time map[string]string `json:"time"`
}

// Client calls the npm downloads and registry APIs.
type Client struct {
	httpClient   *http.Client
	apiBase      string
	registryBase string
	retryDelay   time.Duration
	logger       *observability.Logger
	metrics      *observability.Metrics

	// warned dedupes rate-limit log warnings per endpoint so a long
	// backoff loop does not flood the logs. Held on the client rather
	// than in package state so tests can reset it.
	warnedMu sync.Mutex
	warned   map[string]bool
}

// Option customizes a Client.
type Option func(*Client)

// WithAPIBase overrides the downloads API base URL.
func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = base }
}

// WithRegistryBase overrides the registry base URL.
func WithRegistryBase(base string) Option {
	return func(c *Client) { c.registryBase = base }
}

// WithRetryDelay overrides the fixed rate-limit retry delay.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics attaches Prometheus metrics to the client.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates an npm API client.
func NewClient(logger *observability.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		apiBase:      DefaultAPIBase,
		registryBase: DefaultRegistryBase,
		retryDelay:   DefaultRetryDelay,
		logger:       logger.WithComponent("npm"),
		warned:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResetWarnings clears the rate-limit warning dedupe set.
func (c *Client) ResetWarnings() {
	c.warnedMu.Lock()
	c.warned = make(map[string]bool)
	c.warnedMu.Unlock()
}

// warnRateLimitedOnce logs a rate-limit warning at most once per endpoint
// per client lifetime.
func (c *Client) warnRateLimitedOnce(endpoint string) {
	c.warnedMu.Lock()
	already := c.warned[endpoint]
	c.warned[endpoint] = true
	c.warnedMu.Unlock()

	if !already {
		c.logger.Warnf("npm %s API rate limited, retrying every %s", endpoint, c.retryDelay)
	}
}

// FetchRange fetches daily download counts for one package over one
// chunk-planner range. A 404 (or an error body) returns ErrNotFound. A 429
// is retried with a fixed delay until it succeeds or the context is
// cancelled. Any other failure is returned as-is.
func (c *Client) FetchRange(ctx context.Context, pkg string, r chunker.Range) (*RangeResult, error) {
	u := fmt.Sprintf("%s/downloads/range/%s/%s", c.apiBase, r.String(), url.PathEscape(pkg))

	body, err := c.getWithRateLimitRetry(ctx, "downloads", u)
	if err != nil {
		return nil, err
	}

	var result RangeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode downloads response for %s: %w", pkg, err)
	}
	return &result, nil
}

// PackageCreated returns the registry creation time of a package.
func (c *Client) PackageCreated(ctx context.Context, pkg string) (time.Time, error) {
	u := fmt.Sprintf("%s/%s", c.registryBase, url.PathEscape(pkg))

	body, err := c.getWithRateLimitRetry(ctx, "registry", u)
	if err != nil {
		return time.Time{}, err
	}

	var doc registryPackument
	if err := json.Unmarshal(body, &doc); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode packument for %s: %w", pkg, err)
	}

	created, ok := doc.Time["created"]
	if !ok {
		return time.Time{}, fmt.Errorf("packument for %s has no creation time", pkg)
	}
	t, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid creation time %q for %s: %w", created, pkg, err)
	}
	return t, nil
}

// ListOrgPackages lists the packages published under an npm organization.
// The registry returns a map of package name to access level; only the
// names matter here.
func (c *Client) ListOrgPackages(ctx context.Context, org string) ([]string, error) {
	u := fmt.Sprintf("%s/-/org/%s/package", c.registryBase, url.PathEscape(org))

	body, err := c.getWithRateLimitRetry(ctx, "registry", u)
	if err != nil {
		return nil, err
	}

	var listing map[string]string
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("failed to decode org listing for %s: %w", org, err)
	}

	names := make([]string, 0, len(listing))
	for name := range listing {
		names = append(names, name)
	}
	return names, nil
}

// getWithRateLimitRetry performs a GET, retrying indefinitely on 429 with
// the fixed delay. 404 maps to ErrNotFound.
func (c *Client) getWithRateLimitRetry(ctx context.Context, endpoint, u string) ([]byte, error) {
	for {
		body, status, err := c.get(ctx, endpoint, u)
		if err != nil {
			return nil, err
		}

		switch {
		case status == http.StatusOK:
			// The downloads API occasionally returns 200 with an error
			// body instead of a 404.
			var errBody struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &errBody) == nil && errBody.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, errBody.Error)
			}
			return body, nil

		case status == http.StatusNotFound:
			return nil, ErrNotFound

		case status == http.StatusTooManyRequests:
			c.warnRateLimitedOnce(endpoint)
			if c.metrics != nil {
				c.metrics.UpstreamRateLimitedTotal.WithLabelValues("npm", endpoint).Inc()
			}
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		default:
			return nil, fmt.Errorf("npm %s API returned status %d for %s", endpoint, status, u)
		}
	}
}

func (c *Client) get(ctx context.Context, endpoint, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamRequestsTotal.WithLabelValues("npm", endpoint, "error").Inc()
		}
		return nil, 0, fmt.Errorf("npm %s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.UpstreamRequestsTotal.WithLabelValues("npm", endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		c.metrics.UpstreamRequestDuration.WithLabelValues("npm", endpoint).Observe(time.Since(start).Seconds())
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read npm response: %w", err)
	}
	return body, resp.StatusCode, nil
}
