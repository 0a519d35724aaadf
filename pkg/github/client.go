// Package github fetches repository metrics: star and fork counts from the
// REST API, contributor and dependent counts by scraping the repository
// pages, which have no structured API.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/pkgpulse/pkg/observability"
)

const (
	// DefaultAPIBase is the GitHub REST API.
	DefaultAPIBase = "https://api.github.com"
	// DefaultWebBase is the HTML site used for scraping.
	DefaultWebBase = "https://github.com"

	// scrapeAttempts bounds the scrape retry loop: the HTML endpoints
	// shed load unpredictably, so each figure gets up to 3 tries with
	// exponential waits in between.
	scrapeAttempts = 3
)

// ErrMissingToken reports that no API token is configured. This is fatal
// at the operation boundary and is never retried.
var ErrMissingToken = errors.New("github: API token not configured")

// ErrNotFound reports that the repository does not exist or is not visible.
var ErrNotFound = errors.New("github: repository not found")

var (
	contributorsRe = regexp.MustCompile(`([\d,]+)\s*\+?\s*[Cc]ontributors`)
	dependentsRe   = regexp.MustCompile(`([\d,]+)\s+[Rr]epositories`)
)

// Metrics is one snapshot of repository figures.
type Metrics struct {
	Stars        int `json:"stars"`
	Forks        int `json:"forks"`
	Contributors int `json:"contributors"`
	Dependents   int `json:"dependents"`
}

// Client fetches repository metrics.
type Client struct {
	httpClient *http.Client
	apiBase    string
	webBase    string
	token      string
	logger     *observability.Logger
	backoff    time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithAPIBase overrides the REST API base URL.
func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = base }
}

// WithWebBase overrides the scrape base URL.
func WithWebBase(base string) Option {
	return func(c *Client) { c.webBase = base }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithScrapeBackoff overrides the initial scrape retry interval.
func WithScrapeBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// NewClient creates a GitHub client. The token is required for REST calls.
func NewClient(token string, logger *observability.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		apiBase: DefaultAPIBase,
		webBase: DefaultWebBase,
		token:   token,
		logger:  logger.WithComponent("github"),
		backoff: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchRepo returns the full metrics snapshot for one repository given as
// "owner/name". Scrape failures for contributors or dependents degrade to
// zero for that figure rather than failing the snapshot.
func (c *Client) FetchRepo(ctx context.Context, fullName string) (*Metrics, error) {
	if c.token == "" {
		return nil, ErrMissingToken
	}

	stars, forks, err := c.fetchRepoAPI(ctx, fullName)
	if err != nil {
		return nil, err
	}

	m := &Metrics{Stars: stars, Forks: forks}

	contributors, err := c.scrapeCount(ctx, fmt.Sprintf("%s/%s", c.webBase, fullName), contributorsRe)
	if err != nil {
		c.logger.WithError(err).Warnf("could not scrape contributor count for %s", fullName)
	} else {
		m.Contributors = contributors
	}

	dependents, err := c.scrapeCount(ctx, fmt.Sprintf("%s/%s/network/dependents", c.webBase, fullName), dependentsRe)
	if err != nil {
		c.logger.WithError(err).Warnf("could not scrape dependent count for %s", fullName)
	} else {
		m.Dependents = dependents
	}

	return m, nil
}

// fetchRepoAPI reads star and fork counts from the REST API.
func (c *Client) fetchRepoAPI(ctx context.Context, fullName string) (stars, forks int, err error) {
	u := fmt.Sprintf("%s/repos/%s", c.apiBase, fullName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("github repo request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, 0, ErrNotFound
	default:
		return 0, 0, fmt.Errorf("github API returned status %d for %s", resp.StatusCode, fullName)
	}

	var repo struct {
		StargazersCount int `json:"stargazers_count"`
		ForksCount      int `json:"forks_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&repo); err != nil {
		return 0, 0, fmt.Errorf("failed to decode repo response: %w", err)
	}
	return repo.StargazersCount, repo.ForksCount, nil
}

// scrapeCount fetches an HTML page and extracts a count with the given
// pattern, retrying with exponential backoff.
func (c *Client) scrapeCount(ctx context.Context, u string, re *regexp.Regexp) (int, error) {
	var count int

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, scrapeAttempts-1), ctx)

	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("scrape request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("scrape returned status %d for %s", resp.StatusCode, u)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read scrape response: %w", err)
		}

		match := re.FindSubmatch(body)
		if match == nil {
			return fmt.Errorf("count pattern not found at %s", u)
		}

		count, err = strconv.Atoi(strings.ReplaceAll(string(match[1]), ",", ""))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("unparseable count %q: %w", match[1], err))
		}
		return nil
	}, policy)

	if err != nil {
		return 0, err
	}
	return count, nil
}
