package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pkgpulse/pkg/batch"
	"github.com/platinummonkey/pkgpulse/pkg/chunker"
	"github.com/platinummonkey/pkgpulse/pkg/github"
	"github.com/platinummonkey/pkgpulse/pkg/npm"
	"github.com/platinummonkey/pkgpulse/pkg/observability"
	"github.com/platinummonkey/pkgpulse/pkg/stats"
	"github.com/platinummonkey/pkgpulse/pkg/storage"
)

const testPerDay = 10

// fakeNPM serves the downloads API, the registry packument endpoint, and
// the org package listing for a fixed set of packages.
func fakeNPM(t *testing.T, created time.Time, packages ...string) *httptest.Server {
	t.Helper()
	known := make(map[string]bool, len(packages))
	for _, pkg := range packages {
		known[pkg] = true
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		switch {
		case strings.HasPrefix(path, "/downloads/range/"):
			rest := strings.TrimPrefix(path, "/downloads/range/")
			rangeStr, pkg, ok := strings.Cut(rest, "/")
			if !ok || !known[pkg] {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{"error": "package not found"})
				return
			}

			from, err := time.Parse("2006-01-02", rangeStr[:10])
			require.NoError(t, err)
			to, err := time.Parse("2006-01-02", rangeStr[11:])
			require.NoError(t, err)

			var points []npm.Point
			for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
				points = append(points, npm.Point{Day: day.Format("2006-01-02"), Downloads: testPerDay})
			}
			json.NewEncoder(w).Encode(npm.RangeResult{
				Start: rangeStr[:10], End: rangeStr[11:], Package: pkg, Downloads: points,
			})

		case strings.HasPrefix(path, "/-/org/"):
			listing := make(map[string]string, len(known))
			for pkg := range known {
				listing[pkg] = "write"
			}
			json.NewEncoder(w).Encode(listing)

		default:
			pkg := strings.TrimPrefix(path, "/")
			if !known[pkg] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"name": pkg,
				"time": map[string]string{"created": created.Format(time.RFC3339)},
			})
		}
	}))
}

// fakeGitHub serves the REST repo endpoint and the two scraped pages for
// acme/widgets.
func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/widgets":
			json.NewEncoder(w).Encode(map[string]int{"stargazers_count": 120, "forks_count": 30})
		case "/acme/widgets":
			io.WriteString(w, `<span>14 contributors</span>`)
		case "/acme/widgets/network/dependents":
			io.WriteString(w, `<a>2,000 Repositories</a>`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

type testEnv struct {
	server  *Server
	handler http.Handler
	store   *storage.MemoryStore
	created time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	created := chunker.Day(time.Now().UTC().AddDate(0, 0, -30))
	npmSrv := fakeNPM(t, created, "@acme/core", "@acme/ui-kit")
	t.Cleanup(npmSrv.Close)
	ghSrv := fakeGitHub(t)
	t.Cleanup(ghSrv.Close)

	npmClient := npm.NewClient(logger,
		npm.WithAPIBase(npmSrv.URL),
		npm.WithRegistryBase(npmSrv.URL),
		npm.WithRetryDelay(10*time.Millisecond),
	)
	ghClient := github.NewClient("test-token", logger,
		github.WithAPIBase(ghSrv.URL),
		github.WithWebBase(ghSrv.URL),
		github.WithScrapeBackoff(time.Millisecond),
	)

	store := storage.NewMemoryStore()
	service := stats.NewService(store, npmClient, ghClient, "acme", logger, nil)

	rules, err := stats.ParseRules("exact:@acme/core=core;prefix:@acme/ui-=ui")
	require.NoError(t, err)
	orchestrator := batch.NewOrchestrator(store, service, npmClient, stats.NewMatcher(rules), logger, nil)
	orchestrator.SetPacing(4, 0)

	srv := NewServer(service, orchestrator, logger, nil, Options{
		AdminToken: "secret",
		Repos:      []string{"acme/widgets"},
		Registry:   prometheus.NewRegistry(),
	})

	return &testEnv{server: srv, handler: srv.Handler(), store: store, created: created}
}

// expectedDownloads is the fake's deterministic total: every day from the
// creation date through today inclusive at the fixed per-day count.
func (e *testEnv) expectedDownloads() int64 {
	today := chunker.Day(time.Now().UTC())
	days := int64(today.Sub(e.created)/(24*time.Hour)) + 1
	return days * testPerDay
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}
