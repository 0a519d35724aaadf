package npm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/pkgpulse/pkg/chunker"
	"github.com/platinummonkey/pkgpulse/pkg/observability"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewClient(logger,
		WithAPIBase(server.URL),
		WithRegistryBase(server.URL),
		WithRetryDelay(5*time.Millisecond),
	)
}

func testRange() chunker.Range {
	return chunker.Range{
		From: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestFetchRange(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/downloads/range/2023-01-01:2023-06-30/@acme%2Fcore" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		w.Write([]byte(`{"start":"2023-01-01","end":"2023-06-30","package":"@acme/core",
			"downloads":[{"day":"2023-01-01","downloads":100},{"day":"2023-01-02","downloads":250}]}`))
	}))

	result, err := client.FetchRange(context.Background(), "@acme/core", testRange())
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}
	if len(result.Downloads) != 2 {
		t.Fatalf("expected 2 points, got %d", len(result.Downloads))
	}
	if result.Total() != 350 {
		t.Errorf("expected total 350, got %d", result.Total())
	}
}

func TestFetchRangeNotFound(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.FetchRange(context.Background(), "@acme/ghost", testRange())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchRangeErrorBody(t *testing.T) {
	// The downloads API sometimes reports missing packages with a 200 and
	// an error payload.
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"package @acme/ghost not found"}`))
	}))

	_, err := client.FetchRange(context.Background(), "@acme/ghost", testRange())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchRangeRetriesRateLimit(t *testing.T) {
	var calls int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"downloads":[{"day":"2023-01-01","downloads":42}]}`))
	}))

	result, err := client.FetchRange(context.Background(), "@acme/core", testRange())
	if err != nil {
		t.Fatalf("FetchRange failed after rate limiting: %v", err)
	}
	if result.Total() != 42 {
		t.Errorf("expected total 42, got %d", result.Total())
	}
	if calls != 4 {
		t.Errorf("expected 4 attempts, got %d", calls)
	}
}

func TestFetchRangeRateLimitHonorsContext(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.FetchRange(ctx, "@acme/core", testRange())
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestFetchRangeHardError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.FetchRange(context.Background(), "@acme/core", testRange())
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("500 must not map to ErrNotFound")
	}
}

func TestPackageCreated(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"@acme/core","time":{"created":"2019-03-04T12:00:00.000Z","modified":"2024-01-01T00:00:00.000Z"}}`))
	}))

	created, err := client.PackageCreated(context.Background(), "@acme/core")
	if err != nil {
		t.Fatalf("PackageCreated failed: %v", err)
	}
	want := time.Date(2019, 3, 4, 12, 0, 0, 0, time.UTC)
	if !created.Equal(want) {
		t.Errorf("expected %v, got %v", want, created)
	}
}

func TestListOrgPackages(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/-/org/acme/package" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"@acme/core":"write","@acme/ui-button":"write"}`))
	}))

	names, err := client.ListOrgPackages(context.Background(), "acme")
	if err != nil {
		t.Fatalf("ListOrgPackages failed: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("expected 2 packages, got %v", names)
	}
}

func TestRateLimitWarningDedupe(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	client.warnRateLimitedOnce("downloads")
	client.warnRateLimitedOnce("downloads")
	if !client.warned["downloads"] {
		t.Error("expected downloads endpoint to be marked warned")
	}

	client.ResetWarnings()
	if len(client.warned) != 0 {
		t.Error("expected warned set to be empty after reset")
	}
}
