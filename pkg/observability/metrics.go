package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Upstream metrics
	UpstreamRequestsTotal    *prometheus.CounterVec
	UpstreamRequestDuration  *prometheus.HistogramVec
	UpstreamRateLimitedTotal *prometheus.CounterVec

	// Chunk cache metrics
	ChunkCacheHitsTotal   *prometheus.CounterVec
	ChunkCacheMissesTotal *prometheus.CounterVec
	ChunkWritesTotal      *prometheus.CounterVec

	// Refresh metrics
	RefreshDuration     *prometheus.HistogramVec
	BatchPackagesTotal  *prometheus.CounterVec
	RollupRebuildsTotal *prometheus.CounterVec

	// Business metrics
	PackagesTracked  prometheus.Gauge
	LibrariesTracked prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgpulse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pkgpulse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgpulse_upstream_requests_total",
				Help: "Total number of upstream API requests",
			},
			[]string{"upstream", "endpoint", "status"},
		),
		UpstreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pkgpulse_upstream_request_duration_seconds",
				Help:    "Upstream API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"upstream", "endpoint"},
		),
		UpstreamRateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgpulse_upstream_rate_limited_total",
				Help: "Total number of upstream rate-limit responses",
			},
			[]string{"upstream", "endpoint"},
		),
		ChunkCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgpulse_chunk_cache_hits_total",
				Help: "Total number of download chunk cache hits",
			},
			[]string{"kind"},
		),
		ChunkCacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgpulse_chunk_cache_misses_total",
				Help: "Total number of download chunk cache misses",
			},
			[]string{"reason"},
		),
		ChunkWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgpulse_chunk_writes_total",
				Help: "Total number of download chunk cache writes",
			},
			[]string{"kind", "result"},
		),
		RefreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pkgpulse_refresh_duration_seconds",
				Help:    "Duration of package stats refreshes in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"trigger"},
		),
		BatchPackagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgpulse_batch_packages_total",
				Help: "Packages processed by batch refreshes, by outcome",
			},
			[]string{"result"},
		),
		RollupRebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgpulse_rollup_rebuilds_total",
				Help: "Full rollup rebuilds, by tier",
			},
			[]string{"tier"},
		),
		PackagesTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pkgpulse_packages_tracked",
				Help: "Number of packages currently tracked",
			},
		),
		LibrariesTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pkgpulse_libraries_tracked",
				Help: "Number of libraries currently tracked",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.UpstreamRateLimitedTotal,
		m.ChunkCacheHitsTotal,
		m.ChunkCacheMissesTotal,
		m.ChunkWritesTotal,
		m.RefreshDuration,
		m.BatchPackagesTotal,
		m.RollupRebuildsTotal,
		m.PackagesTracked,
		m.LibrariesTracked,
	)

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint backed by the
// given registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
