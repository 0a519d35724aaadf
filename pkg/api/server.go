package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/pkgpulse/pkg/batch"
	"github.com/platinummonkey/pkgpulse/pkg/observability"
	"github.com/platinummonkey/pkgpulse/pkg/stats"
)

// Server represents our API server
type Server struct {
	service      *stats.Service
	orchestrator *batch.Orchestrator
	router       *mux.Router
	registry     *prometheus.Registry
	logger       *observability.Logger
	metrics      *observability.Metrics

	adminToken string
	repos      []string
	ping       func(context.Context) error
	startedAt  time.Time
}

// Options carries the optional server dependencies.
type Options struct {
	// AdminToken protects the admin endpoints; empty disables them
	AdminToken string

	// Repos is the GitHub repository list behind the org repo aggregate
	Repos []string

	// Registry serves /metrics when set
	Registry *prometheus.Registry

	// Ping checks storage connectivity for the health endpoint
	Ping func(context.Context) error
}

// NewServer creates a new API server
func NewServer(service *stats.Service, orchestrator *batch.Orchestrator, logger *observability.Logger, metrics *observability.Metrics, opts Options) *Server {
	s := &Server{
		service:      service,
		orchestrator: orchestrator,
		router:       mux.NewRouter(),
		registry:     opts.Registry,
		logger:       logger.WithComponent("api"),
		metrics:      metrics,
		adminToken:   opts.AdminToken,
		repos:        opts.Repos,
		ping:         opts.Ping,
		startedAt:    time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	// Inside the router so the matched route template is available for
	// metric labels.
	s.router.Use(s.metricsMiddleware)

	// Download stats routes. Scoped package names contain a slash, so the
	// name pattern has to span path segments.
	s.router.HandleFunc("/api/v1/packages/{name:.+}/stats", s.getPackageStats).Methods("GET")
	s.router.HandleFunc("/api/v1/libraries/{id}/stats", s.getLibraryStats).Methods("GET")
	s.router.HandleFunc("/api/v1/orgs/{org}/stats", s.getOrgStats).Methods("GET")

	// Repository stats routes
	s.router.HandleFunc("/api/v1/repos/{owner}/{repo}/stats", s.getRepoStats).Methods("GET")
	s.router.HandleFunc("/api/v1/orgs/{org}/repos/stats", s.getOrgRepoStats).Methods("GET")

	// Admin routes
	admin := s.router.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/orgs/{org}/refresh", s.triggerRefresh).Methods("POST")
	admin.HandleFunc("/packages", s.registerLegacyPackage).Methods("POST")

	// Health and metrics
	s.router.HandleFunc("/healthz", s.healthz).Methods("GET")
	if s.registry != nil {
		s.router.Handle("/metrics", observability.Handler(s.registry)).Methods("GET")
	}
}

// Handler returns the server's handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = s.loggingMiddleware(h)
	h = s.requestIDMiddleware(h)
	h = s.recoveryMiddleware(h)
	return h
}

// Router exposes the raw router for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}
