package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/pkgpulse/pkg/api"
	"github.com/platinummonkey/pkgpulse/pkg/batch"
	"github.com/platinummonkey/pkgpulse/pkg/config"
	"github.com/platinummonkey/pkgpulse/pkg/github"
	"github.com/platinummonkey/pkgpulse/pkg/httputil"
	"github.com/platinummonkey/pkgpulse/pkg/npm"
	"github.com/platinummonkey/pkgpulse/pkg/observability"
	"github.com/platinummonkey/pkgpulse/pkg/stats"
	"github.com/platinummonkey/pkgpulse/pkg/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	store, closeStore, err := storage.NewStore(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	npmClient := npm.NewClient(logger,
		npm.WithAPIBase(cfg.Upstream.NPMAPIBase),
		npm.WithRegistryBase(cfg.Upstream.NPMRegistryBase),
		npm.WithRetryDelay(cfg.Upstream.NPMRetryDelay),
		npm.WithMetrics(metrics),
	)
	ghClient := github.NewClient(cfg.Upstream.GitHubToken, logger)

	service := stats.NewService(store, npmClient, ghClient, cfg.Tracking.Org, logger, metrics)
	orchestrator := batch.NewOrchestrator(store, service, npmClient, stats.NewMatcher(cfg.Tracking.MatcherRules), logger, metrics)
	orchestrator.SetPacing(cfg.Refresh.Workers, cfg.Refresh.StartDelay)
	orchestrator.SetLegacyPackages(cfg.Tracking.LegacyPackages)

	var ping func(context.Context) error
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		ping = p.Ping
	}

	server := api.NewServer(service, orchestrator, logger, metrics, api.Options{
		AdminToken: cfg.Server.AdminToken,
		Repos:      cfg.Tracking.Repos,
		Registry:   registry,
		Ping:       ping,
	})

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthHandler(registry),
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.RegisterServer(apiServer)
	shutdown.RegisterServer(healthServer)
	shutdown.RegisterShutdownFunc(func(context.Context) error { return closeStore() })
	if providers != nil {
		shutdown.RegisterShutdownFunc(providers.Shutdown)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("pkgpulse API listening on %s, tracking org %s", apiServer.Addr, cfg.Tracking.Org)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Shut down on a signal, or when either server fails to serve.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Infof("received signal %s, starting graceful shutdown", sig)
		case <-gctx.Done():
		}

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return shutdown.Shutdown(sctx)
	})

	return g.Wait()
}

// healthHandler serves the probe endpoints on the dedicated health port.
func healthHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteSuccess(w, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", observability.Handler(registry))
	return mux
}
