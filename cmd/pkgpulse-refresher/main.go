package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/pkgpulse/pkg/batch"
	"github.com/platinummonkey/pkgpulse/pkg/config"
	"github.com/platinummonkey/pkgpulse/pkg/github"
	"github.com/platinummonkey/pkgpulse/pkg/npm"
	"github.com/platinummonkey/pkgpulse/pkg/observability"
	"github.com/platinummonkey/pkgpulse/pkg/stats"
	"github.com/platinummonkey/pkgpulse/pkg/storage"
)

var (
	refreshSchedule = flag.String("refresh-schedule", "0 */6 * * *", "Cron schedule for full batch refreshes (default: every 6 hours)")
	rebuildSchedule = flag.String("rebuild-schedule", "30 2 * * *", "Cron schedule for rollup rebuilds (default: 02:30 UTC)")
	repoSchedule    = flag.String("repo-schedule", "15 */6 * * *", "Cron schedule for GitHub repo aggregates (default: every 6 hours)")
	runOnce         = flag.Bool("run-once", false, "Run one batch refresh and exit (for testing or backfilling)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithComponent("refresher")

	store, closeStore, err := storage.NewStore(cfg.Storage, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize storage")
		os.Exit(1)
	}
	defer closeStore()

	npmClient := npm.NewClient(logger,
		npm.WithAPIBase(cfg.Upstream.NPMAPIBase),
		npm.WithRegistryBase(cfg.Upstream.NPMRegistryBase),
		npm.WithRetryDelay(cfg.Upstream.NPMRetryDelay),
	)
	ghClient := github.NewClient(cfg.Upstream.GitHubToken, logger)

	service := stats.NewService(store, npmClient, ghClient, cfg.Tracking.Org, logger, nil)
	orchestrator := batch.NewOrchestrator(store, service, npmClient, stats.NewMatcher(cfg.Tracking.MatcherRules), logger, nil)
	orchestrator.SetPacing(cfg.Refresh.Workers, cfg.Refresh.StartDelay)
	orchestrator.SetLegacyPackages(cfg.Tracking.LegacyPackages)

	// Run once mode (for testing or backfilling)
	if *runOnce {
		if err := runRefresh(orchestrator, service, cfg.Tracking.Repos, logger); err != nil {
			logger.WithError(err).Error("batch refresh failed")
			os.Exit(1)
		}
		return
	}

	// Scheduled mode
	c := cron.New()

	if _, err := c.AddFunc(*refreshSchedule, func() {
		if err := runRefresh(orchestrator, service, cfg.Tracking.Repos, logger); err != nil {
			logger.WithError(err).Error("scheduled batch refresh failed")
		}
	}); err != nil {
		logger.WithError(err).Error("failed to schedule batch refresh")
		os.Exit(1)
	}

	// The rebuild runs on its own schedule: the delta path is fast but can
	// drift, and the rebuild is the backstop that corrects it.
	if _, err := c.AddFunc(*rebuildSchedule, func() {
		rebuilt, err := orchestrator.RebuildRollups(context.Background())
		if err != nil {
			logger.WithError(err).Error("scheduled rollup rebuild failed")
			return
		}
		logger.Infof("rollup rebuild complete, %d libraries", rebuilt)
	}); err != nil {
		logger.WithError(err).Error("failed to schedule rollup rebuild")
		os.Exit(1)
	}

	if len(cfg.Tracking.Repos) > 0 {
		if _, err := c.AddFunc(*repoSchedule, func() {
			if _, err := service.RefreshOrgRepos(context.Background(), cfg.Tracking.Repos); err != nil {
				logger.WithError(err).Error("scheduled repo aggregate refresh failed")
			}
		}); err != nil {
			logger.WithError(err).Error("failed to schedule repo aggregate refresh")
			os.Exit(1)
		}
	}

	c.Start()
	logger.Infof("pkgpulse refresher started for org %s", cfg.Tracking.Org)
	logger.Infof("refresh schedule: %s, rebuild schedule: %s", *refreshSchedule, *rebuildSchedule)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down, waiting for running jobs")
	<-c.Stop().Done()
	logger.Info("refresher stopped")
}

func runRefresh(orchestrator *batch.Orchestrator, service *stats.Service, repos []string, logger *observability.Logger) error {
	ctx := context.Background()

	result, err := orchestrator.RefreshAll(ctx)
	if err != nil {
		return err
	}
	logger.Infof("batch refresh complete: %d refreshed, %d failed in %s",
		result.Refreshed, result.Failed, result.Duration)

	if len(repos) > 0 {
		if _, err := service.RefreshOrgRepos(ctx, repos); err != nil {
			logger.WithError(err).Warn("repo aggregate refresh failed")
		}
	}
	return nil
}
