package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/pkgpulse/pkg/async"
	"github.com/platinummonkey/pkgpulse/pkg/observability"
	"github.com/platinummonkey/pkgpulse/pkg/stats"
)

const (
	// DefaultWorkers bounds concurrent package refreshes.
	DefaultWorkers = 8

	// DefaultStartDelay paces refresh starts so a full batch does not
	// burst the npm API.
	DefaultStartDelay = 500 * time.Millisecond

	// DefaultPackageTimeout caps one package's refresh. First-time
	// refreshes walk a decade of history, so this is generous.
	DefaultPackageTimeout = 10 * time.Minute
)

// Lister enumerates the packages published under an npm organization.
type Lister interface {
	ListOrgPackages(ctx context.Context, org string) ([]string, error)
}

// Engine is the refresh surface the orchestrator drives.
type Engine interface {
	Org() string
	RefreshPackage(ctx context.Context, name string) (*stats.Package, error)
	RebuildLibrary(ctx context.Context, library string) (*stats.LibraryStats, error)
	RebuildOrg(ctx context.Context) (*stats.OrgStats, error)
}

// Result summarizes one batch run.
type Result struct {
	Discovered int           `json:"discovered"`
	Refreshed  int           `json:"refreshed"`
	Failed     int           `json:"failed"`
	Libraries  int           `json:"libraries"`
	Duration   time.Duration `json:"duration"`
}

// Orchestrator runs the scheduled full refresh: discover the org's
// packages, refresh each one with bounded concurrency, then rebuild every
// rollup from scratch to squeeze out any drift the delta path accumulated.
type Orchestrator struct {
	store   stats.Store
	engine  Engine
	lister  Lister
	matcher *stats.Matcher

	legacy []string

	workers    int
	startDelay time.Duration
	timeout    time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewOrchestrator creates a batch orchestrator with the default pacing.
func NewOrchestrator(store stats.Store, engine Engine, lister Lister, matcher *stats.Matcher, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		store:      store,
		engine:     engine,
		lister:     lister,
		matcher:    matcher,
		workers:    DefaultWorkers,
		startDelay: DefaultStartDelay,
		timeout:    DefaultPackageTimeout,
		logger:     logger.WithComponent("batch"),
		metrics:    metrics,
	}
}

// SetPacing overrides worker count and inter-start delay. A non-positive
// worker count or negative delay keeps the current setting; a zero delay
// disables pacing.
func (o *Orchestrator) SetPacing(workers int, startDelay time.Duration) {
	if workers > 0 {
		o.workers = workers
	}
	if startDelay >= 0 {
		o.startDelay = startDelay
	}
}

// SetLegacyPackages configures package names outside the org scope that
// discovery registers alongside the org listing.
func (o *Orchestrator) SetLegacyPackages(names []string) {
	o.legacy = names
}

// Discover reconciles the tracked package set against the union of the
// npm org listing and the configured legacy names: new packages get rows
// with a library assignment from the matcher, existing rows get their
// assignment refreshed. Rows the listing no longer contains stay tracked;
// unpublished packages keep their history.
func (o *Orchestrator) Discover(ctx context.Context) (int, error) {
	names, err := o.lister.ListOrgPackages(ctx, o.engine.Org())
	if err != nil {
		return 0, fmt.Errorf("failed to list org packages: %w", err)
	}
	sort.Strings(names)

	added := 0
	for _, name := range names {
		library, _ := o.matcher.Library(name)

		existing, err := o.store.GetPackage(ctx, name)
		if errors.Is(err, stats.ErrNotFound) {
			pkg := &stats.Package{Name: name, Library: library, UpdatedAt: time.Now().UTC()}
			if err := o.store.UpsertPackage(ctx, pkg); err != nil {
				return added, fmt.Errorf("failed to register package %s: %w", name, err)
			}
			o.logger.WithField("package", name).WithField("library", library).Info("discovered package")
			added++
			continue
		}
		if err != nil {
			return added, fmt.Errorf("failed to read package %s: %w", name, err)
		}

		if existing.Library != library {
			existing.Library = library
			existing.UpdatedAt = time.Now().UTC()
			if err := o.store.UpsertPackage(ctx, existing); err != nil {
				return added, fmt.Errorf("failed to reassign package %s: %w", name, err)
			}
		}
	}

	for _, name := range o.legacy {
		_, err := o.store.GetPackage(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, stats.ErrNotFound) {
			return added, fmt.Errorf("failed to read package %s: %w", name, err)
		}
		if _, err := o.RegisterLegacy(ctx, name, ""); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// RegisterLegacy adds an explicitly tracked package outside the org scope.
// Its downloads count toward the org rollup despite the name not carrying
// the org prefix. An empty library falls back to the matcher rules.
func (o *Orchestrator) RegisterLegacy(ctx context.Context, name, library string) (*stats.Package, error) {
	existing, err := o.store.GetPackage(ctx, name)
	if err == nil {
		changed := false
		if !existing.Legacy {
			existing.Legacy = true
			changed = true
		}
		if library != "" && existing.Library != library {
			existing.Library = library
			changed = true
		}
		if changed {
			existing.UpdatedAt = time.Now().UTC()
			if err := o.store.UpsertPackage(ctx, existing); err != nil {
				return nil, fmt.Errorf("failed to mark package %s legacy: %w", name, err)
			}
		}
		return existing, nil
	}
	if !errors.Is(err, stats.ErrNotFound) {
		return nil, fmt.Errorf("failed to read package %s: %w", name, err)
	}

	if library == "" {
		library, _ = o.matcher.Library(name)
	}
	pkg := &stats.Package{Name: name, Library: library, Legacy: true, UpdatedAt: time.Now().UTC()}
	if err := o.store.UpsertPackage(ctx, pkg); err != nil {
		return nil, fmt.Errorf("failed to register package %s: %w", name, err)
	}
	return pkg, nil
}

// RefreshAll runs one full batch: discovery, a paced concurrent refresh of
// every tracked package, then a closing rebuild of all rollups. One
// package failing never stops the batch.
func (o *Orchestrator) RefreshAll(ctx context.Context) (*Result, error) {
	started := time.Now()
	result := &Result{}

	discovered, err := o.Discover(ctx)
	if err != nil {
		// A failed listing degrades to refreshing the known set.
		o.logger.WithError(err).Warn("package discovery failed, refreshing known packages only")
	}
	result.Discovered = discovered

	pkgs, err := o.store.ListPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked packages: %w", err)
	}

	names := make([]string, 0, len(pkgs))
	for _, pkg := range pkgs {
		names = append(names, pkg.Name)
	}

	errs := async.Batch(ctx, names, o.workers, o.startDelay, "package-refresh", o.timeout, o.logger, func(ctx context.Context, name string) error {
		if _, err := o.engine.RefreshPackage(ctx, name); err != nil {
			o.countPackage("error")
			return fmt.Errorf("refresh %s: %w", name, err)
		}
		o.countPackage("ok")
		return nil
	})
	for _, err := range errs {
		o.logger.WithError(err).Error("package refresh failed")
	}
	result.Failed = len(errs)
	result.Refreshed = len(names) - len(errs)

	result.Libraries = o.rebuildRollups(ctx, pkgs)
	result.Duration = time.Since(started)

	if o.metrics != nil {
		o.metrics.RefreshDuration.WithLabelValues("batch").Observe(result.Duration.Seconds())
	}
	o.logger.WithFields(map[string]interface{}{
		"discovered": result.Discovered,
		"refreshed":  result.Refreshed,
		"failed":     result.Failed,
		"libraries":  result.Libraries,
		"duration":   result.Duration.String(),
	}).Info("batch refresh complete")
	return result, nil
}

// RebuildRollups re-sums every library and the org rollup from package
// rows. Run on its own schedule as the drift backstop for the delta path.
func (o *Orchestrator) RebuildRollups(ctx context.Context) (int, error) {
	pkgs, err := o.store.ListPackages(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tracked packages: %w", err)
	}
	return o.rebuildRollups(ctx, pkgs), nil
}

func (o *Orchestrator) rebuildRollups(ctx context.Context, pkgs []*stats.Package) int {
	libraries := make(map[string]struct{})
	for _, pkg := range pkgs {
		if pkg.Library != "" {
			libraries[pkg.Library] = struct{}{}
		}
	}

	rebuilt := 0
	for library := range libraries {
		if _, err := o.engine.RebuildLibrary(ctx, library); err != nil {
			o.logger.WithError(err).Errorf("failed to rebuild library %s", library)
			continue
		}
		rebuilt++
	}

	if _, err := o.engine.RebuildOrg(ctx); err != nil {
		o.logger.WithError(err).Error("failed to rebuild org rollup")
	}

	if o.metrics != nil {
		o.metrics.PackagesTracked.Set(float64(len(pkgs)))
		o.metrics.LibrariesTracked.Set(float64(len(libraries)))
	}
	return rebuilt
}

func (o *Orchestrator) countPackage(result string) {
	if o.metrics != nil {
		o.metrics.BatchPackagesTotal.WithLabelValues(result).Inc()
	}
}
