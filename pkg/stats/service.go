package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/pkgpulse/pkg/chunker"
	"github.com/platinummonkey/pkgpulse/pkg/npm"
	"github.com/platinummonkey/pkgpulse/pkg/observability"
)

// Fetcher pulls download counts and package metadata from npm.
type Fetcher interface {
	FetchRange(ctx context.Context, pkg string, r chunker.Range) (*npm.RangeResult, error)
	PackageCreated(ctx context.Context, pkg string) (time.Time, error)
}

// Service is the statistics engine. It owns the refresh flow for package
// rollups and the incremental library/org aggregates derived from them.
type Service struct {
	store   Store
	fetcher Fetcher
	repos   RepoFetcher
	chunks  *ChunkCache
	org     string
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates the statistics engine for one tracked organization.
func NewService(store Store, fetcher Fetcher, repos RepoFetcher, org string, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		fetcher: fetcher,
		repos:   repos,
		chunks:  NewChunkCache(store, logger, metrics),
		org:     org,
		logger:  logger.WithComponent("stats"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Org returns the tracked organization name.
func (s *Service) Org() string {
	return s.org
}

// GetPackageStats returns the package rollup, refreshing it when the cache
// has expired. When the refresh fails and a stale rollup exists, the stale
// value is returned instead of the error: reads degrade, they don't fail.
func (s *Service) GetPackageStats(ctx context.Context, name string) (*Package, error) {
	pkg, err := s.store.GetPackage(ctx, name)
	if err == nil && pkg.ExpiresAt != nil && pkg.ExpiresAt.After(s.now()) {
		return pkg, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read package %s: %w", name, err)
	}

	refreshed, refreshErr := s.RefreshPackage(ctx, name)
	if refreshErr != nil {
		if pkg != nil {
			s.logger.WithError(refreshErr).Warnf("serving stale stats for %s", name)
			return pkg, nil
		}
		return nil, refreshErr
	}
	return refreshed, nil
}

// RefreshPackage walks the package's full history chunk by chunk, fetching
// whatever the chunk cache cannot serve, then updates the package rollup
// and propagates the download delta to the library and org aggregates.
// Chunks are processed in chronological order so a mid-package failure
// leaves a correctly cached prefix behind.
func (s *Service) RefreshPackage(ctx context.Context, name string) (*Package, error) {
	started := s.now()

	pkg, err := s.store.GetPackage(ctx, name)
	if errors.Is(err, ErrNotFound) {
		pkg = &Package{Name: name}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read package %s: %w", name, err)
	}

	created := s.resolveCreated(ctx, pkg)
	today := chunker.Day(s.now())

	var (
		total      int64
		lastPoints []DailyDownloads
	)
	for _, r := range chunker.Plan(created, today) {
		chunk := s.chunks.Get(ctx, name, r)
		if chunk == nil {
			points, err := s.fetchPoints(ctx, name, r)
			if err != nil {
				return nil, err
			}
			chunk = s.chunks.Put(ctx, name, r, points)
		}
		total += chunk.Downloads
		lastPoints = chunk.Points
	}

	previous := pkg.Downloads
	now := s.now()
	expires := now.Add(PackageCacheTTL)

	pkg.Downloads = total
	pkg.RatePerDay = deriveRate(lastPoints)
	pkg.ExpiresAt = &expires
	pkg.UpdatedAt = now

	// Rollup writes are best-effort: the fresh numbers are still returned
	// to the caller when persistence is down.
	if err := s.store.UpsertPackage(ctx, pkg); err != nil {
		s.logger.WithError(err).Errorf("failed to persist rollup for %s", name)
		return pkg, nil
	}

	if delta := total - previous; delta != 0 {
		s.propagateDelta(ctx, pkg, delta)
	}

	if s.metrics != nil {
		s.metrics.RefreshDuration.WithLabelValues("package").Observe(s.now().Sub(started).Seconds())
	}
	return pkg, nil
}

// resolveCreated determines where a package's history starts. The registry
// creation date is cached on the package row; when it cannot be fetched
// the fixed floor date is used instead.
func (s *Service) resolveCreated(ctx context.Context, pkg *Package) time.Time {
	if pkg.CreatedAt != nil {
		return *pkg.CreatedAt
	}

	now := s.now()
	pkg.CheckedAt = &now

	created, err := s.fetcher.PackageCreated(ctx, pkg.Name)
	if err != nil {
		if !errors.Is(err, npm.ErrNotFound) {
			s.logger.WithError(err).Warnf("could not resolve creation date for %s, using floor", pkg.Name)
		}
		return FloorDate
	}

	created = chunker.Day(created)
	if created.Before(FloorDate) {
		created = FloorDate
	}
	pkg.CreatedAt = &created
	return created
}

// fetchPoints pulls one chunk from npm. A not-found range counts as zero
// downloads; anything else aborts this package's refresh.
func (s *Service) fetchPoints(ctx context.Context, name string, r chunker.Range) ([]DailyDownloads, error) {
	result, err := s.fetcher.FetchRange(ctx, name, r)
	if errors.Is(err, npm.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch downloads for %s %s: %w", name, r, err)
	}

	points := make([]DailyDownloads, 0, len(result.Downloads))
	for _, p := range result.Downloads {
		points = append(points, DailyDownloads{Day: p.Day, Downloads: p.Downloads})
	}
	return points, nil
}

// propagateDelta applies a package's download delta to its library and,
// when the package is in the tracked org scope, to the org rollup. Both
// are additive updates; failures are logged and left for the periodic
// rebuild to correct.
func (s *Service) propagateDelta(ctx context.Context, pkg *Package, delta int64) {
	if pkg.Library != "" {
		if err := s.applyLibraryDelta(ctx, pkg.Library, delta); err != nil {
			s.logger.WithError(err).Errorf("failed to update library rollup %s", pkg.Library)
		}
	}
	if s.inOrg(pkg) {
		if err := s.applyOrgDelta(ctx, pkg.Name, pkg.Downloads); err != nil {
			s.logger.WithError(err).Errorf("failed to update org rollup %s", s.org)
		}
	}
}

// inOrg reports whether a package counts toward the org rollup: either it
// lives under the org scope or it was registered explicitly as legacy.
func (s *Service) inOrg(pkg *Package) bool {
	return pkg.Legacy || strings.HasPrefix(pkg.Name, "@"+s.org+"/")
}

// deriveRate computes the mean daily downloads over the trailing window of
// the most recent chunk. With fewer points than the window the rate is
// left unset rather than approximated.
func deriveRate(points []DailyDownloads) *float64 {
	if len(points) < rateWindowDays {
		return nil
	}

	var sum int64
	for _, p := range points[len(points)-rateWindowDays:] {
		sum += p.Downloads
	}
	rate := float64(sum) / float64(rateWindowDays)
	return &rate
}
