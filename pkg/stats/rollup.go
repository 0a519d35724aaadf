package stats

import (
	"context"
	"errors"
	"fmt"
)

// applyLibraryDelta shifts a library rollup by the given delta. When no
// rollup row exists yet the library is bootstrapped with a full sum over
// its member packages; afterwards only deltas are applied.
func (s *Service) applyLibraryDelta(ctx context.Context, library string, delta int64) error {
	ls, err := s.store.GetLibraryStats(ctx, library)
	if errors.Is(err, ErrNotFound) {
		_, err = s.RebuildLibrary(ctx, library)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read library rollup %s: %w", library, err)
	}

	ls.PreviousDownloads = ls.Downloads
	ls.Downloads += delta
	ls.UpdatedAt = s.now()

	if err := s.store.UpsertLibraryStats(ctx, ls); err != nil {
		return fmt.Errorf("failed to write library rollup %s: %w", library, err)
	}
	return nil
}

// applyOrgDelta updates the org rollup entry for one package to its new
// total. The stored per-package snapshot is the baseline, so concurrent
// refreshes of different packages converge without locking.
func (s *Service) applyOrgDelta(ctx context.Context, name string, downloads int64) error {
	os, err := s.store.GetOrgStats(ctx, s.org)
	if errors.Is(err, ErrNotFound) {
		_, err = s.RebuildOrg(ctx)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read org rollup %s: %w", s.org, err)
	}

	if os.Packages == nil {
		os.Packages = make(map[string]PackageSnapshot)
	}
	snapshot := os.Packages[name]
	os.Downloads += downloads - snapshot.Downloads
	os.Packages[name] = PackageSnapshot{
		Downloads:         downloads,
		PreviousDownloads: snapshot.Downloads,
	}
	os.UpdatedAt = s.now()

	if err := s.store.UpsertOrgStats(ctx, os); err != nil {
		return fmt.Errorf("failed to write org rollup %s: %w", s.org, err)
	}
	return nil
}

// RebuildLibrary re-sums a library rollup from its member packages and
// overwrites the row. This is the drift-correction backstop for the delta
// path, run after every full batch refresh.
func (s *Service) RebuildLibrary(ctx context.Context, library string) (*LibraryStats, error) {
	pkgs, err := s.store.ListLibraryPackages(ctx, library)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages for library %s: %w", library, err)
	}

	var total int64
	for _, pkg := range pkgs {
		total += pkg.Downloads
	}

	ls := &LibraryStats{
		Library:      library,
		Downloads:    total,
		PackageCount: len(pkgs),
		UpdatedAt:    s.now(),
	}
	if existing, err := s.store.GetLibraryStats(ctx, library); err == nil {
		ls.PreviousDownloads = existing.Downloads
	} else {
		ls.PreviousDownloads = total
	}

	if err := s.store.UpsertLibraryStats(ctx, ls); err != nil {
		return nil, fmt.Errorf("failed to write library rollup %s: %w", library, err)
	}
	if s.metrics != nil {
		s.metrics.RollupRebuildsTotal.WithLabelValues("library").Inc()
	}
	return ls, nil
}

// RebuildOrg re-sums the org rollup from every in-scope package row and
// overwrites it.
func (s *Service) RebuildOrg(ctx context.Context) (*OrgStats, error) {
	pkgs, err := s.store.ListPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}

	existing, err := s.store.GetOrgStats(ctx, s.org)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read org rollup %s: %w", s.org, err)
	}

	now := s.now()
	expires := now.Add(PackageCacheTTL)
	os := &OrgStats{
		Org:       s.org,
		Packages:  make(map[string]PackageSnapshot),
		ExpiresAt: &expires,
		UpdatedAt: now,
	}

	for _, pkg := range pkgs {
		if !s.inOrg(pkg) {
			continue
		}
		snapshot := PackageSnapshot{Downloads: pkg.Downloads, PreviousDownloads: pkg.Downloads}
		if existing != nil {
			if prev, ok := existing.Packages[pkg.Name]; ok {
				snapshot.PreviousDownloads = prev.Downloads
			}
		}
		os.Packages[pkg.Name] = snapshot
		os.Downloads += pkg.Downloads
	}

	if err := s.store.UpsertOrgStats(ctx, os); err != nil {
		return nil, fmt.Errorf("failed to write org rollup %s: %w", s.org, err)
	}
	if s.metrics != nil {
		s.metrics.RollupRebuildsTotal.WithLabelValues("org").Inc()
	}
	return os, nil
}

// GetLibraryStats returns a library rollup, bootstrapping it from package
// rows when no rollup has been materialized yet.
func (s *Service) GetLibraryStats(ctx context.Context, library string) (*LibraryStats, error) {
	ls, err := s.store.GetLibraryStats(ctx, library)
	if errors.Is(err, ErrNotFound) {
		return s.RebuildLibrary(ctx, library)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read library rollup %s: %w", library, err)
	}
	return ls, nil
}

// GetOrgStats returns the org rollup, bootstrapping it when missing.
// Expired rollups are still served; freshness comes from the scheduled
// batch refresh, not the read path.
func (s *Service) GetOrgStats(ctx context.Context) (*OrgStats, error) {
	os, err := s.store.GetOrgStats(ctx, s.org)
	if errors.Is(err, ErrNotFound) {
		return s.RebuildOrg(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read org rollup %s: %w", s.org, err)
	}
	return os, nil
}
