package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/pkgpulse/pkg/github"
)

// RepoFetcher pulls repository metrics from GitHub.
type RepoFetcher interface {
	FetchRepo(ctx context.Context, fullName string) (*github.Metrics, error)
}

// OrgRepoKey is the RepoStats key for the aggregate across an org's
// configured repositories.
func OrgRepoKey(org string) string {
	return "org:" + org
}

// GetRepoStats returns cached metrics for one repository ("owner/name"),
// refetching the snapshot when the cache has expired. Unlike download
// rollups there is no incremental path: each refresh replaces the whole
// snapshot and shifts the old one into Previous.
func (s *Service) GetRepoStats(ctx context.Context, fullName string) (*RepoStats, error) {
	cached, err := s.store.GetRepoStats(ctx, fullName)
	if err == nil && cached.ExpiresAt != nil && cached.ExpiresAt.After(s.now()) {
		return cached, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read repo stats %s: %w", fullName, err)
	}

	metrics, fetchErr := s.repos.FetchRepo(ctx, fullName)
	if fetchErr != nil {
		if cached != nil {
			s.logger.WithError(fetchErr).Warnf("serving stale repo stats for %s", fullName)
			return cached, nil
		}
		return nil, fetchErr
	}

	return s.writeRepoStats(ctx, fullName, RepoSnapshot{
		Stars:        metrics.Stars,
		Forks:        metrics.Forks,
		Contributors: metrics.Contributors,
		Dependents:   metrics.Dependents,
	}, cached)
}

// RefreshOrgRepos recomputes the aggregate snapshot across the configured
// repository list. A repository that cannot be fetched contributes zero
// rather than failing the aggregate.
func (s *Service) RefreshOrgRepos(ctx context.Context, repos []string) (*RepoStats, error) {
	var snapshot RepoSnapshot
	snapshot.Repositories = len(repos)

	for _, fullName := range repos {
		metrics, err := s.repos.FetchRepo(ctx, fullName)
		if err != nil {
			s.logger.WithError(err).Warnf("skipping repo %s in org aggregate", fullName)
			continue
		}
		snapshot.Stars += metrics.Stars
		snapshot.Forks += metrics.Forks
		snapshot.Contributors += metrics.Contributors
		snapshot.Dependents += metrics.Dependents
	}

	key := OrgRepoKey(s.org)
	cached, err := s.store.GetRepoStats(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read repo stats %s: %w", key, err)
	}
	return s.writeRepoStats(ctx, key, snapshot, cached)
}

// GetOrgRepoStats returns the org repo aggregate, refreshing on expiry and
// falling back to the stale value when GitHub is unreachable.
func (s *Service) GetOrgRepoStats(ctx context.Context, repos []string) (*RepoStats, error) {
	cached, err := s.store.GetRepoStats(ctx, OrgRepoKey(s.org))
	if err == nil && cached.ExpiresAt != nil && cached.ExpiresAt.After(s.now()) {
		return cached, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read repo stats %s: %w", OrgRepoKey(s.org), err)
	}

	refreshed, refreshErr := s.RefreshOrgRepos(ctx, repos)
	if refreshErr != nil {
		if cached != nil {
			s.logger.WithError(refreshErr).Warnf("serving stale org repo stats for %s", s.org)
			return cached, nil
		}
		return nil, refreshErr
	}
	return refreshed, nil
}

// writeRepoStats shifts previous := current and persists the new snapshot.
func (s *Service) writeRepoStats(ctx context.Context, key string, snapshot RepoSnapshot, cached *RepoStats) (*RepoStats, error) {
	now := s.now()
	expires := now.Add(RepoCacheTTL)

	rs := &RepoStats{
		Key:       key,
		Current:   snapshot,
		Previous:  snapshot,
		ExpiresAt: &expires,
		UpdatedAt: now,
	}
	if cached != nil {
		rs.Previous = cached.Current
	}

	if err := s.store.UpsertRepoStats(ctx, rs); err != nil {
		// Best-effort write: the fresh snapshot still goes back to the caller.
		s.logger.WithError(err).Errorf("failed to persist repo stats %s", key)
	}
	return rs, nil
}
