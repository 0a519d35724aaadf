package stats

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when no row exists for a key.
var ErrNotFound = errors.New("stats: not found")

// Store is the persistence boundary of the engine: per-key reads, upserts,
// and simple list queries. No joins are required; every implementation is
// a plain row store.
type Store interface {
	GetPackage(ctx context.Context, name string) (*Package, error)
	UpsertPackage(ctx context.Context, pkg *Package) error
	ListPackages(ctx context.Context) ([]*Package, error)
	ListLibraryPackages(ctx context.Context, library string) ([]*Package, error)

	GetChunk(ctx context.Context, pkg string, from, to time.Time, binSize int) (*DownloadChunk, error)
	UpsertChunk(ctx context.Context, chunk *DownloadChunk) error

	GetLibraryStats(ctx context.Context, library string) (*LibraryStats, error)
	UpsertLibraryStats(ctx context.Context, ls *LibraryStats) error

	GetOrgStats(ctx context.Context, org string) (*OrgStats, error)
	UpsertOrgStats(ctx context.Context, os *OrgStats) error

	GetRepoStats(ctx context.Context, key string) (*RepoStats, error)
	UpsertRepoStats(ctx context.Context, rs *RepoStats) error
}
