package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/pkgpulse/pkg/stats"
)

// MemoryStore is an in-memory stats.Store. It backs tests and local
// development; production deployments use the Postgres store.
type MemoryStore struct {
	mu        sync.RWMutex
	packages  map[string]stats.Package
	chunks    map[string]stats.DownloadChunk
	libraries map[string]stats.LibraryStats
	orgs      map[string]stats.OrgStats
	repos     map[string]stats.RepoStats
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		packages:  make(map[string]stats.Package),
		chunks:    make(map[string]stats.DownloadChunk),
		libraries: make(map[string]stats.LibraryStats),
		orgs:      make(map[string]stats.OrgStats),
		repos:     make(map[string]stats.RepoStats),
	}
}

func chunkKey(pkg string, from, to time.Time, binSize int) string {
	return fmt.Sprintf("%s|%s|%s|%d", pkg, from.Format("2006-01-02"), to.Format("2006-01-02"), binSize)
}

// GetPackage returns a package row by name.
func (m *MemoryStore) GetPackage(_ context.Context, name string) (*stats.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pkg, ok := m.packages[name]
	if !ok {
		return nil, stats.ErrNotFound
	}
	cp := pkg
	return &cp, nil
}

// UpsertPackage writes a package row.
func (m *MemoryStore) UpsertPackage(_ context.Context, pkg *stats.Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packages[pkg.Name] = *pkg
	return nil
}

// ListPackages returns all package rows ordered by name.
func (m *MemoryStore) ListPackages(_ context.Context) ([]*stats.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*stats.Package, 0, len(m.packages))
	for _, pkg := range m.packages {
		cp := pkg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListLibraryPackages returns the packages assigned to a library.
func (m *MemoryStore) ListLibraryPackages(_ context.Context, library string) ([]*stats.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*stats.Package
	for _, pkg := range m.packages {
		if pkg.Library == library {
			cp := pkg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetChunk returns a chunk row by its full key.
func (m *MemoryStore) GetChunk(_ context.Context, pkg string, from, to time.Time, binSize int) (*stats.DownloadChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunk, ok := m.chunks[chunkKey(pkg, from, to, binSize)]
	if !ok {
		return nil, stats.ErrNotFound
	}
	cp := chunk
	cp.Points = append([]stats.DailyDownloads(nil), chunk.Points...)
	return &cp, nil
}

// UpsertChunk writes a chunk row, replacing any existing row for the key.
func (m *MemoryStore) UpsertChunk(_ context.Context, chunk *stats.DownloadChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *chunk
	cp.Points = append([]stats.DailyDownloads(nil), chunk.Points...)
	m.chunks[chunkKey(chunk.Package, chunk.From, chunk.To, chunk.BinSize)] = cp
	return nil
}

// GetLibraryStats returns a library rollup row.
func (m *MemoryStore) GetLibraryStats(_ context.Context, library string) (*stats.LibraryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.libraries[library]
	if !ok {
		return nil, stats.ErrNotFound
	}
	cp := ls
	return &cp, nil
}

// UpsertLibraryStats writes a library rollup row.
func (m *MemoryStore) UpsertLibraryStats(_ context.Context, ls *stats.LibraryStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.libraries[ls.Library] = *ls
	return nil
}

// GetOrgStats returns an org rollup row.
func (m *MemoryStore) GetOrgStats(_ context.Context, org string) (*stats.OrgStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	os, ok := m.orgs[org]
	if !ok {
		return nil, stats.ErrNotFound
	}
	cp := os
	cp.Packages = make(map[string]stats.PackageSnapshot, len(os.Packages))
	for k, v := range os.Packages {
		cp.Packages[k] = v
	}
	return &cp, nil
}

// UpsertOrgStats writes an org rollup row.
func (m *MemoryStore) UpsertOrgStats(_ context.Context, os *stats.OrgStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *os
	cp.Packages = make(map[string]stats.PackageSnapshot, len(os.Packages))
	for k, v := range os.Packages {
		cp.Packages[k] = v
	}
	m.orgs[os.Org] = cp
	return nil
}

// GetRepoStats returns a repo stats row.
func (m *MemoryStore) GetRepoStats(_ context.Context, key string) (*stats.RepoStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.repos[key]
	if !ok {
		return nil, stats.ErrNotFound
	}
	cp := rs
	return &cp, nil
}

// UpsertRepoStats writes a repo stats row.
func (m *MemoryStore) UpsertRepoStats(_ context.Context, rs *stats.RepoStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[rs.Key] = *rs
	return nil
}
