package stats

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/platinummonkey/pkgpulse/pkg/chunker"
	"github.com/platinummonkey/pkgpulse/pkg/github"
	"github.com/platinummonkey/pkgpulse/pkg/npm"
	"github.com/platinummonkey/pkgpulse/pkg/observability"
)

// fakeStore is a minimal in-memory Store for exercising the engine with an
// injected clock.
type fakeStore struct {
	mu        sync.Mutex
	packages  map[string]Package
	chunks    map[string]DownloadChunk
	libraries map[string]LibraryStats
	orgs      map[string]OrgStats
	repos     map[string]RepoStats

	failUpserts bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		packages:  make(map[string]Package),
		chunks:    make(map[string]DownloadChunk),
		libraries: make(map[string]LibraryStats),
		orgs:      make(map[string]OrgStats),
		repos:     make(map[string]RepoStats),
	}
}

func fakeChunkKey(pkg string, from, to time.Time, binSize int) string {
	return fmt.Sprintf("%s|%s|%s|%d", pkg, from.Format("2006-01-02"), to.Format("2006-01-02"), binSize)
}

func (f *fakeStore) GetPackage(_ context.Context, name string) (*Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg, ok := f.packages[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := pkg
	return &cp, nil
}

func (f *fakeStore) UpsertPackage(_ context.Context, pkg *Package) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpserts {
		return fmt.Errorf("store down")
	}
	f.packages[pkg.Name] = *pkg
	return nil
}

func (f *fakeStore) ListPackages(_ context.Context) ([]*Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Package
	for _, pkg := range f.packages {
		cp := pkg
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) ListLibraryPackages(_ context.Context, library string) ([]*Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Package
	for _, pkg := range f.packages {
		if pkg.Library == library {
			cp := pkg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetChunk(_ context.Context, pkg string, from, to time.Time, binSize int) (*DownloadChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chunk, ok := f.chunks[fakeChunkKey(pkg, from, to, binSize)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := chunk
	return &cp, nil
}

func (f *fakeStore) UpsertChunk(_ context.Context, chunk *DownloadChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpserts {
		return fmt.Errorf("store down")
	}
	f.chunks[fakeChunkKey(chunk.Package, chunk.From, chunk.To, chunk.BinSize)] = *chunk
	return nil
}

func (f *fakeStore) GetLibraryStats(_ context.Context, library string) (*LibraryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls, ok := f.libraries[library]
	if !ok {
		return nil, ErrNotFound
	}
	cp := ls
	return &cp, nil
}

func (f *fakeStore) UpsertLibraryStats(_ context.Context, ls *LibraryStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.libraries[ls.Library] = *ls
	return nil
}

func (f *fakeStore) GetOrgStats(_ context.Context, org string) (*OrgStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	os, ok := f.orgs[org]
	if !ok {
		return nil, ErrNotFound
	}
	cp := os
	cp.Packages = make(map[string]PackageSnapshot, len(os.Packages))
	for k, v := range os.Packages {
		cp.Packages[k] = v
	}
	return &cp, nil
}

func (f *fakeStore) UpsertOrgStats(_ context.Context, os *OrgStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *os
	cp.Packages = make(map[string]PackageSnapshot, len(os.Packages))
	for k, v := range os.Packages {
		cp.Packages[k] = v
	}
	f.orgs[os.Org] = cp
	return nil
}

func (f *fakeStore) GetRepoStats(_ context.Context, key string) (*RepoStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.repos[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := rs
	return &cp, nil
}

func (f *fakeStore) UpsertRepoStats(_ context.Context, rs *RepoStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[rs.Key] = *rs
	return nil
}

// fakeFetcher serves scripted download histories. Daily counts come from
// perDay: every day in a requested range contributes that many downloads,
// so expected totals are range length times perDay.
type fakeFetcher struct {
	mu      sync.Mutex
	perDay  map[string]int64
	created map[string]time.Time

	rangeCalls   int
	createdCalls int

	rangeErr   error
	createdErr error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		perDay:  make(map[string]int64),
		created: make(map[string]time.Time),
	}
}

func (f *fakeFetcher) FetchRange(_ context.Context, pkg string, r chunker.Range) (*npm.RangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls++
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	perDay, ok := f.perDay[pkg]
	if !ok {
		return nil, npm.ErrNotFound
	}

	result := &npm.RangeResult{Package: pkg}
	for day := r.From; !day.After(r.To); day = day.AddDate(0, 0, 1) {
		result.Downloads = append(result.Downloads, npm.Point{
			Day:       day.Format("2006-01-02"),
			Downloads: perDay,
		})
	}
	return result, nil
}

func (f *fakeFetcher) PackageCreated(_ context.Context, pkg string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCalls++
	if f.createdErr != nil {
		return time.Time{}, f.createdErr
	}
	created, ok := f.created[pkg]
	if !ok {
		return time.Time{}, npm.ErrNotFound
	}
	return created, nil
}

type fakeRepoFetcher struct {
	mu      sync.Mutex
	metrics map[string]*github.Metrics
	err     error
	calls   int
}

func newFakeRepoFetcher() *fakeRepoFetcher {
	return &fakeRepoFetcher{metrics: make(map[string]*github.Metrics)}
}

func (f *fakeRepoFetcher) FetchRepo(_ context.Context, fullName string) (*github.Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.metrics[fullName]
	if !ok {
		return nil, github.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

// newTestService wires a Service over the fakes with a controllable clock.
func newTestService(store *fakeStore, fetcher *fakeFetcher, repos *fakeRepoFetcher, at time.Time) (*Service, *time.Time) {
	current := at
	svc := NewService(store, fetcher, repos, "acme", testLogger(), nil)
	svc.now = func() time.Time { return current }
	svc.chunks.now = svc.now
	return svc, &current
}
