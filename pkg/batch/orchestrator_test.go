package batch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pkgpulse/pkg/observability"
	"github.com/platinummonkey/pkgpulse/pkg/stats"
	"github.com/platinummonkey/pkgpulse/pkg/storage"
)

type fakeLister struct {
	names []string
	err   error
}

func (f *fakeLister) ListOrgPackages(_ context.Context, _ string) ([]string, error) {
	return f.names, f.err
}

// fakeEngine records refresh and rebuild calls and fails packages by name.
type fakeEngine struct {
	mu        sync.Mutex
	store     stats.Store
	refreshed []string
	rebuilt   []string
	orgBuilds int
	failing   map[string]error
}

func newFakeEngine(store stats.Store) *fakeEngine {
	return &fakeEngine{store: store, failing: make(map[string]error)}
}

func (f *fakeEngine) Org() string { return "acme" }

func (f *fakeEngine) RefreshPackage(ctx context.Context, name string) (*stats.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[name]; ok {
		return nil, err
	}
	f.refreshed = append(f.refreshed, name)

	pkg, err := f.store.GetPackage(ctx, name)
	if err != nil {
		return nil, err
	}
	pkg.Downloads += 100
	if err := f.store.UpsertPackage(ctx, pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

func (f *fakeEngine) RebuildLibrary(_ context.Context, library string) (*stats.LibraryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilt = append(f.rebuilt, library)
	return &stats.LibraryStats{Library: library}, nil
}

func (f *fakeEngine) RebuildOrg(_ context.Context) (*stats.OrgStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgBuilds++
	return &stats.OrgStats{Org: "acme"}, nil
}

func newTestOrchestrator(t *testing.T, lister Lister, ruleSpec string) (*Orchestrator, *storage.MemoryStore, *fakeEngine) {
	t.Helper()
	rules, err := stats.ParseRules(ruleSpec)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	engine := newFakeEngine(store)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	o := NewOrchestrator(store, engine, lister, stats.NewMatcher(rules), logger, nil)
	o.SetPacing(4, 0)
	return o, store, engine
}

func TestDiscoverRegistersAndAssigns(t *testing.T) {
	lister := &fakeLister{names: []string{"@acme/core", "@acme/ui-kit", "@acme/misc"}}
	o, store, _ := newTestOrchestrator(t, lister, "exact:@acme/core=core;prefix:@acme/ui-=ui")
	ctx := context.Background()

	added, err := o.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	core, err := store.GetPackage(ctx, "@acme/core")
	require.NoError(t, err)
	assert.Equal(t, "core", core.Library)

	misc, err := store.GetPackage(ctx, "@acme/misc")
	require.NoError(t, err)
	assert.Empty(t, misc.Library)

	// A second pass finds nothing new.
	added, err = o.Discover(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestDiscoverReassignsOnRuleChange(t *testing.T) {
	lister := &fakeLister{names: []string{"@acme/ui-kit"}}
	o, store, _ := newTestOrchestrator(t, lister, "prefix:@acme/ui-=ui")
	ctx := context.Background()

	require.NoError(t, store.UpsertPackage(ctx, &stats.Package{Name: "@acme/ui-kit", Library: "old", Downloads: 500}))

	_, err := o.Discover(ctx)
	require.NoError(t, err)

	pkg, err := store.GetPackage(ctx, "@acme/ui-kit")
	require.NoError(t, err)
	assert.Equal(t, "ui", pkg.Library)
	assert.Equal(t, int64(500), pkg.Downloads)
}

func TestRegisterLegacy(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, &fakeLister{}, "")
	ctx := context.Background()

	pkg, err := o.RegisterLegacy(ctx, "left-pad", "")
	require.NoError(t, err)
	assert.True(t, pkg.Legacy)

	// An explicit library assignment wins over the matcher rules.
	pkg, err = o.RegisterLegacy(ctx, "string-utils", "core")
	require.NoError(t, err)
	assert.True(t, pkg.Legacy)
	assert.Equal(t, "core", pkg.Library)

	// Registering an already-discovered package flips the flag in place.
	require.NoError(t, store.UpsertPackage(ctx, &stats.Package{Name: "request", Downloads: 900}))
	pkg, err = o.RegisterLegacy(ctx, "request", "")
	require.NoError(t, err)
	assert.True(t, pkg.Legacy)
	assert.Equal(t, int64(900), pkg.Downloads)
}

func TestDiscoverRegistersConfiguredLegacyPackages(t *testing.T) {
	lister := &fakeLister{names: []string{"@acme/core"}}
	o, store, _ := newTestOrchestrator(t, lister, "exact:left-pad=legacy-utils")
	o.SetLegacyPackages([]string{"left-pad"})
	ctx := context.Background()

	added, err := o.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	pkg, err := store.GetPackage(ctx, "left-pad")
	require.NoError(t, err)
	assert.True(t, pkg.Legacy)
	assert.Equal(t, "legacy-utils", pkg.Library)

	// A second discovery pass adds nothing.
	added, err = o.Discover(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	lister := &fakeLister{names: []string{"@acme/core", "@acme/broken", "@acme/ui-kit"}}
	o, _, engine := newTestOrchestrator(t, lister, "exact:@acme/core=core;prefix:@acme/ui-=ui")
	engine.failing["@acme/broken"] = errors.New("upstream exploded")

	result, err := o.RefreshAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Discovered)
	assert.Equal(t, 2, result.Refreshed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Libraries)
	assert.ElementsMatch(t, []string{"core", "ui"}, engine.rebuilt)
	assert.Equal(t, 1, engine.orgBuilds)
}

func TestRefreshAllDegradesWhenDiscoveryFails(t *testing.T) {
	lister := &fakeLister{err: errors.New("npm down")}
	o, store, engine := newTestOrchestrator(t, lister, "")
	ctx := context.Background()

	require.NoError(t, store.UpsertPackage(ctx, &stats.Package{Name: "@acme/core"}))

	result, err := o.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Discovered)
	assert.Equal(t, 1, result.Refreshed)
	assert.Equal(t, []string{"@acme/core"}, engine.refreshed)
}

func TestRefreshAllPacesStarts(t *testing.T) {
	lister := &fakeLister{names: []string{"@acme/a", "@acme/b", "@acme/c"}}
	o, _, _ := newTestOrchestrator(t, lister, "")
	o.SetPacing(8, 20*time.Millisecond)

	started := time.Now()
	_, err := o.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 40*time.Millisecond)
}
