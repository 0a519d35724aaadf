package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/pkgpulse/pkg/observability"
	"github.com/platinummonkey/pkgpulse/pkg/stats"
)

const (
	rollupCacheTTL     = time.Minute
	rollupLocalTTL     = 15 * time.Second
	rollupLocalEntries = 4096
	rollupKeyNamespace = "pkgpulse"
)

// RollupCache is a read-through cache over a stats.Store for the hot
// rollup rows (packages, libraries, org, repos). Reads go through a small
// in-process LRU and then Redis before hitting the backing store; writes
// go to the store first and then invalidate both layers. Chunk operations
// pass straight through, the chunk table is itself the cache.
//
// Both cache layers are best-effort: a Redis outage degrades to direct
// store reads, it never fails a request.
type RollupCache struct {
	store  stats.Store
	redis  *redis.Client
	local  *lru.LRU[string, []byte]
	ttl    time.Duration
	logger *observability.Logger
}

// NewRollupCache wraps a store with the Redis and in-process cache layers.
func NewRollupCache(store stats.Store, client *redis.Client, logger *observability.Logger) *RollupCache {
	return &RollupCache{
		store:  store,
		redis:  client,
		local:  lru.NewLRU[string, []byte](rollupLocalEntries, nil, rollupLocalTTL),
		ttl:    rollupCacheTTL,
		logger: logger.WithComponent("rollupcache"),
	}
}

func (c *RollupCache) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", rollupKeyNamespace, kind, id)
}

// Ping checks both the underlying store and Redis. Unlike the cache
// paths, a Redis failure here is reported: the health endpoint should
// show a degraded cache even though reads still work.
func (c *RollupCache) Ping(ctx context.Context) error {
	if p, ok := c.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return c.redis.Ping(ctx).Err()
}

// getCached loads a cached value into dest, checking the local layer
// before Redis. Returns false on any miss or decode failure.
func (c *RollupCache) getCached(ctx context.Context, key string, dest interface{}) bool {
	if data, ok := c.local.Get(key); ok {
		if json.Unmarshal(data, dest) == nil {
			return true
		}
	}

	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).Debugf("redis read failed for %s", key)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false
	}
	c.local.Add(key, data)
	return true
}

func (c *RollupCache) setCached(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.local.Add(key, data)
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Debugf("redis write failed for %s", key)
	}
}

func (c *RollupCache) invalidate(ctx context.Context, key string) {
	c.local.Remove(key)
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		c.logger.WithError(err).Debugf("redis delete failed for %s", key)
	}
}

// GetPackage returns a package row, served from cache when possible.
func (c *RollupCache) GetPackage(ctx context.Context, name string) (*stats.Package, error) {
	key := c.key("pkg", name)
	var cached stats.Package
	if c.getCached(ctx, key, &cached) {
		return &cached, nil
	}

	pkg, err := c.store.GetPackage(ctx, name)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, key, pkg)
	return pkg, nil
}

// UpsertPackage writes through to the store and invalidates the cache.
func (c *RollupCache) UpsertPackage(ctx context.Context, pkg *stats.Package) error {
	if err := c.store.UpsertPackage(ctx, pkg); err != nil {
		return err
	}
	c.invalidate(ctx, c.key("pkg", pkg.Name))
	return nil
}

// ListPackages passes through to the store. List results are not cached;
// they feed the batch refresher, not the request path.
func (c *RollupCache) ListPackages(ctx context.Context) ([]*stats.Package, error) {
	return c.store.ListPackages(ctx)
}

// ListLibraryPackages passes through to the store.
func (c *RollupCache) ListLibraryPackages(ctx context.Context, library string) ([]*stats.Package, error) {
	return c.store.ListLibraryPackages(ctx, library)
}

// GetChunk passes through to the store.
func (c *RollupCache) GetChunk(ctx context.Context, pkg string, from, to time.Time, binSize int) (*stats.DownloadChunk, error) {
	return c.store.GetChunk(ctx, pkg, from, to, binSize)
}

// UpsertChunk passes through to the store.
func (c *RollupCache) UpsertChunk(ctx context.Context, chunk *stats.DownloadChunk) error {
	return c.store.UpsertChunk(ctx, chunk)
}

// GetLibraryStats returns a library rollup, served from cache when possible.
func (c *RollupCache) GetLibraryStats(ctx context.Context, library string) (*stats.LibraryStats, error) {
	key := c.key("lib", library)
	var cached stats.LibraryStats
	if c.getCached(ctx, key, &cached) {
		return &cached, nil
	}

	ls, err := c.store.GetLibraryStats(ctx, library)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, key, ls)
	return ls, nil
}

// UpsertLibraryStats writes through to the store and invalidates the cache.
func (c *RollupCache) UpsertLibraryStats(ctx context.Context, ls *stats.LibraryStats) error {
	if err := c.store.UpsertLibraryStats(ctx, ls); err != nil {
		return err
	}
	c.invalidate(ctx, c.key("lib", ls.Library))
	return nil
}

// GetOrgStats returns the org rollup, served from cache when possible.
func (c *RollupCache) GetOrgStats(ctx context.Context, org string) (*stats.OrgStats, error) {
	key := c.key("org", org)
	var cached stats.OrgStats
	if c.getCached(ctx, key, &cached) {
		return &cached, nil
	}

	os, err := c.store.GetOrgStats(ctx, org)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, key, os)
	return os, nil
}

// UpsertOrgStats writes through to the store and invalidates the cache.
func (c *RollupCache) UpsertOrgStats(ctx context.Context, os *stats.OrgStats) error {
	if err := c.store.UpsertOrgStats(ctx, os); err != nil {
		return err
	}
	c.invalidate(ctx, c.key("org", os.Org))
	return nil
}

// GetRepoStats returns a repo stats row, served from cache when possible.
func (c *RollupCache) GetRepoStats(ctx context.Context, key string) (*stats.RepoStats, error) {
	cacheKey := c.key("repo", key)
	var cached stats.RepoStats
	if c.getCached(ctx, cacheKey, &cached) {
		return &cached, nil
	}

	rs, err := c.store.GetRepoStats(ctx, key)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, cacheKey, rs)
	return rs, nil
}

// UpsertRepoStats writes through to the store and invalidates the cache.
func (c *RollupCache) UpsertRepoStats(ctx context.Context, rs *stats.RepoStats) error {
	if err := c.store.UpsertRepoStats(ctx, rs); err != nil {
		return err
	}
	c.invalidate(ctx, c.key("repo", rs.Key))
	return nil
}
