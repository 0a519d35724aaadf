package stats

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/pkgpulse/pkg/chunker"
	"github.com/platinummonkey/pkgpulse/pkg/observability"
)

// ChunkCache layers the caching policy over chunk rows: immutable chunks
// are served unconditionally, mutable chunks only until their TTL elapses.
// Whether a chunk is immutable is recomputed on every write, because a
// chunk that touched "today" yesterday may be fully historical now.
type ChunkCache struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewChunkCache creates a chunk cache over the given store.
func NewChunkCache(store Store, logger *observability.Logger, metrics *observability.Metrics) *ChunkCache {
	return &ChunkCache{
		store:   store,
		logger:  logger.WithComponent("chunkcache"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Get returns the cached chunk for the exact range, or nil when the caller
// must fetch: no row, an expired mutable row, or a read failure (reads are
// best-effort, a broken cache must not break the fetch path).
func (c *ChunkCache) Get(ctx context.Context, pkg string, r chunker.Range) *DownloadChunk {
	chunk, err := c.store.GetChunk(ctx, pkg, r.From, r.To, chunker.MaxSpanDays)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.WithError(err).Warnf("chunk read failed for %s %s", pkg, r)
		}
		c.miss("absent")
		return nil
	}

	if chunk.Immutable {
		c.hit("immutable")
		return chunk
	}

	if chunk.ExpiresAt != nil && chunk.ExpiresAt.After(c.now()) {
		c.hit("mutable")
		return chunk
	}

	c.miss("expired")
	return nil
}

// Put stores the fetch result for a range and returns the written chunk.
// The write is best-effort: persistence errors are logged and swallowed so
// caching never blocks the fetch-and-return path.
func (c *ChunkCache) Put(ctx context.Context, pkg string, r chunker.Range, points []DailyDownloads) *DownloadChunk {
	var total int64
	for _, p := range points {
		total += p.Downloads
	}

	now := c.now()
	chunk := &DownloadChunk{
		Package:   pkg,
		From:      r.From,
		To:        r.To,
		BinSize:   chunker.MaxSpanDays,
		Downloads: total,
		Points:    points,
		Immutable: r.To.Before(chunker.Day(now)),
	}
	if !chunk.Immutable {
		expires := now.Add(MutableChunkTTL)
		chunk.ExpiresAt = &expires
	}

	kind := "mutable"
	if chunk.Immutable {
		kind = "immutable"
	}

	if err := c.store.UpsertChunk(ctx, chunk); err != nil {
		c.logger.WithError(err).Warnf("chunk write failed for %s %s", pkg, r)
		if c.metrics != nil {
			c.metrics.ChunkWritesTotal.WithLabelValues(kind, "error").Inc()
		}
		return chunk
	}

	if c.metrics != nil {
		c.metrics.ChunkWritesTotal.WithLabelValues(kind, "ok").Inc()
	}
	return chunk
}

func (c *ChunkCache) hit(kind string) {
	if c.metrics != nil {
		c.metrics.ChunkCacheHitsTotal.WithLabelValues(kind).Inc()
	}
}

func (c *ChunkCache) miss(reason string) {
	if c.metrics != nil {
		c.metrics.ChunkCacheMissesTotal.WithLabelValues(reason).Inc()
	}
}
