package storage

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/pkgpulse/pkg/observability"
	"github.com/platinummonkey/pkgpulse/pkg/stats"
)

// Config holds store and cache configuration.
type Config struct {
	// Type selects the backing store: "postgres" or "memory"
	Type string

	PostgresURL         string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration

	// Redis rollup cache; empty URL disables the cache layer
	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() Config {
	return Config{
		Type:                "postgres",
		PostgresMaxConns:    10,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 30 * time.Minute,
	}
}

// NewStore builds the configured store, layering the Redis rollup cache
// over it when a Redis URL is set. The returned close function releases
// every opened resource.
func NewStore(cfg Config, logger *observability.Logger) (stats.Store, func() error, error) {
	var (
		store   stats.Store
		closers []func() error
	)

	switch cfg.Type {
	case "memory":
		store = NewMemoryStore()
	case "postgres":
		pg, err := NewPostgresStore(PostgresConfig{
			URL:         cfg.PostgresURL,
			MaxConns:    cfg.PostgresMaxConns,
			MinConns:    cfg.PostgresMinConns,
			Timeout:     cfg.PostgresTimeout,
			MaxLifetime: cfg.PostgresMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		store = pg
		closers = append(closers, pg.Close)
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		if cfg.RedisDB != 0 {
			opts.DB = cfg.RedisDB
		}

		client := redis.NewClient(opts)
		closers = append(closers, client.Close)
		store = NewRollupCache(store, client, logger)
	}

	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return store, closeAll, nil
}
