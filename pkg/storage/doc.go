// Package storage provides the stats.Store implementations: PostgreSQL
// for production, an in-memory store for tests and local development, and
// a Redis-backed read-through cache that can wrap either.
package storage
