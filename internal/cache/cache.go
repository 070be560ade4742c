// Package cache provides the layered cache used by read paths: a provider
// interface with in-memory LRU, Redis, and no-op implementations, plus an
// adaptive-TTL decorator that tunes expiry to per-key access frequency.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired. A miss
// is a normal outcome, reported via stats, never logged as a failure.
var ErrCacheMiss = errors.New("cache miss")

// Stats is a point-in-time counter snapshot for a provider.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Sets      uint64 `json:"sets"`
	Deletes   uint64 `json:"deletes"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
	Memory    int64  `json:"memory_bytes"`

	// Redis-only health details; zero-valued elsewhere.
	Latency     time.Duration `json:"latency,omitempty"`
	ServerMem   int64         `json:"server_memory_bytes,omitempty"`
	Connections int           `json:"connections,omitempty"`
	Version     string        `json:"version,omitempty"`
}

// Provider is the cache contract. Values are opaque byte slices; callers
// JSON-encode above this layer. A ttl of zero means the provider default.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	// InvalidatePattern removes every key matching a glob pattern and
	// returns how many were removed.
	InvalidatePattern(ctx context.Context, pattern string) (int, error)

	Ping(ctx context.Context) error
	GetStats(ctx context.Context) (Stats, error)
	Close() error
}
