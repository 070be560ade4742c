package cache

import (
	"context"
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// MemoryOptions bounds the in-memory provider.
type MemoryOptions struct {
	// MaxEntries caps the number of live entries. Zero means 10000.
	MaxEntries int
	// MaxMemory caps the sum of value sizes in bytes. Zero means unlimited.
	MaxMemory int64
	// DefaultTTL applies when Set is called with ttl == 0. Zero means 5m.
	DefaultTTL time.Duration
	// CleanupInterval is the period of the background sweep that evicts
	// expired entries. Zero means 1m.
	CleanupInterval time.Duration
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is the in-memory LRU provider. Recency and entry-count bounds come
// from the LRU core; the memory bound and TTL expiry are enforced on top.
type Memory struct {
	opts MemoryOptions
	log  *zap.Logger

	mu     sync.Mutex
	lru    *lru.Cache[string, *memoryEntry]
	memory int64
	stats  Stats
	now    func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewMemory returns a started in-memory provider. Close stops the sweeper.
func NewMemory(opts MemoryOptions, log *zap.Logger) (*Memory, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}

	m := &Memory{
		opts: opts,
		log:  log,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	core, err := lru.NewWithEvict[string, *memoryEntry](opts.MaxEntries, m.onEvict)
	if err != nil {
		return nil, err
	}
	m.lru = core
	go m.sweep()
	return m, nil
}

// onEvict runs under m.mu (all LRU mutations happen with the lock held).
// It only maintains the memory accounting; eviction counters are bumped at
// the call sites that can tell an eviction from an explicit delete.
func (m *Memory) onEvict(_ string, e *memoryEntry) {
	m.memory -= int64(len(e.value))
}

func (m *Memory) sweep() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Memory) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, key := range m.lru.Keys() {
		if e, ok := m.lru.Peek(key); ok && now.After(e.expiresAt) {
			m.lru.Remove(key)
			m.stats.Evictions++
		}
	}
}

// Get returns the cached value or ErrCacheMiss.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Get(key)
	if !ok || m.now().After(e.expiresAt) {
		if ok {
			m.lru.Remove(key)
		}
		m.stats.Misses++
		return nil, ErrCacheMiss
	}
	m.stats.Hits++
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value under key for ttl (0 = default), evicting oldest entries
// while the memory bound is exceeded.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.lru.Peek(key); ok {
		m.memory -= int64(len(prev.value))
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	if m.lru.Add(key, &memoryEntry{value: stored, expiresAt: m.now().Add(ttl)}) {
		m.stats.Evictions++
	}
	m.memory += int64(len(stored))
	m.stats.Sets++

	if m.opts.MaxMemory > 0 {
		for m.memory > m.opts.MaxMemory && m.lru.Len() > 0 {
			m.lru.RemoveOldest()
			m.stats.Evictions++
		}
	}
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lru.Remove(key) {
		m.stats.Deletes++
	}
	return nil
}

// DeleteMany removes every key in keys.
func (m *Memory) DeleteMany(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := m.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every entry.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
	m.memory = 0
	return nil
}

// GetMany returns the subset of keys that hit.
func (m *Memory) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := m.Get(ctx, k)
		if err == nil {
			out[k] = v
		}
	}
	return out, nil
}

// SetMany stores every entry with the same ttl.
func (m *Memory) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	for k, v := range entries {
		if err := m.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

// InvalidatePattern removes keys matching a path.Match-style glob.
func (m *Memory) InvalidatePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, key := range m.lru.Keys() {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return removed, err
		}
		if ok && m.lru.Remove(key) {
			removed++
			m.stats.Deletes++
		}
	}
	return removed, nil
}

// Ping always succeeds for the in-memory provider.
func (m *Memory) Ping(context.Context) error { return nil }

// GetStats returns a counter snapshot.
func (m *Memory) GetStats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Entries = m.lru.Len()
	s.Memory = m.memory
	return s, nil
}

// Close stops the background sweeper.
func (m *Memory) Close() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
		<-m.done
	}
	return nil
}
