package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AccessCategory classifies a key's recent traffic.
type AccessCategory string

const (
	AccessHot    AccessCategory = "hot"
	AccessCold   AccessCategory = "cold"
	AccessNormal AccessCategory = "normal"
)

// AccessStats is the per-key view returned by GetAccessStats.
type AccessStats struct {
	Key      string
	Count    int
	Category AccessCategory
	// EffectiveTTL is the TTL the next Set of this key will use.
	EffectiveTTL time.Duration
}

// AdaptiveOptions tunes the adaptive-TTL decorator.
type AdaptiveOptions struct {
	// BaseTTL is the TTL applied to normal keys and the reference for
	// doubling/halving. Zero means 60s.
	BaseTTL time.Duration
	// Window is the sliding window over which accesses are counted. Zero
	// means 5m.
	Window time.Duration
	// HotThreshold is the access count within the window at or above which
	// a key is hot. Zero means 10.
	HotThreshold int
	// ColdThreshold is the count at or below which a key is cold. Defaults
	// to 1.
	ColdThreshold int
	// MinTTL is the floor below which halving never goes. Zero means 1m;
	// negative disables the floor.
	MinTTL time.Duration
}

type accessRecord struct {
	count       int
	windowStart time.Time
}

// Adaptive wraps any provider and tracks per-key access frequency in a
// sliding window: hot keys double the base TTL, cold keys halve it, with a
// one-minute floor.
type Adaptive struct {
	Provider
	opts AdaptiveOptions
	log  *zap.Logger

	mu     sync.Mutex
	access map[string]*accessRecord
	now    func() time.Time
}

// NewAdaptive wraps inner with adaptive TTLs.
func NewAdaptive(inner Provider, opts AdaptiveOptions, log *zap.Logger) *Adaptive {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BaseTTL <= 0 {
		opts.BaseTTL = 60 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.HotThreshold <= 0 {
		opts.HotThreshold = 10
	}
	if opts.ColdThreshold <= 0 {
		opts.ColdThreshold = 1
	}
	if opts.MinTTL == 0 {
		opts.MinTTL = time.Minute
	}
	return &Adaptive{
		Provider: inner,
		opts:     opts,
		log:      log,
		access:   make(map[string]*accessRecord),
		now:      time.Now,
	}
}

// Get records the access and delegates.
func (a *Adaptive) Get(ctx context.Context, key string) ([]byte, error) {
	a.recordAccess(key)
	return a.Provider.Get(ctx, key)
}

// Set stores with the key's adapted TTL when the caller passes ttl == 0;
// an explicit ttl wins.
func (a *Adaptive) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = a.effectiveTTL(key)
	}
	return a.Provider.Set(ctx, key, value, ttl)
}

// GetAccessStats returns the key's current classification without counting
// as an access.
func (a *Adaptive) GetAccessStats(key string) AccessStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := a.windowCountLocked(key)
	cat := a.classify(count)
	return AccessStats{
		Key:          key,
		Count:        count,
		Category:     cat,
		EffectiveTTL: a.ttlFor(cat),
	}
}

func (a *Adaptive) recordAccess(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	rec := a.access[key]
	if rec == nil || now.Sub(rec.windowStart) > a.opts.Window {
		rec = &accessRecord{windowStart: now}
		a.access[key] = rec
	}
	rec.count++
}

// windowCountLocked returns the access count, treating an elapsed window as
// zero (the record is reset lazily on the next access).
func (a *Adaptive) windowCountLocked(key string) int {
	rec := a.access[key]
	if rec == nil || a.now().Sub(rec.windowStart) > a.opts.Window {
		return 0
	}
	return rec.count
}

func (a *Adaptive) classify(count int) AccessCategory {
	switch {
	case count >= a.opts.HotThreshold:
		return AccessHot
	case count <= a.opts.ColdThreshold:
		return AccessCold
	default:
		return AccessNormal
	}
}

func (a *Adaptive) ttlFor(cat AccessCategory) time.Duration {
	switch cat {
	case AccessHot:
		return a.opts.BaseTTL * 2
	case AccessCold:
		half := a.opts.BaseTTL / 2
		if a.opts.MinTTL > 0 && half < a.opts.MinTTL {
			half = a.opts.MinTTL
		}
		if half > a.opts.BaseTTL {
			return a.opts.BaseTTL
		}
		return half
	default:
		return a.opts.BaseTTL
	}
}

func (a *Adaptive) effectiveTTL(key string) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ttlFor(a.classify(a.windowCountLocked(key)))
}
