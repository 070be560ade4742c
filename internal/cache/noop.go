package cache

import (
	"context"
	"time"
)

// Noop is the disabled-cache provider: every Get misses, every write
// succeeds and stores nothing. Used when cache.enabled is false so callers
// never branch on a nil provider.
type Noop struct{}

// NewNoop returns the no-op provider.
func NewNoop() *Noop { return &Noop{} }

func (*Noop) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }
func (*Noop) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (*Noop) Delete(context.Context, string) error        { return nil }
func (*Noop) DeleteMany(context.Context, []string) error  { return nil }
func (*Noop) Clear(context.Context) error                 { return nil }
func (*Noop) GetMany(context.Context, []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}
func (*Noop) SetMany(context.Context, map[string][]byte, time.Duration) error { return nil }
func (*Noop) InvalidatePattern(context.Context, string) (int, error)          { return 0, nil }
func (*Noop) Ping(context.Context) error                                      { return nil }
func (*Noop) GetStats(context.Context) (Stats, error)                         { return Stats{}, nil }
func (*Noop) Close() error                                                    { return nil }
