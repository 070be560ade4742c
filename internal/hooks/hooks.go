// Package hooks dispatches entity lifecycle events to registered callbacks:
// priority-ordered sync execution, concurrent async fan-out, per-hook
// timeouts, and component-composition targeting. Hook failures are recorded
// in metrics and never propagate to the emitter.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/types"
)

// Handler is one hook callback.
type Handler func(ctx context.Context, ev types.Event) error

// Options tunes one registration.
type Options struct {
	// Priority orders sync hooks, higher first. Default 0.
	Priority int
	// Async hooks run concurrently after all sync hooks finished.
	Async bool
	// Timeout bounds one invocation; zero means no limit.
	Timeout time.Duration
	// Name labels the hook in logs.
	Name string
	// Filter, when set, must return true for the hook to run.
	Filter func(ev types.Event) bool
	// Target restricts the hook to entities of a matching composition.
	Target *types.ComponentTarget
}

// TypeResolver resolves component names and archetype compositions; the
// metadata registry implements it.
type TypeResolver interface {
	TypeIDByName(name string) (string, bool)
	ArchetypeComposition(name string) ([]string, bool)
}

// HookID identifies a registration for removal.
type HookID string

type hook struct {
	id   HookID
	kind types.EventKind
	fn   Handler
	opts Options
}

func (h *hook) name() string {
	if h.opts.Name != "" {
		return h.opts.Name
	}
	return string(h.id)
}

// Dispatcher routes events to hooks. Registration and dispatch may
// interleave; dispatch snapshots the hook list so a concurrent Register or
// Remove never affects an in-flight batch.
type Dispatcher struct {
	resolver TypeResolver
	log      *zap.Logger
	baseCtx  context.Context

	mu    sync.RWMutex
	hooks map[types.EventKind][]*hook
	seq   int

	metrics *metricsTable
}

// New returns a dispatcher. ctx bounds every hook execution; nil means
// context.Background().
func New(ctx context.Context, resolver TypeResolver, log *zap.Logger) *Dispatcher {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		resolver: resolver,
		log:      log,
		baseCtx:  ctx,
		hooks:    make(map[types.EventKind][]*hook),
		metrics:  newMetricsTable(),
	}
}

// Register adds a hook for one event kind and returns its id.
func (d *Dispatcher) Register(kind types.EventKind, fn Handler, opts Options) HookID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	h := &hook{
		id:   HookID(fmt.Sprintf("%s#%d", kind, d.seq)),
		kind: kind,
		fn:   fn,
		opts: opts,
	}
	d.hooks[kind] = append(d.hooks[kind], h)
	d.log.Debug("hook registered",
		zap.String("id", string(h.id)),
		zap.String("name", h.name()),
		zap.Int("priority", opts.Priority),
		zap.Bool("async", opts.Async))
	return h.id
}

// RegisterLifecycle registers the same callback under every event kind.
func (d *Dispatcher) RegisterLifecycle(fn Handler, opts Options) []HookID {
	ids := make([]HookID, 0, len(types.AllEventKinds))
	for _, kind := range types.AllEventKinds {
		ids = append(ids, d.Register(kind, fn, opts))
	}
	return ids
}

// Remove unregisters a hook. Returns false when the id is unknown.
func (d *Dispatcher) Remove(id HookID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for kind, list := range d.hooks {
		for i, h := range list {
			if h.id == id {
				d.hooks[kind] = append(list[:i:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Count returns the number of registered hooks for a kind.
func (d *Dispatcher) Count(kind types.EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.hooks[kind])
}

// snapshot copies the hook list for one kind under the read lock.
func (d *Dispatcher) snapshot(kind types.EventKind) []*hook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := d.hooks[kind]
	out := make([]*hook, len(list))
	copy(out, list)
	return out
}
