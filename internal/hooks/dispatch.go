package hooks

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bunsdb/buns/internal/types"
)

// Emit dispatches a single event.
func (d *Dispatcher) Emit(ctx context.Context, ev types.Event) {
	d.dispatchKind(ctx, ev.Kind, []types.Event{ev})
}

// EmitBatch groups events by kind and dispatches each group. It implements
// the store's post-commit emitter contract, so it carries the dispatcher's
// base context.
func (d *Dispatcher) EmitBatch(events []types.Event) {
	if len(events) == 0 {
		return
	}
	groups := make(map[types.EventKind][]types.Event)
	var order []types.EventKind
	for _, ev := range events {
		if _, ok := groups[ev.Kind]; !ok {
			order = append(order, ev.Kind)
		}
		groups[ev.Kind] = append(groups[ev.Kind], ev)
	}
	for _, kind := range order {
		d.dispatchKind(d.baseCtx, kind, groups[kind])
	}
}

// dispatchKind runs one kind's event group: hooks that cannot match any
// event in the group are dropped once up front, sync hooks run sequentially
// in priority order per event, async hooks fan out concurrently per event.
func (d *Dispatcher) dispatchKind(ctx context.Context, kind types.EventKind, events []types.Event) {
	candidates := d.snapshot(kind)
	if len(candidates) == 0 {
		return
	}

	// Batch pre-filter: a hook whose target matches no event in the group
	// never enters the per-event loop.
	filtered := candidates[:0:0]
	for _, h := range candidates {
		if d.matchesAny(h, events) {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		return
	}

	var syncs, asyncs []*hook
	for _, h := range filtered {
		if h.opts.Async {
			asyncs = append(asyncs, h)
		} else {
			syncs = append(syncs, h)
		}
	}
	// Higher priority first; stable so equal priorities keep registration
	// order.
	sort.SliceStable(syncs, func(i, j int) bool {
		return syncs[i].opts.Priority > syncs[j].opts.Priority
	})

	for _, ev := range events {
		for _, h := range syncs {
			if !d.eligible(h, ev) {
				continue
			}
			d.run(ctx, h, ev)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, h := range asyncs {
			if !d.eligible(h, ev) {
				continue
			}
			h := h
			g.Go(func() error {
				d.run(gctx, h, ev)
				return nil // failures live in metrics, not in the group
			})
		}
		_ = g.Wait()
	}
}

// eligible applies per-event targeting and the custom filter.
func (d *Dispatcher) eligible(h *hook, ev types.Event) bool {
	if !d.targetMatches(h.opts.Target, ev) {
		return false
	}
	if h.opts.Filter != nil && !h.opts.Filter(ev) {
		return false
	}
	return true
}

// run invokes one hook, racing the handler against its timeout, and records
// the outcome. Errors are logged and counted, never returned.
func (d *Dispatcher) run(ctx context.Context, h *hook, ev types.Event) {
	start := d.metrics.now()

	var err error
	if h.opts.Timeout > 0 {
		tctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
		done := make(chan error, 1)
		go func() { done <- h.fn(tctx, ev) }()
		select {
		case err = <-done:
		case <-tctx.Done():
			err = fmt.Errorf("hook %s timed out after %s: %w", h.name(), h.opts.Timeout, tctx.Err())
		}
		cancel()
	} else {
		err = h.fn(ctx, ev)
	}

	elapsed := d.metrics.now().Sub(start)
	d.metrics.record(ev.Kind, elapsed, err)
	if err != nil {
		d.log.Warn("hook failed",
			zap.String("hook", h.name()),
			zap.String("kind", string(ev.Kind)),
			zap.String("entity", ev.EntityID),
			zap.Error(err))
	}
}

// matchesAny reports whether the hook's target can match at least one event
// of the batch. Hooks without a target always can.
func (d *Dispatcher) matchesAny(h *hook, events []types.Event) bool {
	if h.opts.Target.Empty() {
		return true
	}
	for _, ev := range events {
		if d.targetMatches(h.opts.Target, ev) {
			return true
		}
	}
	return false
}

// targetMatches evaluates component targeting against the event's entity
// composition.
func (d *Dispatcher) targetMatches(t *types.ComponentTarget, ev types.Event) bool {
	if t.Empty() {
		return true
	}
	present := make(map[string]bool, len(ev.EntityTypeIDs))
	for _, id := range ev.EntityTypeIDs {
		present[id] = true
	}

	if len(t.IncludeComponents) > 0 {
		matched := 0
		for _, name := range t.IncludeComponents {
			id, ok := d.resolver.TypeIDByName(name)
			if ok && present[id] {
				matched++
			}
		}
		if t.AllIncluded() {
			if matched != len(t.IncludeComponents) {
				return false
			}
		} else if matched == 0 {
			return false
		}
	}

	if len(t.ExcludeComponents) > 0 {
		presentCount := 0
		for _, name := range t.ExcludeComponents {
			id, ok := d.resolver.TypeIDByName(name)
			if ok && present[id] {
				presentCount++
			}
		}
		if t.AllExcluded() {
			// All listed components must be absent.
			if presentCount > 0 {
				return false
			}
		} else if presentCount == len(t.ExcludeComponents) {
			// OR mode: reject only when every listed component is present.
			return false
		}
	}

	if t.Archetype != "" && !d.archetypeMatches(t, t.Archetype, present) {
		return false
	}
	if len(t.Archetypes) > 0 {
		any := false
		for _, name := range t.Archetypes {
			if d.archetypeMatches(t, name, present) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

// archetypeMatches checks the entity composition against a named archetype:
// exact match standalone, superset when include/exclude lists also narrow
// the target.
func (d *Dispatcher) archetypeMatches(t *types.ComponentTarget, name string, present map[string]bool) bool {
	comp, ok := d.resolver.ArchetypeComposition(name)
	if !ok {
		return false
	}
	for _, id := range comp {
		if !present[id] {
			return false
		}
	}
	if len(t.IncludeComponents) > 0 || len(t.ExcludeComponents) > 0 {
		return true // superset suffices
	}
	return len(present) == len(comp)
}
