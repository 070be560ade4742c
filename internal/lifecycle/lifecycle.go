// Package lifecycle tracks the process phases the runtime moves through at
// boot and gates subsystems behind them.
//
// The machine is strictly forward:
//
//	Init -> DatabaseReady -> ComponentsReady -> AppReady
//
// The coordinator is owned by the runtime and passed to each subsystem
// constructor; subsystems await the phase that gates them instead of
// listening on a global emitter.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Phase is one lifecycle state.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseDatabaseReady
	PhaseComponentsReady
	PhaseAppReady
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseDatabaseReady:
		return "database-ready"
	case PhaseComponentsReady:
		return "components-ready"
	case PhaseAppReady:
		return "app-ready"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Coordinator owns the phase machine. The zero value is not usable; call New.
type Coordinator struct {
	mu      sync.Mutex
	current Phase
	gates   map[Phase]chan struct{}
	log     *zap.Logger
}

// New returns a coordinator in PhaseInit.
func New(log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	gates := make(map[Phase]chan struct{}, 3)
	for _, p := range []Phase{PhaseDatabaseReady, PhaseComponentsReady, PhaseAppReady} {
		gates[p] = make(chan struct{})
	}
	return &Coordinator{current: PhaseInit, gates: gates, log: log}
}

// Current returns the current phase.
func (c *Coordinator) Current() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Reached reports whether the machine has passed through p.
func (c *Coordinator) Reached(p Phase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current >= p
}

// Advance moves the machine to p, closing the gates of every phase up to and
// including it. Moving backwards is a programming error.
func (c *Coordinator) Advance(p Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p < c.current {
		return fmt.Errorf("lifecycle: cannot move from %s back to %s", c.current, p)
	}
	if p == c.current {
		return nil
	}
	for ph := c.current + 1; ph <= p; ph++ {
		if gate, ok := c.gates[ph]; ok {
			close(gate)
		}
		c.log.Info("lifecycle phase reached", zap.Stringer("phase", ph))
	}
	c.current = p
	return nil
}

// Await blocks until the machine reaches p or ctx is done.
func (c *Coordinator) Await(ctx context.Context, p Phase) error {
	c.mu.Lock()
	if c.current >= p {
		c.mu.Unlock()
		return nil
	}
	gate := c.gates[p]
	c.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lifecycle: waiting for %s: %w", p, ctx.Err())
	}
}
