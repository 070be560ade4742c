package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/pgstore"
	"github.com/bunsdb/buns/internal/query"
)

// Execute runs one task now: concurrency cap, advisory lock, entity
// selection, handler with timeout, retry bookkeeping. Safe to call from
// timers and from RunOnStart concurrently.
func (s *Scheduler) Execute(ctx context.Context, t *Task) {
	if !s.tryBegin(t) {
		return
	}
	defer s.end(t)

	if s.opts.DistributedLocking && s.locker != nil {
		s.bumpMetrics(func(m *Metrics) { m.LockAttempts++ })
		ok, err := s.locker.TryAcquire(ctx, t.ID)
		if err != nil || !ok {
			s.bumpMetrics(func(m *Metrics) { m.LockFailed++ })
			s.bumpTask(t, func(m *TaskMetrics) { m.Skipped++ })
			s.emit(Event{Kind: EventLockFailed, TaskID: t.ID, TaskName: t.Name, Err: err})
			if err != nil {
				s.log.Warn("lock acquisition errored", zap.String("task", t.ID), zap.Error(err))
			}
			return
		}
		s.bumpMetrics(func(m *Metrics) { m.LockAcquired++ })
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), t.ID); err != nil {
				s.log.Warn("lock release failed", zap.String("task", t.ID), zap.Error(err))
			}
		}()
	}

	s.runOnce(ctx, t)
}

// tryBegin enforces the per-task running flag and the global concurrency
// cap, emitting a skip event when either rejects.
func (s *Scheduler) tryBegin(t *Task) bool {
	s.mu.Lock()
	capped := s.runningCount >= s.opts.MaxConcurrentTasks
	if !capped {
		t.mu.Lock()
		if t.running {
			t.mu.Unlock()
			s.mu.Unlock()
			s.skip(t, "already running")
			return false
		}
		t.running = true
		t.mu.Unlock()
		s.runningCount++
		s.metrics.Running = s.runningCount
	}
	s.mu.Unlock()

	if capped {
		s.skip(t, "concurrency cap reached")
		return false
	}
	return true
}

func (s *Scheduler) end(t *Task) {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	s.mu.Lock()
	s.runningCount--
	s.metrics.Running = s.runningCount
	s.mu.Unlock()
}

func (s *Scheduler) skip(t *Task, reason string) {
	s.bumpMetrics(func(m *Metrics) { m.Skipped++ })
	s.bumpTask(t, func(m *TaskMetrics) { m.Skipped++ })
	s.emit(Event{Kind: EventTaskSkipped, TaskID: t.ID, TaskName: t.Name, Reason: reason})
	if t.Options.EnableLogging || s.opts.EnableLogging {
		s.log.Info("task skipped", zap.String("task", t.ID), zap.String("reason", reason))
	}
}

// runOnce selects entities and invokes the handler, applying the retry
// policy on failure.
func (s *Scheduler) runOnce(ctx context.Context, t *Task) {
	start := s.now()

	entities, err := s.selectEntities(ctx, t)
	if err != nil {
		s.recordFailure(ctx, t, start, fmt.Errorf("select entities: %w", err))
		return
	}

	err = s.invoke(ctx, t, entities)
	elapsed := s.now().Sub(start)

	if err == nil {
		t.mu.Lock()
		t.retryCount = 0
		t.lastError = nil
		t.mu.Unlock()
		s.bumpMetrics(func(m *Metrics) { m.Completed++ })
		s.bumpTask(t, func(m *TaskMetrics) {
			m.Executions++
			m.LastDuration = elapsed
			m.LastError = ""
		})
		s.emit(Event{Kind: EventTaskExecuted, TaskID: t.ID, TaskName: t.Name,
			Entities: len(entities), Duration: elapsed})
		if t.Options.EnableLogging || s.opts.EnableLogging {
			s.log.Info("task executed", zap.String("task", t.ID),
				zap.Int("entities", len(entities)), zap.Duration("took", elapsed))
		}
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		s.bumpMetrics(func(m *Metrics) { m.TimedOut++ })
		s.bumpTask(t, func(m *TaskMetrics) { m.TimedOut++ })
	}
	s.recordFailure(ctx, t, start, err)
}

// invoke races the handler against the task timeout, falling back to the
// scheduler-wide default when the task sets none.
func (s *Scheduler) invoke(ctx context.Context, t *Task, entities []*pgstore.Entity) error {
	timeout := t.Options.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- t.Handler(tctx, entities) }()
	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		return fmt.Errorf("task %s: %w", t.ID, tctx.Err())
	}
}

// recordFailure applies the retry policy: within budget, schedule a delayed
// re-execution; exhausted, surface task.failed and wait for the next normal
// trigger.
func (s *Scheduler) recordFailure(ctx context.Context, t *Task, start time.Time, err error) {
	elapsed := s.now().Sub(start)

	t.mu.Lock()
	t.lastError = err
	t.retryCount++
	retries := t.retryCount
	t.mu.Unlock()

	s.bumpTask(t, func(m *TaskMetrics) {
		m.Failures++
		m.LastDuration = elapsed
		m.LastError = err.Error()
	})

	if retries <= t.Options.MaxRetries {
		s.bumpMetrics(func(m *Metrics) { m.Retried++ })
		s.bumpTask(t, func(m *TaskMetrics) { m.Retries++ })
		s.emit(Event{Kind: EventTaskRetry, TaskID: t.ID, TaskName: t.Name,
			Err: err, Attempt: retries, Duration: elapsed})
		s.log.Warn("task failed, retrying", zap.String("task", t.ID),
			zap.Int("attempt", retries), zap.Error(err))

		delay := t.Options.RetryDelay
		time.AfterFunc(delay, func() { s.Execute(context.WithoutCancel(ctx), t) })
		return
	}

	t.mu.Lock()
	t.retryCount = 0
	t.mu.Unlock()
	s.bumpMetrics(func(m *Metrics) { m.Failed++ })
	s.emit(Event{Kind: EventTaskFailed, TaskID: t.ID, TaskName: t.Name, Err: err, Duration: elapsed})
	s.log.Error("task failed, retries exhausted", zap.String("task", t.ID), zap.Error(err))
}

// selectEntities materializes the task's input set through its selector.
func (s *Scheduler) selectEntities(ctx context.Context, t *Task) ([]*pgstore.Entity, error) {
	var q *query.Query
	switch {
	case t.Query != nil:
		q = t.Query()
	case t.Component != nil:
		q = query.New(s.store, s.reg, s.log).With(t.Component)
	case t.Targeting != nil:
		q = query.New(s.store, s.reg, s.log)
		for _, name := range t.Targeting.IncludeComponents {
			class, err := s.reg.ComponentByName(name)
			if err != nil {
				return nil, err
			}
			q.With(class)
		}
		for _, name := range t.Targeting.ExcludeComponents {
			class, err := s.reg.ComponentByName(name)
			if err != nil {
				return nil, err
			}
			q.Without(class)
		}
	default:
		return nil, nil
	}
	if n := t.Options.MaxEntitiesPerExecution; n > 0 {
		q.Take(n)
	}
	return q.Exec(ctx)
}
