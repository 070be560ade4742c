package scheduler

import "time"

// EventKind enumerates scheduler stream events.
type EventKind string

const (
	EventTaskExecuted EventKind = "task.executed"
	EventTaskRetry    EventKind = "task.retry"
	EventTaskFailed   EventKind = "task.failed"
	EventTaskSkipped  EventKind = "task.skipped"
	EventLockFailed   EventKind = "lock.failed"
)

// Event is one scheduler stream entry.
type Event struct {
	Kind     EventKind
	TaskID   string
	TaskName string
	Entities int
	Duration time.Duration
	Attempt  int
	Reason   string
	Err      error
}

// OnEvent subscribes to the scheduler event stream. Listeners run inline on
// the emitting goroutine and must return quickly. The returned function
// unsubscribes.
func (s *Scheduler) OnEvent(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
	i := len(s.subscribers) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if i < len(s.subscribers) {
			s.subscribers[i] = nil
		}
	}
}

func (s *Scheduler) emit(ev Event) {
	s.mu.Lock()
	subs := make([]func(Event), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(ev)
		}
	}
}

// Metrics is the global counter set.
type Metrics struct {
	Running      int
	Completed    int64
	Failed       int64
	TimedOut     int64
	Retried      int64
	Skipped      int64
	LockAttempts int64
	LockAcquired int64
	LockFailed   int64
}

// TaskMetrics is the per-task counter set.
type TaskMetrics struct {
	Executions   int64
	Failures     int64
	Retries      int64
	TimedOut     int64
	Skipped      int64
	LastDuration time.Duration
	LastError    string
}

// Metrics returns the global counter snapshot.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// TaskMetrics returns one task's counter snapshot.
func (s *Scheduler) TaskMetrics(id string) TaskMetrics {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return TaskMetrics{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

func (s *Scheduler) bumpMetrics(fn func(*Metrics)) {
	s.mu.Lock()
	fn(&s.metrics)
	s.mu.Unlock()
}

func (s *Scheduler) bumpTask(t *Task, fn func(*TaskMetrics)) {
	t.mu.Lock()
	fn(&t.metrics)
	t.mu.Unlock()
}
