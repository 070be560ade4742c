// Package scheduler runs registered tasks on fixed intervals or cron
// expressions, selects their input entity sets through the query engine, and
// serializes cross-instance execution with advisory locks.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bunsdb/buns/internal/pgstore"
	"github.com/bunsdb/buns/internal/query"
	"github.com/bunsdb/buns/internal/registry"
	"github.com/bunsdb/buns/internal/types"
)

// Interval enumerates the supported trigger kinds.
type Interval string

const (
	IntervalMinute  Interval = "MINUTE"
	IntervalHour    Interval = "HOUR"
	IntervalDaily   Interval = "DAILY"
	IntervalWeekly  Interval = "WEEKLY"
	IntervalMonthly Interval = "MONTHLY"
	IntervalCron    Interval = "CRON"
)

// probePeriod is the re-check period for triggers further than a day out.
const probePeriod = 24 * time.Hour

// DefaultTaskTimeout bounds one handler invocation unless overridden.
const DefaultTaskTimeout = 30 * time.Second

// TaskHandler receives the selected entity set for one execution.
type TaskHandler func(ctx context.Context, entities []*pgstore.Entity) error

// TaskOptions tunes one task.
type TaskOptions struct {
	Timeout                 time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	Priority                int
	MaxEntitiesPerExecution int
	EnableLogging           bool
}

// Task is one registered job. Exactly one selector must be set: Query
// (preferred), Component, or Targeting.
type Task struct {
	ID             string
	Name           string
	Interval       Interval
	CronExpression string
	Options        TaskOptions
	Handler        TaskHandler

	// Query builds a fresh entity query per execution.
	Query func() *query.Query
	// Component selects every entity carrying one component class.
	Component *types.ComponentClass
	// Targeting selects by include/exclude composition.
	Targeting *types.ComponentTarget

	mu            sync.Mutex
	schedule      cron.Schedule // non-nil for CRON tasks
	nextExecution time.Time
	running       bool
	retryCount    int
	lastError     error
	timer         *time.Timer
	metrics       TaskMetrics
}

// NextExecution returns the task's next planned fire time.
func (t *Task) NextExecution() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextExecution
}

// LastError returns the most recent handler failure, if any.
func (t *Task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}


// Locker is the distributed mutual exclusion surface; the advisory lock
// manager implements it.
type Locker interface {
	TryAcquire(ctx context.Context, taskID string) (bool, error)
	Release(ctx context.Context, taskID string) error
}

// Options tunes the scheduler.
type Options struct {
	// MaxConcurrentTasks caps simultaneously running handlers. Zero means 10.
	MaxConcurrentTasks int
	// DefaultTimeout bounds handlers whose task sets no per-task timeout.
	// Zero means DefaultTaskTimeout.
	DefaultTimeout time.Duration
	// DistributedLocking wraps every execution in the task's advisory lock.
	DistributedLocking bool
	// RunOnStart fires every task once immediately after Start.
	RunOnStart bool
	// EnableLogging turns on per-execution info logs for all tasks.
	EnableLogging bool
}

// Scheduler owns the task table and their timers.
type Scheduler struct {
	store  *pgstore.Store
	reg    *registry.Registry
	locker Locker
	log    *zap.Logger
	opts   Options

	cronParser cron.Parser

	mu           sync.Mutex
	tasks        map[string]*Task
	order        []string
	runningCount int
	started      bool
	stopped      bool

	subscribers []func(Event)
	metrics     Metrics

	now func() time.Time // test seam
}

// New returns a scheduler. locker may be nil when distributed locking is
// disabled.
func New(store *pgstore.Store, reg *registry.Registry, locker Locker, opts Options, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 10
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTaskTimeout
	}
	return &Scheduler{
		store:  store,
		reg:    reg,
		locker: locker,
		log:    log,
		opts:   opts,
		// 5-field standard plus optional leading seconds field.
		cronParser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Register validates and adds a task. Registration fails on a missing
// handler, a missing selector, or an unparsable cron expression.
func (s *Scheduler) Register(t *Task) error {
	if t.ID == "" {
		return types.Validationf("id", "task id is empty")
	}
	if t.Handler == nil {
		return types.Validationf("handler", "task %s has no handler", t.ID)
	}
	selectors := 0
	for _, set := range []bool{t.Query != nil, t.Component != nil, t.Targeting != nil} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		return types.Validationf("selector", "task %s needs exactly one entity selector, has %d", t.ID, selectors)
	}

	switch t.Interval {
	case IntervalMinute, IntervalHour, IntervalDaily, IntervalWeekly, IntervalMonthly:
	case IntervalCron:
		schedule, err := s.cronParser.Parse(t.CronExpression)
		if err != nil {
			return fmt.Errorf("task %s cron %q: %w", t.ID, t.CronExpression, types.ErrInvalidCron)
		}
		t.schedule = schedule
	default:
		return types.Validationf("interval", "task %s has unknown interval %q", t.ID, t.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return types.Validationf("id", "task %s already registered", t.ID)
	}
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	if s.started && !s.stopped {
		s.armLocked(t)
	}
	return nil
}

// Task returns a registered task by id.
func (s *Scheduler) Task(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Start arms every registered task, highest priority first.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	tasks := make([]*Task, 0, len(s.tasks))
	for _, id := range s.order {
		tasks = append(tasks, s.tasks[id])
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Options.Priority > tasks[j].Options.Priority
	})
	for _, t := range tasks {
		s.armLocked(t)
	}
	s.mu.Unlock()

	if s.opts.RunOnStart {
		for _, t := range tasks {
			go s.Execute(ctx, t)
		}
	}
}

// Stop cancels all timers. In-flight executions finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, t := range s.tasks {
		t.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.mu.Unlock()
	}
}

// armLocked computes the next fire time and sets the timer. Caller holds
// s.mu.
func (s *Scheduler) armLocked(t *Task) {
	if s.stopped {
		return
	}
	now := s.now()
	next := s.nextAfter(t, now)

	t.mu.Lock()
	t.nextExecution = next
	delay := next.Sub(now)
	// Distant triggers get a probe: re-check within a day, fire only when
	// due. Keeps timer drift bounded for weekly/monthly tasks.
	if delay > probePeriod {
		delay = probePeriod
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delay, func() { s.onTimer(t) })
	t.mu.Unlock()
}

// onTimer fires when a task's timer elapses: run it if due, otherwise re-arm
// the probe.
func (s *Scheduler) onTimer(t *Task) {
	t.mu.Lock()
	due := !s.now().Before(t.nextExecution)
	t.mu.Unlock()

	if due {
		s.Execute(context.Background(), t)
	}
	s.mu.Lock()
	if !s.stopped {
		s.armLocked(t)
	}
	s.mu.Unlock()
}

// nextAfter computes the next fire time strictly after now.
func (s *Scheduler) nextAfter(t *Task, now time.Time) time.Time {
	switch t.Interval {
	case IntervalMinute:
		return now.Add(time.Minute)
	case IntervalHour:
		return now.Add(time.Hour)
	case IntervalDaily:
		return now.Add(24 * time.Hour)
	case IntervalWeekly:
		return now.Add(7 * 24 * time.Hour)
	case IntervalMonthly:
		return now.AddDate(0, 1, 0)
	case IntervalCron:
		return t.schedule.Next(now)
	}
	return now.Add(time.Minute)
}
