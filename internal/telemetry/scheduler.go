package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bunsdb/buns/internal/scheduler"
)

const schedulerScopeName = "github.com/bunsdb/buns/scheduler"

// ObserveScheduler mirrors the scheduler event stream into OTel counters.
// Returns an unsubscribe function. When telemetry is disabled it subscribes
// nothing and returns a no-op.
func ObserveScheduler(s *scheduler.Scheduler) func() {
	if !Enabled() {
		return func() {}
	}
	m := Meter(schedulerScopeName)
	events, _ := m.Int64Counter("buns.scheduler.events",
		metric.WithDescription("Scheduler stream events by kind and task"),
	)
	entities, _ := m.Int64Counter("buns.scheduler.entities",
		metric.WithDescription("Entities handed to task handlers"),
	)
	durations, _ := m.Float64Histogram("buns.scheduler.task.duration",
		metric.WithDescription("Task execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return s.OnEvent(func(ev scheduler.Event) {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			attribute.String("buns.event.kind", string(ev.Kind)),
			attribute.String("buns.task.id", ev.TaskID),
		)
		events.Add(ctx, 1, attrs)
		if ev.Kind == scheduler.EventTaskExecuted {
			entities.Add(ctx, int64(ev.Entities), attrs)
			durations.Record(ctx, float64(ev.Duration.Milliseconds()), attrs)
		}
	})
}
