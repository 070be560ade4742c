package hooks

import (
	"sync"
	"time"

	"github.com/bunsdb/buns/internal/types"
)

// Metrics is a point-in-time snapshot of hook execution counters, kept
// per event kind and globally.
type Metrics struct {
	TotalExecutions      int64         `json:"total_executions"`
	TotalExecutionTime   time.Duration `json:"total_execution_time"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	ErrorCount           int64         `json:"error_count"`
	LastExecutionTime    time.Time     `json:"last_execution_time"`
}

type metricsTable struct {
	mu     sync.Mutex
	global Metrics
	byKind map[types.EventKind]*Metrics

	now func() time.Time // test seam
}

func newMetricsTable() *metricsTable {
	return &metricsTable{
		byKind: make(map[types.EventKind]*Metrics),
		now:    time.Now,
	}
}

func (m *metricsTable) record(kind types.EventKind, elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bump := func(target *Metrics) {
		target.TotalExecutions++
		target.TotalExecutionTime += elapsed
		target.AverageExecutionTime = target.TotalExecutionTime / time.Duration(target.TotalExecutions)
		target.LastExecutionTime = m.now()
		if err != nil {
			target.ErrorCount++
		}
	}
	bump(&m.global)

	km, ok := m.byKind[kind]
	if !ok {
		km = &Metrics{}
		m.byKind[kind] = km
	}
	bump(km)
}

// Metrics returns the global snapshot.
func (d *Dispatcher) Metrics() Metrics {
	d.metrics.mu.Lock()
	defer d.metrics.mu.Unlock()
	return d.metrics.global
}

// KindMetrics returns the snapshot for one event kind.
func (d *Dispatcher) KindMetrics(kind types.EventKind) Metrics {
	d.metrics.mu.Lock()
	defer d.metrics.mu.Unlock()
	if km, ok := d.metrics.byKind[kind]; ok {
		return *km
	}
	return Metrics{}
}
