// Package metrics captures shared operational stats for recognition cycles
// and enrichment tasks.
package metrics

import "sync/atomic"

type Metrics struct {
	cyclesStarted   int64
	cyclesCompleted int64
	cyclesTimedOut  int64

	actionsExecuted int64
	actionsFailed   int64

	tasksProcessed int64
	tasksFailed    int64
}

// Snapshot provides a consistent view of the current metrics.
type Snapshot struct {
	CyclesStarted   int64 `json:"cycles_started"`
	CyclesCompleted int64 `json:"cycles_completed"`
	CyclesTimedOut  int64 `json:"cycles_timed_out"`
	ActionsExecuted int64 `json:"actions_executed"`
	ActionsFailed   int64 `json:"actions_failed"`
	TasksProcessed  int64 `json:"tasks_processed"`
	TasksFailed     int64 `json:"tasks_failed"`
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordCycleStarted()  { atomic.AddInt64(&m.cyclesStarted, 1) }
func (m *Metrics) RecordCycleComplete() { atomic.AddInt64(&m.cyclesCompleted, 1) }
func (m *Metrics) RecordCycleTimeout()  { atomic.AddInt64(&m.cyclesTimedOut, 1) }

// RecordAction increments executed/failed counters based on outcome.
func (m *Metrics) RecordAction(err error) {
	atomic.AddInt64(&m.actionsExecuted, 1)
	if err != nil {
		atomic.AddInt64(&m.actionsFailed, 1)
	}
}

// RecordTask increments processed/failed counters based on outcome.
func (m *Metrics) RecordTask(err error) {
	atomic.AddInt64(&m.tasksProcessed, 1)
	if err != nil {
		atomic.AddInt64(&m.tasksFailed, 1)
	}
}

// Snapshot returns a read-only view of metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CyclesStarted:   atomic.LoadInt64(&m.cyclesStarted),
		CyclesCompleted: atomic.LoadInt64(&m.cyclesCompleted),
		CyclesTimedOut:  atomic.LoadInt64(&m.cyclesTimedOut),
		ActionsExecuted: atomic.LoadInt64(&m.actionsExecuted),
		ActionsFailed:   atomic.LoadInt64(&m.actionsFailed),
		TasksProcessed:  atomic.LoadInt64(&m.tasksProcessed),
		TasksFailed:     atomic.LoadInt64(&m.tasksFailed),
	}
}
