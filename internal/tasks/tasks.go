// Package tasks implements the durable, retryable queue for enrichment work
// that runs out-of-band from the recognition cycle. A single command loop
// owns the task list; every mutation is persisted to the snapshot store
// before the loop moves on.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicelog/internal/backoff"
	"voicelog/internal/metrics"
	"voicelog/internal/store"
)

// Type tags the kind of enrichment work a task performs. Only food macro
// fetching is implemented; the other tags are reserved extension points.
type Type string

const (
	TypeFetchFoodMacros Type = "fetch_food_macros"
	TypeRecalcTotals    Type = "recalc_daily_totals"
	TypeSyncBackup      Type = "sync_backup"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Payload keys.
const (
	PayloadFoodName   = "food_name"
	PayloadLogEntryID = "log_entry_id"
)

const snapshotKey = "voicelog.enrichment_tasks"

// Task is one durable unit of enrichment work.
type Task struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Status     Status            `json:"status"`
	Payload    map[string]string `json:"payload"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	RetryCount int               `json:"retry_count"`
	Result     string            `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// SnapshotStore persists the whole task list under one key.
type SnapshotStore interface {
	SaveTaskSnapshot(ctx context.Context, key string, data []byte) error
	LoadTaskSnapshot(ctx context.Context, key string) ([]byte, error)
}

// LogStore is the slice of the health log the queue writes back into.
type LogStore interface {
	UpdateEntry(ctx context.Context, id string, patch store.EntryPatch, ts time.Time) error
}

// Handler performs one task type. Runs off the command loop; must not touch
// manager state. The returned result string is stored on the task.
type Handler func(ctx context.Context, payload map[string]string) (string, error)

// Stats counts tasks by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Config tunes retry and retention behavior.
type Config struct {
	MaxRetries  int
	RetryPolicy backoff.Policy
	Retention   time.Duration
	Now         func() time.Time
}

// Manager owns the task list. All mutations run on its command loop;
// handlers run on the pool and report back through the loop.
type Manager struct {
	cmds chan func()
	done chan struct{}
	once sync.Once

	snap     SnapshotStore
	logs     LogStore
	handlers map[Type]Handler
	metrics  *metrics.Metrics

	maxRetries int
	policy     backoff.Policy
	retention  time.Duration
	now        func() time.Time

	runCtx context.Context
	wg     sync.WaitGroup

	tasks []*Task
}

// NewManager constructs a stopped manager. Register handlers, then Start.
func NewManager(snap SnapshotStore, logs LogStore, m *metrics.Metrics, cfg Config) *Manager {
	mgr := &Manager{
		cmds:       make(chan func(), 64),
		done:       make(chan struct{}),
		snap:       snap,
		logs:       logs,
		handlers:   make(map[Type]Handler),
		metrics:    m,
		maxRetries: cfg.MaxRetries,
		policy:     cfg.RetryPolicy,
		retention:  cfg.Retention,
		now:        cfg.Now,
	}
	if mgr.maxRetries <= 0 {
		mgr.maxRetries = 3
	}
	if mgr.policy == (backoff.Policy{}) {
		mgr.policy = backoff.Linear(2 * time.Second)
	}
	if mgr.retention <= 0 {
		mgr.retention = 7 * 24 * time.Hour
	}
	if mgr.now == nil {
		mgr.now = func() time.Time { return time.Now().UTC() }
	}
	return mgr
}

// Register binds a handler to a task type. Call before Start.
func (m *Manager) Register(t Type, h Handler) {
	m.handlers[t] = h
}

// Start loads the persisted queue and launches the command loop. Tasks that
// were mid-flight when the process died are reset to pending so a later
// ProcessPendingTasks picks them up.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx = ctx
	if err := m.load(ctx); err != nil {
		return err
	}
	go m.loop()
	return nil
}

// Stop drains the command loop and waits for in-flight handlers.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) loop() {
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.cmds:
			fn()
		}
	}
}

func (m *Manager) do(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

func (m *Manager) doWait(fn func()) {
	ack := make(chan struct{})
	m.do(func() {
		fn()
		close(ack)
	})
	select {
	case <-ack:
	case <-m.done:
	}
}

// EnqueueFoodMacrosFetch appends a macro-fetch task for the given food and
// target log entry and immediately attempts processing. Fire-and-forget.
func (m *Manager) EnqueueFoodMacrosFetch(foodName, logEntryID string) string {
	now := m.now()
	t := &Task{
		ID:     uuid.NewString(),
		Type:   TypeFetchFoodMacros,
		Status: StatusPending,
		Payload: map[string]string{
			PayloadFoodName:   foodName,
			PayloadLogEntryID: logEntryID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.do(func() {
		m.tasks = append(m.tasks, t)
		m.persist()
		m.process(t)
	})
	return t.ID
}

// ProcessPendingTasks re-attempts every pending task plus failed tasks that
// still have retries left. Intended to run on app start. Returns the number
// of tasks attempted.
func (m *Manager) ProcessPendingTasks() int {
	attempted := 0
	m.doWait(func() {
		for _, t := range m.tasks {
			if t.Status == StatusPending || (t.Status == StatusFailed && t.RetryCount < m.maxRetries) {
				m.process(t)
				attempted++
			}
		}
	})
	return attempted
}

// CleanupCompletedTasks purges completed tasks whose last update is older
// than the given window. Returns the number removed.
func (m *Manager) CleanupCompletedTasks(olderThan time.Duration) int {
	if olderThan <= 0 {
		olderThan = m.retention
	}
	removed := 0
	m.doWait(func() {
		cutoff := m.now().Add(-olderThan)
		kept := m.tasks[:0]
		for _, t := range m.tasks {
			if t.Status == StatusCompleted && t.UpdatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		m.tasks = kept
		if removed > 0 {
			m.persist()
		}
	})
	return removed
}

// Tasks returns a copy of the current queue.
func (m *Manager) Tasks() []Task {
	var out []Task
	m.doWait(func() {
		out = make([]Task, 0, len(m.tasks))
		for _, t := range m.tasks {
			out = append(out, *t)
		}
	})
	return out
}

// Stats counts tasks by status.
func (m *Manager) Stats() Stats {
	var s Stats
	m.doWait(func() {
		for _, t := range m.tasks {
			switch t.Status {
			case StatusPending:
				s.Pending++
			case StatusProcessing:
				s.Processing++
			case StatusCompleted:
				s.Completed++
			case StatusFailed:
				s.Failed++
			}
		}
	})
	return s
}

// process transitions a task to processing and hands it to its handler on
// the pool. Loop-only.
func (m *Manager) process(t *Task) {
	if t.Status == StatusCompleted || t.Status == StatusProcessing {
		return
	}
	handler, ok := m.handlers[t.Type]
	if !ok {
		t.Status = StatusFailed
		t.RetryCount = m.maxRetries
		t.Error = fmt.Sprintf("no handler for task type %q", t.Type)
		t.UpdatedAt = m.now()
		m.persist()
		log.Printf("task=%s type=%s dropped: no handler", t.ID, t.Type)
		return
	}
	t.Status = StatusProcessing
	t.UpdatedAt = m.now()
	m.persist()

	id := t.ID
	payload := make(map[string]string, len(t.Payload))
	for k, v := range t.Payload {
		payload[k] = v
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("task %s panic recovered: %v", id, r)
				m.do(func() { m.finish(id, "", fmt.Errorf("handler panic: %v", r)) })
			}
		}()
		result, err := handler(m.runCtx, payload)
		m.do(func() { m.finish(id, result, err) })
	}()
}

// finish applies a handler outcome. Loop-only.
func (m *Manager) finish(id, result string, err error) {
	t := m.find(id)
	if t == nil || t.Status != StatusProcessing {
		return
	}
	if m.metrics != nil {
		m.metrics.RecordTask(err)
	}
	t.UpdatedAt = m.now()
	if err == nil {
		t.Status = StatusCompleted
		t.Result = result
		t.Error = ""
		m.persist()
		log.Printf("task=%s type=%s status=completed", t.ID, t.Type)
		return
	}

	t.RetryCount++
	t.Status = StatusFailed
	t.Error = err.Error()
	m.persist()
	if t.RetryCount >= m.maxRetries {
		log.Printf("task=%s type=%s status=failed retries=%d (terminal): %v", t.ID, t.Type, t.RetryCount, err)
		m.markEntryFailed(t)
		return
	}

	delay := m.policy.Delay(t.RetryCount)
	log.Printf("task=%s type=%s attempt=%d retrying in %s: %v", t.ID, t.Type, t.RetryCount, delay, err)
	time.AfterFunc(delay, func() {
		m.do(func() {
			if rt := m.find(id); rt != nil && rt.Status == StatusFailed && rt.RetryCount < m.maxRetries {
				m.process(rt)
			}
		})
	})
}

// markEntryFailed leaves the placeholder values in place but flags the
// target entry so the user sees "processing failed". Loop-only.
func (m *Manager) markEntryFailed(t *Task) {
	entryID := t.Payload[PayloadLogEntryID]
	if entryID == "" || m.logs == nil {
		return
	}
	status := store.EntryFailed
	note := "processing failed"
	patch := store.EntryPatch{Status: &status, Notes: &note}
	if err := m.logs.UpdateEntry(m.runCtx, entryID, patch, m.now()); err != nil {
		log.Printf("mark entry %s failed: %v", entryID, err)
	}
}

func (m *Manager) find(id string) *Task {
	for _, t := range m.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// persist rewrites the whole serialized list after every mutation. Loop-only.
func (m *Manager) persist() {
	data, err := json.Marshal(m.tasks)
	if err != nil {
		log.Printf("marshal tasks: %v", err)
		return
	}
	if err := m.snap.SaveTaskSnapshot(m.runCtx, snapshotKey, data); err != nil {
		log.Printf("persist tasks: %v", err)
	}
}

func (m *Manager) load(ctx context.Context) error {
	data, err := m.snap.LoadTaskSnapshot(ctx, snapshotKey)
	if err != nil {
		return fmt.Errorf("load task snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var loaded []*Task
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("decode task snapshot: %w", err)
	}
	for _, t := range loaded {
		// Mid-flight when the process died; eligible for re-attempt.
		if t.Status == StatusProcessing {
			t.Status = StatusPending
		}
	}
	m.tasks = loaded
	return nil
}
