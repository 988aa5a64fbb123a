package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voicelog/internal/backoff"
	"voicelog/internal/llm"
	"voicelog/internal/store"
)

type fakeSnap struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (f *fakeSnap) SaveTaskSnapshot(_ context.Context, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append([]byte(nil), data...)
	f.saves++
	return nil
}

func (f *fakeSnap) LoadTaskSnapshot(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data, nil
}

func (f *fakeSnap) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeSnap) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

type fakeLogs struct {
	mu      sync.Mutex
	patches map[string][]store.EntryPatch
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{patches: make(map[string][]store.EntryPatch)}
}

func (f *fakeLogs) UpdateEntry(_ context.Context, id string, patch store.EntryPatch, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[id] = append(f.patches[id], patch)
	return nil
}

func (f *fakeLogs) lastPatch(id string) (store.EntryPatch, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.patches[id]
	if len(ps) == 0 {
		return store.EntryPatch{}, false
	}
	return ps[len(ps)-1], true
}

func testConfig() Config {
	return Config{
		MaxRetries:  3,
		RetryPolicy: backoff.Linear(time.Millisecond),
		Retention:   7 * 24 * time.Hour,
	}
}

func startManager(t *testing.T, snap *fakeSnap, logs LogStore, h Handler) *Manager {
	t.Helper()
	m := NewManager(snap, logs, nil, testConfig())
	if h != nil {
		m.Register(TypeFetchFoodMacros, h)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTaskSuccessPersistsEveryMutation(t *testing.T) {
	snap := &fakeSnap{}
	m := startManager(t, snap, nil, func(context.Context, map[string]string) (string, error) {
		return `{"calories":90}`, nil
	})

	id := m.EnqueueFoodMacrosFetch("banana", "e1")
	waitFor(t, func() bool { return m.Stats().Completed == 1 })

	ts := m.Tasks()
	if len(ts) != 1 || ts[0].ID != id {
		t.Fatalf("unexpected tasks %+v", ts)
	}
	if ts[0].Result != `{"calories":90}` || ts[0].Error != "" {
		t.Fatalf("unexpected outcome %+v", ts[0])
	}
	// enqueue, processing, completed: at least three snapshot writes.
	if snap.saveCount() < 3 {
		t.Fatalf("expected a persist per mutation, got %d", snap.saveCount())
	}
	var persisted []Task
	if err := json.Unmarshal(snap.bytes(), &persisted); err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 || persisted[0].Status != StatusCompleted {
		t.Fatalf("persisted list stale: %+v", persisted)
	}
}

func TestTaskRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	m := startManager(t, &fakeSnap{}, nil, func(context.Context, map[string]string) (string, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	m.EnqueueFoodMacrosFetch("oatmeal", "e1")
	waitFor(t, func() bool { return m.Stats().Completed == 1 })

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	ts := m.Tasks()
	if ts[0].RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", ts[0].RetryCount)
	}
}

func TestTaskExhaustsRetriesAndFlagsEntry(t *testing.T) {
	var attempts int32
	logs := newFakeLogs()
	m := startManager(t, &fakeSnap{}, logs, func(context.Context, map[string]string) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "", errors.New("macro service down")
	})

	m.EnqueueFoodMacrosFetch("mystery stew", "e42")
	waitFor(t, func() bool {
		ts := m.Tasks()
		return len(ts) == 1 && ts[0].Status == StatusFailed && ts[0].RetryCount >= 3
	})

	// Exactly max attempts, no more.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	ts := m.Tasks()
	if ts[0].Error == "" {
		t.Fatal("terminal task should carry last error")
	}

	patch, ok := logs.lastPatch("e42")
	if !ok {
		t.Fatal("entry never flagged after terminal failure")
	}
	if patch.Status == nil || *patch.Status != store.EntryFailed {
		t.Fatalf("expected entry status failed, got %+v", patch)
	}
	if patch.Calories != nil {
		t.Fatal("terminal flagging must not touch placeholder macros")
	}
}

func TestProcessPendingResumesAfterRestart(t *testing.T) {
	// Simulate a crash mid-task: snapshot holds a processing task.
	persisted, _ := json.Marshal([]Task{{
		ID:     "t1",
		Type:   TypeFetchFoodMacros,
		Status: StatusProcessing,
		Payload: map[string]string{
			PayloadFoodName:   "banana",
			PayloadLogEntryID: "e1",
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}})
	snap := &fakeSnap{data: persisted}

	var calls int32
	m := startManager(t, snap, nil, func(context.Context, map[string]string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})

	if n := m.ProcessPendingTasks(); n != 1 {
		t.Fatalf("expected 1 task re-attempted, got %d", n)
	}
	waitFor(t, func() bool { return m.Stats().Completed == 1 })
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("handler calls = %d", calls)
	}

	// Completed tasks are never re-attempted.
	if n := m.ProcessPendingTasks(); n != 0 {
		t.Fatalf("completed task re-attempted %d time(s)", n)
	}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("duplicate handler call after completion: %d", calls)
	}
}

func TestCleanupCompletedTasks(t *testing.T) {
	m := startManager(t, &fakeSnap{}, nil, func(context.Context, map[string]string) (string, error) {
		return "ok", nil
	})
	m.EnqueueFoodMacrosFetch("banana", "e1")
	m.EnqueueFoodMacrosFetch("apple", "e2")
	waitFor(t, func() bool { return m.Stats().Completed == 2 })

	// Age one task past the window by hand.
	m.doWait(func() {
		m.tasks[0].UpdatedAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
	})

	if removed := m.CleanupCompletedTasks(7 * 24 * time.Hour); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if got := len(m.Tasks()); got != 1 {
		t.Fatalf("expected 1 task left, got %d", got)
	}
}

func TestNoHandlerIsTerminal(t *testing.T) {
	m := startManager(t, &fakeSnap{}, nil, nil)
	m.EnqueueFoodMacrosFetch("banana", "e1")
	waitFor(t, func() bool { return m.Stats().Failed == 1 })
	ts := m.Tasks()
	if ts[0].RetryCount < 3 {
		t.Fatalf("unhandled type should not be retried: %+v", ts[0])
	}
}

func TestFoodMacrosHandlerPatchesEntry(t *testing.T) {
	logs := newFakeLogs()
	nutrition := nutritionFunc(func(_ context.Context, food string) (llm.Macros, error) {
		if food != "banana" {
			return llm.Macros{}, fmt.Errorf("unexpected food %q", food)
		}
		return llm.Macros{Calories: 105, ProteinG: 1.3, CarbsG: 27, FatG: 0.4}, nil
	})
	h := NewFoodMacrosHandler(logs, nutrition, nil)

	result, err := h(context.Background(), map[string]string{
		PayloadFoodName:   "banana",
		PayloadLogEntryID: "e1",
	})
	if err != nil {
		t.Fatal(err)
	}
	var m llm.Macros
	if err := json.Unmarshal([]byte(result), &m); err != nil {
		t.Fatal(err)
	}
	if m.Calories != 105 {
		t.Fatalf("unexpected result %q", result)
	}

	patch, ok := logs.lastPatch("e1")
	if !ok {
		t.Fatal("entry not patched")
	}
	if patch.Status == nil || *patch.Status != store.EntryDone {
		t.Fatalf("entry not promoted to done: %+v", patch)
	}
	if patch.Calories == nil || *patch.Calories != 105 || patch.ProteinG == nil || *patch.ProteinG != 1.3 {
		t.Fatalf("macros not applied: %+v", patch)
	}
	if patch.Notes != nil {
		t.Fatalf("balanced macros should not be flagged: %q", *patch.Notes)
	}
}

func TestFoodMacrosHandlerFlagsMismatch(t *testing.T) {
	logs := newFakeLogs()
	nutrition := nutritionFunc(func(context.Context, string) (llm.Macros, error) {
		// 4/4/9 derivation is ~36 kcal against a claimed 500.
		return llm.Macros{Calories: 500, ProteinG: 2, CarbsG: 3, FatG: 1.8}, nil
	})
	h := NewFoodMacrosHandler(logs, nutrition, nil)

	if _, err := h(context.Background(), map[string]string{
		PayloadFoodName:   "mystery bar",
		PayloadLogEntryID: "e1",
	}); err != nil {
		t.Fatal(err)
	}
	patch, _ := logs.lastPatch("e1")
	if patch.Notes == nil {
		t.Fatal("mismatch not flagged")
	}
	if patch.Status == nil || *patch.Status != store.EntryDone {
		t.Fatal("flagged entry should still complete")
	}
}

func TestFoodMacrosHandlerMissingPayload(t *testing.T) {
	h := NewFoodMacrosHandler(newFakeLogs(), nutritionFunc(func(context.Context, string) (llm.Macros, error) {
		t.Fatal("nutrition should not be called")
		return llm.Macros{}, nil
	}), nil)
	if _, err := h(context.Background(), map[string]string{PayloadFoodName: "banana"}); err == nil {
		t.Fatal("expected error for missing entry id")
	}
}

func TestEnergyBalanced(t *testing.T) {
	cases := []struct {
		name string
		m    llm.Macros
		want bool
	}{
		{"banana", llm.Macros{Calories: 105, ProteinG: 1.3, CarbsG: 27, FatG: 0.4}, true},
		{"zero", llm.Macros{}, true},
		{"wildly off", llm.Macros{Calories: 500, ProteinG: 2, CarbsG: 3, FatG: 1.8}, false},
		{"within tolerance", llm.Macros{Calories: 200, ProteinG: 10, CarbsG: 20, FatG: 10}, true},
	}
	for _, tc := range cases {
		if got := EnergyBalanced(tc.m); got != tc.want {
			t.Errorf("%s: EnergyBalanced = %v, want %v", tc.name, got, tc.want)
		}
	}
}

type nutritionFunc func(context.Context, string) (llm.Macros, error)

func (f nutritionFunc) EstimateFoodMacros(ctx context.Context, food string) (llm.Macros, error) {
	return f(ctx, food)
}
