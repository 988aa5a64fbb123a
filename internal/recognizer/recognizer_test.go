package recognizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voicelog/internal/action"
	"voicelog/internal/executor"
	"voicelog/internal/llm"
)

type stubCapture struct {
	authorized bool
	utt        Utterance
	stopErr    error
	starts     int
}

func (c *stubCapture) Authorized() bool { return c.authorized }
func (c *stubCapture) Start() error {
	c.starts++
	return nil
}
func (c *stubCapture) Stop() (Utterance, error) { return c.utt, c.stopErr }

type fakeIntel struct {
	mu            sync.Mutex
	intent        llm.Intent
	intentErr     error
	actions       []action.Action
	extractErr    error
	classifyCalls int
	extractCalls  int
	block         chan struct{}
}

func (f *fakeIntel) ClassifyIntent(ctx context.Context, _ string) (llm.Intent, error) {
	f.mu.Lock()
	f.classifyCalls++
	block, intent, err := f.block, f.intent, f.intentErr
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return llm.Intent{}, ctx.Err()
		}
	}
	return intent, err
}

func (f *fakeIntel) ExtractActions(context.Context, string) ([]action.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractCalls++
	return f.actions, f.extractErr
}

func (f *fakeIntel) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.classifyCalls, f.extractCalls
}

type fakeRunner struct {
	mu       sync.Mutex
	results  []executor.Result
	executed [][]action.Action
}

func (r *fakeRunner) Execute(_ context.Context, actions []action.Action) []executor.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, actions)
	if r.results != nil {
		return r.results
	}
	out := make([]executor.Result, 0, len(actions))
	for _, a := range actions {
		out = append(out, executor.Result{Kind: a.Kind, EntryID: "e-" + string(a.Kind)})
	}
	return out
}

func testUtterance() Utterance {
	return Utterance{RecordingID: "r1", Transcript: "I drank some water", AudioHandle: "a1", Duration: 2 * time.Second}
}

func startMachine(t *testing.T, capture Capture, intel Intelligence, run Runner, cfg Config) *Machine {
	t.Helper()
	if cfg.Watchdog == 0 {
		cfg.Watchdog = 2 * time.Second
	}
	if cfg.Observation == 0 {
		cfg.Observation = 40 * time.Millisecond
	}
	m := New(capture, intel, run, nil, nil, cfg)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func waitState(t *testing.T, m *Machine, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last Snapshot
	for time.Now().Before(deadline) {
		last = m.Snapshot()
		if last.State == want {
			return last
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("never reached %s, last snapshot %+v", want, last)
	return last
}

func TestFullCycleWaterAction(t *testing.T) {
	intel := &fakeIntel{
		intent:  llm.Intent{HasAction: true, ActionTypes: []string{"log_water"}},
		actions: []action.Action{{Kind: action.KindLogWater, Details: action.Details{Amount: "16", Unit: "oz"}}},
	}
	run := &fakeRunner{}
	m := startMachine(t, &stubCapture{authorized: true, utt: testUtterance()}, intel, run, Config{})

	m.StartRecording()
	if !m.Snapshot().IsRecording {
		t.Fatal("expected recording to start")
	}
	m.StopRecording()

	snap := waitState(t, m, StateCompleted)
	if len(snap.Outcomes) != 1 || snap.Outcomes[0].Kind != "log_water" || snap.Outcomes[0].Error != "" {
		t.Fatalf("unexpected outcomes %+v", snap.Outcomes)
	}
	if snap.LastTranscript != "I drank some water" {
		t.Fatalf("transcript not surfaced: %+v", snap)
	}

	// Observation window elapses on its own.
	snap = waitState(t, m, StateIdle)
	if run.executed == nil {
		t.Fatal("executor never ran")
	}
}

func TestNoActionShortCircuits(t *testing.T) {
	intel := &fakeIntel{intent: llm.Intent{HasAction: false}}
	m := startMachine(t, &stubCapture{authorized: true, utt: testUtterance()}, intel, &fakeRunner{}, Config{})

	m.StartRecording()
	m.StopRecording()

	snap := waitState(t, m, StateCompleted)
	if len(snap.Outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %+v", snap.Outcomes)
	}
	if snap.Message == "" {
		t.Fatal("short-circuit should explain itself")
	}
	if _, extracts := intel.calls(); extracts != 0 {
		t.Fatalf("extraction should be skipped, got %d calls", extracts)
	}
	waitState(t, m, StateIdle)
}

func TestEmptyTranscriptAbortsBeforeRecognizing(t *testing.T) {
	intel := &fakeIntel{}
	capture := &stubCapture{authorized: true, utt: Utterance{RecordingID: "r1", AudioHandle: "a1"}}
	m := startMachine(t, capture, intel, &fakeRunner{}, Config{})

	m.StartRecording()
	m.StopRecording()

	snap := m.Snapshot()
	if snap.State != StateIdle || snap.Message == "" {
		t.Fatalf("expected idle with message, got %+v", snap)
	}
	if classifies, _ := intel.calls(); classifies != 0 {
		t.Fatal("no remote call should happen for an empty transcript")
	}
}

func TestStartRecordingDeniedPermission(t *testing.T) {
	capture := &stubCapture{authorized: false}
	m := startMachine(t, capture, &fakeIntel{}, &fakeRunner{}, Config{})

	m.StartRecording()
	snap := m.Snapshot()
	if snap.IsRecording {
		t.Fatal("unauthorized capture must not record")
	}
	if snap.Message == "" {
		t.Fatal("denial should leave a user-visible message")
	}
	if capture.starts != 0 {
		t.Fatal("capture must not be started")
	}
}

func TestStartRecordingIdempotent(t *testing.T) {
	capture := &stubCapture{authorized: true, utt: testUtterance()}
	m := startMachine(t, capture, &fakeIntel{}, &fakeRunner{}, Config{})

	m.StartRecording()
	m.StartRecording()
	if capture.starts != 1 {
		t.Fatalf("expected one capture start, got %d", capture.starts)
	}
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	intel := &fakeIntel{}
	m := startMachine(t, &stubCapture{authorized: true, utt: testUtterance()}, intel, &fakeRunner{}, Config{})

	m.StopRecording()
	if classifies, _ := intel.calls(); classifies != 0 {
		t.Fatal("stop without start must not begin a cycle")
	}
	if got := m.Snapshot().State; got != StateIdle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestRecordingRejectedWhileCycleInFlight(t *testing.T) {
	block := make(chan struct{})
	intel := &fakeIntel{intent: llm.Intent{HasAction: false}, block: block}
	capture := &stubCapture{authorized: true, utt: testUtterance()}
	m := startMachine(t, capture, intel, &fakeRunner{}, Config{})

	m.StartRecording()
	m.StopRecording()
	waitState(t, m, StateRecognizing)

	m.StartRecording()
	snap := m.Snapshot()
	if snap.IsRecording {
		t.Fatal("machine must reject recording while a cycle is in flight")
	}
	if capture.starts != 1 {
		t.Fatalf("expected one capture start, got %d", capture.starts)
	}

	close(block)
	waitState(t, m, StateIdle)
}

func TestWatchdogForcesIdle(t *testing.T) {
	// Classifier hangs until its context is cancelled.
	intel := &fakeIntel{block: make(chan struct{})}
	m := startMachine(t, &stubCapture{authorized: true, utt: testUtterance()}, intel, &fakeRunner{},
		Config{Watchdog: 60 * time.Millisecond})

	m.StartRecording()
	m.StopRecording()
	waitState(t, m, StateRecognizing)

	snap := waitState(t, m, StateIdle)
	if snap.Message == "" {
		t.Fatal("timeout should leave a user-visible message")
	}
}

func TestClassifierErrorReturnsToIdle(t *testing.T) {
	intel := &fakeIntel{intentErr: errors.New("boom")}
	m := startMachine(t, &stubCapture{authorized: true, utt: testUtterance()}, intel, &fakeRunner{}, Config{})

	m.StartRecording()
	m.StopRecording()

	snap := waitState(t, m, StateIdle)
	if snap.Message == "" {
		t.Fatal("failure should leave a user-visible message")
	}
}

func TestAllActionsFailedIsHardFailure(t *testing.T) {
	intel := &fakeIntel{
		intent:  llm.Intent{HasAction: true},
		actions: []action.Action{{Kind: action.KindLogWater}},
	}
	run := &fakeRunner{results: []executor.Result{{Kind: action.KindLogWater, Err: errors.New("bad amount")}}}
	m := startMachine(t, &stubCapture{authorized: true, utt: testUtterance()}, intel, run, Config{})

	m.StartRecording()
	m.StopRecording()

	snap := waitState(t, m, StateIdle)
	if snap.Message == "" {
		t.Fatal("hard failure should leave a message")
	}
}

func TestPartialFailureStillCompletes(t *testing.T) {
	intel := &fakeIntel{
		intent: llm.Intent{HasAction: true},
		actions: []action.Action{
			{Kind: action.KindLogWater},
			{Kind: action.KindLogFood, Details: action.Details{Item: "apple"}},
		},
	}
	run := &fakeRunner{results: []executor.Result{
		{Kind: action.KindLogWater, Err: errors.New("bad amount")},
		{Kind: action.KindLogFood, EntryID: "e1", TaskID: "t1"},
	}}
	m := startMachine(t, &stubCapture{authorized: true, utt: testUtterance()}, intel, run, Config{})

	m.StartRecording()
	m.StopRecording()

	snap := waitState(t, m, StateCompleted)
	if len(snap.Outcomes) != 2 {
		t.Fatalf("each action needs its own outcome, got %+v", snap.Outcomes)
	}
	if snap.Outcomes[0].Error == "" || snap.Outcomes[1].Error != "" {
		t.Fatalf("per-action errors misattributed: %+v", snap.Outcomes)
	}
	waitState(t, m, StateIdle)
}

func TestClearExecutedActionsEndsObservationEarly(t *testing.T) {
	intel := &fakeIntel{intent: llm.Intent{HasAction: false}}
	m := startMachine(t, &stubCapture{authorized: true, utt: testUtterance()}, intel, &fakeRunner{},
		Config{Observation: 5 * time.Second})

	m.StartRecording()
	m.StopRecording()
	waitState(t, m, StateCompleted)

	m.ClearExecutedActions()
	snap := m.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("clear should force idle, got %s", snap.State)
	}
	if len(snap.Outcomes) != 0 {
		t.Fatal("outcomes should be cleared")
	}
}

func TestTextSourceFIFO(t *testing.T) {
	s := NewTextSource()
	if _, err := s.Stop(); err == nil {
		t.Fatal("empty source should error")
	}
	s.Push(Utterance{RecordingID: "a"})
	s.Push(Utterance{RecordingID: "b"})
	first, err := s.Stop()
	if err != nil || first.RecordingID != "a" {
		t.Fatalf("expected oldest first, got %+v err=%v", first, err)
	}
}
