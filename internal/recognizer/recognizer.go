// Package recognizer drives the voice recognition cycle: capture a
// transcript, classify it, extract structured actions, execute them, and
// surface the outcome. A single command loop owns every state mutation, so
// observers always see consistent transitions and re-entrant calls are
// rejected by the machine itself rather than by caller discipline.
package recognizer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"voicelog/internal/action"
	"voicelog/internal/events"
	"voicelog/internal/executor"
	"voicelog/internal/llm"
	"voicelog/internal/metrics"
)

// State is the recognition cycle state.
type State string

const (
	StateIdle        State = "idle"
	StateRecognizing State = "recognizing"
	StateExecuting   State = "executing"
	StateCompleted   State = "completed"
)

// Utterance is one finished recording: ephemeral, owned by the machine for
// the duration of a single cycle.
type Utterance struct {
	RecordingID string
	Duration    time.Duration
	Transcript  string
	AudioHandle string
}

// Capture abstracts the transcription source. Stop returns synchronously
// once the utterance is final.
type Capture interface {
	Authorized() bool
	Start() error
	Stop() (Utterance, error)
}

// Intelligence is the remote classify/extract surface.
type Intelligence interface {
	ClassifyIntent(ctx context.Context, transcript string) (llm.Intent, error)
	ExtractActions(ctx context.Context, transcript string) ([]action.Action, error)
}

// Runner executes extracted actions in order.
type Runner interface {
	Execute(ctx context.Context, actions []action.Action) []executor.Result
}

// Outcome is the user-visible result of one executed action.
type Outcome struct {
	Kind    string `json:"kind"`
	EntryID string `json:"entry_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Snapshot is a consistent view of the machine for pollers.
type Snapshot struct {
	State          State     `json:"state"`
	IsRecording    bool      `json:"is_recording"`
	RecordingID    string    `json:"recording_id,omitempty"`
	LastTranscript string    `json:"last_transcript,omitempty"`
	Message        string    `json:"message,omitempty"`
	Outcomes       []Outcome `json:"outcomes,omitempty"`
}

// Config tunes cycle timing.
type Config struct {
	Watchdog    time.Duration
	Observation time.Duration
}

// Machine is the recognition state machine. Construct with New, inject
// collaborators, call Start, and drive it through StartRecording /
// StopRecording / ClearExecutedActions.
type Machine struct {
	cmds chan func()
	done chan struct{}
	once sync.Once

	capture Capture
	intel   Intelligence
	exec    Runner
	bus     *events.Bus
	metrics *metrics.Metrics

	watchdog time.Duration
	observe  time.Duration

	runCtx context.Context

	// Loop-owned state.
	state          State
	recording      bool
	recordingID    string
	lastTranscript string
	message        string
	outcomes       []Outcome
	cycleID        uint64
	cycleCancel    context.CancelFunc
	watchdogTimer  *time.Timer
}

func New(capture Capture, intel Intelligence, exec Runner, bus *events.Bus, m *metrics.Metrics, cfg Config) *Machine {
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = 20 * time.Second
	}
	if cfg.Observation <= 0 {
		cfg.Observation = 4 * time.Second
	}
	return &Machine{
		cmds:     make(chan func(), 16),
		done:     make(chan struct{}),
		capture:  capture,
		intel:    intel,
		exec:     exec,
		bus:      bus,
		metrics:  m,
		watchdog: cfg.Watchdog,
		observe:  cfg.Observation,
		state:    StateIdle,
	}
}

// Start launches the command loop.
func (m *Machine) Start(ctx context.Context) {
	m.runCtx = ctx
	go m.loop()
}

// Stop shuts the command loop down and cancels any in-flight cycle.
func (m *Machine) Stop() {
	m.doWait(func() {
		if m.cycleCancel != nil {
			m.cycleCancel()
		}
	})
	m.once.Do(func() { close(m.done) })
}

func (m *Machine) loop() {
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.cmds:
			fn()
		}
	}
}

func (m *Machine) do(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

func (m *Machine) doWait(fn func()) {
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

// StartRecording begins a capture. No-op when already recording; rejected
// while a cycle is in flight; silent failure when capture is unauthorized.
func (m *Machine) StartRecording() {
	m.doWait(func() {
		if m.recording {
			return
		}
		if m.state != StateIdle {
			m.message = "busy processing the previous recording"
			return
		}
		if !m.capture.Authorized() {
			m.message = "microphone or speech permission not granted"
			log.Printf("recording rejected: capture not authorized")
			return
		}
		if err := m.capture.Start(); err != nil {
			m.message = "could not start recording"
			log.Printf("capture start: %v", err)
			return
		}
		m.recording = true
		m.message = ""
	})
}

// StopRecording finishes the capture and kicks off the asynchronous
// recognition cycle. No-op when not recording. Returns as soon as the
// transcript is validated; the cycle itself runs on its own goroutine.
func (m *Machine) StopRecording() {
	m.doWait(func() {
		if !m.recording {
			return
		}
		m.recording = false

		utt, err := m.capture.Stop()
		if err != nil {
			m.fail("recording capture failed")
			log.Printf("capture stop: %v", err)
			return
		}
		if strings.TrimSpace(utt.Transcript) == "" || utt.AudioHandle == "" {
			m.fail("nothing was heard, try again")
			return
		}
		m.beginCycle(utt)
	})
}

// ClearExecutedActions discards the displayed outcomes and, when the cycle
// is in its observation window, returns to idle immediately.
func (m *Machine) ClearExecutedActions() {
	m.doWait(func() {
		m.outcomes = nil
		if m.state == StateCompleted {
			m.toIdle("")
		}
	})
}

// Snapshot returns a consistent copy of the observable state.
func (m *Machine) Snapshot() Snapshot {
	var s Snapshot
	m.doWait(func() {
		s = Snapshot{
			State:          m.state,
			IsRecording:    m.recording,
			RecordingID:    m.recordingID,
			LastTranscript: m.lastTranscript,
			Message:        m.message,
			Outcomes:       append([]Outcome(nil), m.outcomes...),
		}
	})
	return s
}

// beginCycle transitions idle -> recognizing and spawns the cycle
// goroutine. Loop-only.
func (m *Machine) beginCycle(utt Utterance) {
	m.cycleID++
	id := m.cycleID
	m.recordingID = utt.RecordingID
	m.lastTranscript = utt.Transcript
	m.outcomes = nil
	m.message = ""

	ctx, cancel := context.WithCancel(m.runCtx)
	m.cycleCancel = cancel
	// Watchdog: whatever the cycle is doing, the machine returns to idle.
	m.watchdogTimer = time.AfterFunc(m.watchdog, func() {
		m.do(func() {
			if id != m.cycleID || m.state == StateIdle {
				return
			}
			if m.metrics != nil {
				m.metrics.RecordCycleTimeout()
			}
			log.Printf("cycle=%d recording=%s watchdog fired in state=%s", id, m.recordingID, m.state)
			m.toIdle("recognition timed out")
		})
	})

	m.setState(StateRecognizing)
	if m.metrics != nil {
		m.metrics.RecordCycleStarted()
	}
	go m.runCycle(ctx, id, utt)
}

// runCycle performs the remote steps off the loop, reporting each
// transition back through it. Stale cycles (superseded or timed out) are
// dropped at each report point.
func (m *Machine) runCycle(ctx context.Context, id uint64, utt Utterance) {
	intent, err := m.intel.ClassifyIntent(ctx, utt.Transcript)
	if err != nil {
		m.failCycle(id, "could not understand the recording", err)
		return
	}
	if !intent.HasAction {
		m.do(func() {
			if id != m.cycleID || m.state != StateRecognizing {
				return
			}
			m.complete("no loggable action heard", nil)
		})
		return
	}

	actions, err := m.intel.ExtractActions(ctx, utt.Transcript)
	if err != nil {
		m.failCycle(id, "could not extract actions", err)
		return
	}

	if !m.advance(id, StateRecognizing, StateExecuting) {
		return
	}
	results := m.exec.Execute(ctx, actions)

	m.do(func() {
		if id != m.cycleID || m.state != StateExecuting {
			return
		}
		outcomes, failed := summarize(results)
		if len(results) > 0 && failed == len(results) {
			m.toIdle("none of the actions could be logged")
			return
		}
		m.outcomes = outcomes
		m.complete(batchMessage(len(results), failed), outcomes)
	})
}

// advance moves the machine from one state to the next if the cycle is
// still current, reporting whether it did.
func (m *Machine) advance(id uint64, from, to State) bool {
	ok := false
	m.doWait(func() {
		if id != m.cycleID || m.state != from {
			return
		}
		m.setState(to)
		ok = true
	})
	return ok
}

// complete enters the observation window. Loop-only.
func (m *Machine) complete(message string, outcomes []Outcome) {
	m.outcomes = outcomes
	m.message = message
	m.setState(StateCompleted)
	if m.metrics != nil {
		m.metrics.RecordCycleComplete()
	}
	id := m.cycleID
	time.AfterFunc(m.observe, func() {
		m.do(func() {
			if id == m.cycleID && m.state == StateCompleted {
				m.toIdle("")
			}
		})
	})
}

func (m *Machine) failCycle(id uint64, message string, err error) {
	log.Printf("cycle=%d failed: %v", id, err)
	m.do(func() {
		if id != m.cycleID || m.state == StateIdle {
			return
		}
		m.toIdle(message)
	})
}

// fail records a user-visible message without ever leaving idle. Loop-only.
func (m *Machine) fail(message string) {
	m.message = message
	m.publish()
}

// toIdle is the single exit path: cancels the cycle, stops the watchdog,
// and returns to idle. Loop-only.
func (m *Machine) toIdle(message string) {
	if m.cycleCancel != nil {
		m.cycleCancel()
		m.cycleCancel = nil
	}
	if m.watchdogTimer != nil {
		m.watchdogTimer.Stop()
		m.watchdogTimer = nil
	}
	m.message = message
	m.setState(StateIdle)
}

func (m *Machine) setState(s State) {
	m.state = s
	m.publish()
}

func (m *Machine) publish() {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.StateChange{
		RecordingID: m.recordingID,
		State:       string(m.state),
		Message:     m.message,
		At:          time.Now().UTC(),
	})
}

func summarize(results []executor.Result) ([]Outcome, int) {
	outcomes := make([]Outcome, 0, len(results))
	failed := 0
	for _, r := range results {
		o := Outcome{Kind: string(r.Kind), EntryID: r.EntryID, TaskID: r.TaskID}
		if r.Err != nil {
			o.Error = r.Err.Error()
			failed++
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, failed
}

func batchMessage(total, failed int) string {
	switch {
	case total == 0:
		return "nothing to log"
	case failed == 0:
		return fmt.Sprintf("logged %d action(s)", total)
	default:
		return fmt.Sprintf("logged %d of %d action(s)", total-failed, total)
	}
}
