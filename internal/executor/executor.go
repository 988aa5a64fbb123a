// Package executor turns extracted actions into health-log writes. Actions
// execute in order; a bad action fails alone without aborting the batch.
package executor

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"voicelog/internal/action"
	"voicelog/internal/metrics"
	"voicelog/internal/store"
)

// LogStore is the slice of the health log the executor appends into.
type LogStore interface {
	AppendEntry(ctx context.Context, e *store.Entry) error
}

// Enqueuer defers macro enrichment so the recognition cycle never waits on it.
type Enqueuer interface {
	EnqueueFoodMacrosFetch(foodName, logEntryID string) string
}

// Result is the per-action outcome. A batch summary is derived from the
// slice, never from a single flag.
type Result struct {
	Kind    action.Kind `json:"kind"`
	EntryID string      `json:"entry_id,omitempty"`
	TaskID  string      `json:"task_id,omitempty"`
	Err     error       `json:"-"`
}

// Failed reports whether this action's execution failed.
func (r Result) Failed() bool { return r.Err != nil }

// Executor dispatches structured actions by kind.
type Executor struct {
	logs    LogStore
	tasks   Enqueuer
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(logs LogStore, tasks Enqueuer, m *metrics.Metrics, now func() time.Time) *Executor {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{logs: logs, tasks: tasks, metrics: m, now: now}
}

// Execute runs the actions in the order given and returns one Result per
// action. Failures are recorded in the matching Result and do not stop the
// remaining actions.
func (e *Executor) Execute(ctx context.Context, actions []action.Action) []Result {
	results := make([]Result, 0, len(actions))
	for _, a := range actions {
		r := e.executeOne(ctx, a)
		if e.metrics != nil {
			e.metrics.RecordAction(r.Err)
		}
		if r.Err != nil {
			log.Printf("action=%s failed: %v", a.Kind, r.Err)
		}
		results = append(results, r)
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, a action.Action) Result {
	r := Result{Kind: a.Kind}
	switch a.Kind {
	case action.KindLogWater:
		r.EntryID, r.Err = e.logWater(ctx, a)
	case action.KindLogFood:
		r.EntryID, r.TaskID, r.Err = e.logFood(ctx, a)
	case action.KindLogSymptom:
		r.EntryID, r.Err = e.logSymptom(ctx, a)
	case action.KindLogVitamin:
		r.EntryID, r.Err = e.logVitamin(ctx, a)
	case action.KindAddVitamin:
		r.EntryID, r.Err = e.addVitamin(ctx, a)
	case action.KindUnknown:
		// Extractor was unsure; nothing to write.
	default:
		r.Err = fmt.Errorf("unsupported action kind %q", a.Kind)
	}
	return r
}

func (e *Executor) logWater(ctx context.Context, a action.Action) (string, error) {
	amount := strings.TrimSpace(a.Details.Amount)
	if amount == "" {
		return "", fmt.Errorf("log_water requires an amount")
	}
	if _, err := strconv.ParseFloat(amount, 64); err != nil {
		return "", fmt.Errorf("log_water amount %q is not numeric", amount)
	}
	unit := a.Details.Unit
	if unit == "" {
		unit = "ml"
	}
	entry := e.newEntry(a, store.TypeWater, store.EntryDone)
	entry.Item = "water"
	entry.Amount = amount
	entry.Unit = unit
	return entry.ID, e.logs.AppendEntry(ctx, entry)
}

// logFood writes the entry immediately with zeroed macros so the item shows
// up in the log at once, then hands the macro fetch to the queue.
func (e *Executor) logFood(ctx context.Context, a action.Action) (string, string, error) {
	item := strings.TrimSpace(a.Details.Item)
	if item == "" {
		return "", "", fmt.Errorf("log_food requires an item")
	}
	entry := e.newEntry(a, store.TypeFood, store.EntryProcessing)
	entry.Item = item
	entry.Amount = a.Details.Amount
	entry.Unit = a.Details.Unit
	if len(a.Details.Components) > 0 {
		entry.Notes = joinNotes(a.Details.Notes, "components: "+componentList(a.Details.Components))
	}
	if err := e.logs.AppendEntry(ctx, entry); err != nil {
		return "", "", err
	}
	taskID := e.tasks.EnqueueFoodMacrosFetch(item, entry.ID)
	return entry.ID, taskID, nil
}

func (e *Executor) logSymptom(ctx context.Context, a action.Action) (string, error) {
	symptoms := make([]string, 0, len(a.Details.Symptoms))
	for _, s := range a.Details.Symptoms {
		if s = strings.TrimSpace(s); s != "" {
			symptoms = append(symptoms, s)
		}
	}
	if len(symptoms) == 0 {
		return "", fmt.Errorf("log_symptom requires at least one symptom")
	}
	entry := e.newEntry(a, store.TypeSymptom, store.EntryDone)
	entry.Item = strings.Join(symptoms, ", ")
	entry.Severity = a.Details.Severity
	return entry.ID, e.logs.AppendEntry(ctx, entry)
}

func (e *Executor) logVitamin(ctx context.Context, a action.Action) (string, error) {
	item := strings.TrimSpace(a.Details.Item)
	if item == "" {
		return "", fmt.Errorf("log_vitamin requires an item")
	}
	entry := e.newEntry(a, store.TypeVitamin, store.EntryDone)
	entry.Item = item
	entry.Amount = a.Details.Amount
	entry.Unit = a.Details.Unit
	return entry.ID, e.logs.AppendEntry(ctx, entry)
}

// addVitamin registers a recurring supplement plan rather than a single dose.
func (e *Executor) addVitamin(ctx context.Context, a action.Action) (string, error) {
	item := strings.TrimSpace(a.Details.Item)
	if item == "" {
		return "", fmt.Errorf("add_vitamin requires an item")
	}
	entry := e.newEntry(a, store.TypeVitaminPlan, store.EntryDone)
	entry.Item = item
	entry.Amount = a.Details.Amount
	entry.Unit = a.Details.Unit
	entry.Notes = joinNotes(entry.Notes, "frequency: "+string(action.ParseFrequency(a.Details.Frequency)))
	return entry.ID, e.logs.AppendEntry(ctx, entry)
}

func (e *Executor) newEntry(a action.Action, entryType, status string) *store.Entry {
	now := e.now()
	return &store.Entry{
		ID:        uuid.NewString(),
		Type:      entryType,
		Notes:     a.Details.Notes,
		Status:    status,
		Source:    "voice",
		LoggedAt:  action.ResolveTimestamp(a.Details, now),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func componentList(cs []action.Component) string {
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, c.Item)
	}
	return strings.Join(names, ", ")
}

func joinNotes(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "; ")
}
