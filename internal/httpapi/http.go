// Package httpapi exposes the ops and read surface: recognition state,
// log entries, the enrichment queue, and maintenance triggers.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"voicelog/internal/config"
	"voicelog/internal/events"
	"voicelog/internal/metrics"
	"voicelog/internal/recognizer"
	"voicelog/internal/store"
	"voicelog/internal/tasks"
)

// Recognizer is the observable slice of the state machine.
type Recognizer interface {
	Snapshot() recognizer.Snapshot
	ClearExecutedActions()
}

// TaskManager is the queue's ops surface.
type TaskManager interface {
	Tasks() []tasks.Task
	Stats() tasks.Stats
	ProcessPendingTasks() int
	CleanupCompletedTasks(olderThan time.Duration) int
}

// EntryStore is the read side of the health log.
type EntryStore interface {
	ListEntries(ctx context.Context, limit int) ([]store.Entry, error)
	Health(ctx context.Context) error
}

// Submitter accepts a transcript for recognition.
type Submitter interface {
	SubmitTranscript(recordingID, transcript, audioHandle string)
}

type Server struct {
	cfg     config.Config
	rec     Recognizer
	tasks   TaskManager
	entries EntryStore
	sub     Submitter
	bus     *events.Bus
	metrics *metrics.Metrics
}

func New(cfg config.Config, rec Recognizer, tm TaskManager, entries EntryStore, sub Submitter, bus *events.Bus, m *metrics.Metrics) *Server {
	return &Server{cfg: cfg, rec: rec, tasks: tm, entries: entries, sub: sub, bus: bus, metrics: m}
}

// Routes builds the mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ops/status", s.handleStatus)
	mux.HandleFunc("/ops/health", s.handleHealth)
	mux.HandleFunc("/ops/events", s.handleEvents)
	mux.HandleFunc("/ops/tasks/process", s.handleProcessTasks)
	mux.HandleFunc("/ops/tasks/cleanup", s.handleCleanupTasks)
	mux.HandleFunc("/api/entries", s.handleEntries)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/recognition", s.handleRecognition)
	mux.HandleFunc("/api/recognition/clear", s.handleClear)
	mux.HandleFunc("/api/utterance", s.handleUtterance)
	return mux
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dbStatus := map[string]interface{}{"db_ok": true, "db_path": s.cfg.DBPath}
	if err := s.entries.Health(r.Context()); err != nil {
		dbStatus["db_ok"] = false
		dbStatus["last_db_error"] = err.Error()
	}
	summary := map[string]interface{}{
		"config": map[string]interface{}{
			"TRANSCRIPTS_DIR": s.cfg.TranscriptsDir,
			"DB_PATH":         s.cfg.DBPath,
			"WATCHDOG_SEC":    s.cfg.WatchdogSec,
			"OBSERVATION_SEC": s.cfg.ObservationSec,
			"LLM_MODEL":       s.cfg.LLMModel,
		},
		"recognition": s.rec.Snapshot(),
		"tasks":       s.tasks.Stats(),
		"metrics":     s.metrics.Snapshot(),
		"db":          dbStatus,
	}
	respondJSON(w, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.entries.Health(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

// handleEvents streams recognition state changes as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleProcessTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	attempted := s.tasks.ProcessPendingTasks()
	respondJSON(w, map[string]interface{}{"attempted": attempted})
}

func (s *Server) handleCleanupTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		OlderThanDays int `json:"older_than_days"`
	}
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}
	removed := s.tasks.CleanupCompletedTasks(time.Duration(req.OlderThanDays) * 24 * time.Hour)
	respondJSON(w, map[string]interface{}{"removed": removed})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.entries.ListEntries(r.Context(), limit)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]interface{}{"entries": entries})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, map[string]interface{}{"tasks": s.tasks.Tasks(), "stats": s.tasks.Stats()})
}

func (s *Server) handleRecognition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, s.rec.Snapshot())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.rec.ClearExecutedActions()
	respondJSON(w, map[string]string{"status": "cleared"})
}

// handleUtterance accepts a transcript directly, bypassing the watch
// directory. Recognition runs asynchronously; poll /api/recognition for the
// outcome.
func (s *Server) handleUtterance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		RecordingID string `json:"recording_id"`
		Transcript  string `json:"transcript"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Transcript) == "" {
		http.Error(w, "transcript required", http.StatusBadRequest)
		return
	}
	if req.RecordingID == "" {
		req.RecordingID = uuid.NewString()
	}
	s.sub.SubmitTranscript(req.RecordingID, req.Transcript, "api:"+req.RecordingID)
	w.WriteHeader(http.StatusAccepted)
	respondJSON(w, map[string]string{"recording_id": req.RecordingID})
}
