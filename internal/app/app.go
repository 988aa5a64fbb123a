// Package app wires the pipeline together: store, completion client, task
// queue, executor, state machine, watcher, and the HTTP surface. Everything
// is constructed explicitly here and torn down when the run context ends.
package app

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"voicelog/internal/backoff"
	"voicelog/internal/config"
	"voicelog/internal/events"
	"voicelog/internal/executor"
	"voicelog/internal/httpapi"
	"voicelog/internal/llm"
	"voicelog/internal/metrics"
	"voicelog/internal/recognizer"
	"voicelog/internal/store"
	"voicelog/internal/tasks"
	"voicelog/internal/watch"
)

type App struct {
	cfg     config.Config
	store   *store.Store
	bus     *events.Bus
	metrics *metrics.Metrics
	manager *tasks.Manager
	machine *recognizer.Machine
	source  *recognizer.TextSource
	watcher *watch.Watcher
	httpSrv *http.Server
}

func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.TranscriptsDir, 0o755); err != nil {
		return nil, err
	}

	bus := events.NewBus()
	m := metrics.New()

	initialDelay := time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond
	client := llm.NewClient(llm.Options{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Retry: llm.RetryConfig{
			MaxAttempts:    cfg.RetryMaxAttempts,
			ServerBackoff:  backoff.Exponential(initialDelay, 2.0),
			NetworkBackoff: backoff.Exponential(initialDelay, 1.5),
		},
		CallTimeout: time.Duration(cfg.CallTimeoutSec) * time.Second,
	})

	manager := tasks.NewManager(st, st, m, tasks.Config{
		MaxRetries:  cfg.TaskMaxRetries,
		RetryPolicy: backoff.Linear(time.Duration(cfg.TaskRetryDelaySec) * time.Second),
		Retention:   time.Duration(cfg.TaskRetentionDays) * 24 * time.Hour,
		Now:         config.Now,
	})
	manager.Register(tasks.TypeFetchFoodMacros, tasks.NewFoodMacrosHandler(st, client, config.Now))

	exec := executor.New(st, manager, m, config.Now)
	source := recognizer.NewTextSource()
	machine := recognizer.New(source, client, exec, bus, m, recognizer.Config{
		Watchdog:    time.Duration(cfg.WatchdogSec) * time.Second,
		Observation: time.Duration(cfg.ObservationSec) * time.Second,
	})

	a := &App{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		metrics: m,
		manager: manager,
		machine: machine,
		source:  source,
	}
	a.watcher = watch.New(cfg, a)

	api := httpapi.New(cfg, machine, manager, st, a, bus, m)
	a.httpSrv = &http.Server{Addr: ":" + cfg.HTTPPort, Handler: api.Routes()}
	return a, nil
}

// SubmitTranscript stages a ready-made transcript and drives one recording
// cycle through the machine. When a cycle is already in flight the utterance
// stays staged and is picked up by the next submission.
func (a *App) SubmitTranscript(recordingID, transcript, audioHandle string) {
	a.source.Push(recognizer.Utterance{
		RecordingID: recordingID,
		Transcript:  transcript,
		AudioHandle: audioHandle,
	})
	snap := a.machine.Snapshot()
	if snap.State != recognizer.StateIdle {
		log.Printf("recording=%s staged, machine busy in state=%s", recordingID, snap.State)
		return
	}
	a.machine.StartRecording()
	a.machine.StopRecording()
}

// Run starts every component and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.machine.Start(ctx)

	if n := a.manager.ProcessPendingTasks(); n > 0 {
		log.Printf("resumed %d enrichment task(s)", n)
	}
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}

	go a.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on :%s", a.cfg.HTTPPort)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown()
		return err
	case <-ctx.Done():
	}
	a.shutdown()
	return nil
}

// sweepLoop periodically purges completed tasks past retention.
func (a *App) sweepLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.TaskSweepIntervalMin) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retention := time.Duration(a.cfg.TaskRetentionDays) * 24 * time.Hour
			if removed := a.manager.CleanupCompletedTasks(retention); removed > 0 {
				log.Printf("swept %d completed task(s)", removed)
			}
		}
	}
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	a.machine.Stop()
	a.manager.Stop()
	if err := a.store.Close(); err != nil {
		log.Printf("store close: %v", err)
	}
	log.Println("shutdown complete")
}
