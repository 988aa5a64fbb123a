// Package watch monitors the transcript drop directory and feeds finished
// transcripts into the recognition pipeline.
package watch

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"voicelog/internal/config"
)

// Submitter receives a finished transcript for one recognition cycle.
type Submitter interface {
	SubmitTranscript(recordingID, transcript, audioHandle string)
}

// Watcher monitors TranscriptsDir for new transcript files.
type Watcher struct {
	cfg config.Config
	sub Submitter
}

func New(cfg config.Config, sub Submitter) *Watcher {
	return &Watcher{cfg: cfg, sub: sub}
}

func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher {
		log.Println("watcher disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-watcher.Events:
				if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && w.isTranscript(evt.Name) {
					w.submit(evt.Name)
				}
			case err := <-watcher.Errors:
				log.Printf("watcher error: %v", err)
			}
		}
	}()
	return watcher.Add(w.cfg.TranscriptsDir)
}

func (w *Watcher) isTranscript(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".txt"
}

func (w *Watcher) submit(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("read transcript %s: %v", path, err)
		return
	}
	transcript := strings.TrimSpace(string(data))
	recordingID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	w.sub.SubmitTranscript(recordingID, transcript, path)
}

// Backfill submits transcripts already present in the directory.
func (w *Watcher) Backfill(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(w.cfg.TranscriptsDir, "*"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if w.isTranscript(e) {
			w.submit(e)
		}
	}
	return nil
}
