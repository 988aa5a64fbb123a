package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voicelog/internal/config"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	got  []string
	seen chan struct{}
}

func newRecordingSubmitter() *recordingSubmitter {
	return &recordingSubmitter{seen: make(chan struct{}, 8)}
}

func (s *recordingSubmitter) SubmitTranscript(recordingID, transcript, _ string) {
	s.mu.Lock()
	s.got = append(s.got, recordingID+":"+transcript)
	s.mu.Unlock()
	s.seen <- struct{}{}
}

func (s *recordingSubmitter) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

func TestWatcherSubmitsNewTranscript(t *testing.T) {
	dir := t.TempDir()
	sub := newRecordingSubmitter()
	w := New(config.Config{EnableWatcher: true, TranscriptsDir: dir}, sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "rec-1.txt"), []byte("I drank water\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("transcript never submitted")
	}
	got := sub.all()
	if got[0] != "rec-1:I drank water" {
		t.Fatalf("unexpected submission %q", got[0])
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	sub := newRecordingSubmitter()
	w := New(config.Config{EnableWatcher: true, TranscriptsDir: dir}, sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "clip.wav"), []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub.seen:
		t.Fatal("non-transcript file should be ignored")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBackfillSubmitsExistingTranscripts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("hello"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sub := newRecordingSubmitter()
	w := New(config.Config{EnableWatcher: true, TranscriptsDir: dir}, sub)

	if err := w.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := sub.all(); len(got) != 2 {
		t.Fatalf("expected 2 submissions, got %v", got)
	}
}

func TestWatcherDisabled(t *testing.T) {
	w := New(config.Config{EnableWatcher: false}, newRecordingSubmitter())
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
}
