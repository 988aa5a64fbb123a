package recognizer

import (
	"errors"
	"sync"
)

// TextSource is a Capture fed with ready-made utterances: transcript files
// dropped into the watch directory or text submitted over the ops API. Push
// stages the next utterance; the following Start/Stop pair consumes it.
type TextSource struct {
	mu      sync.Mutex
	pending []Utterance
}

func NewTextSource() *TextSource {
	return &TextSource{}
}

// Push stages an utterance for the next recording cycle.
func (s *TextSource) Push(u Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, u)
}

// Authorized always holds: there is no device permission to acquire for
// text input.
func (s *TextSource) Authorized() bool { return true }

func (s *TextSource) Start() error { return nil }

// Stop hands over the oldest staged utterance.
func (s *TextSource) Stop() (Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Utterance{}, errors.New("no utterance staged")
	}
	u := s.pending[0]
	s.pending = s.pending[1:]
	return u, nil
}
