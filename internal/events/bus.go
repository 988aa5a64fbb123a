// Package events provides in-process pub/sub so observers (UI layer, SSE,
// tests) can follow recognition state without polling.
package events

import (
	"sync"
	"time"
)

// StateChange is published on every recognition state transition.
type StateChange struct {
	RecordingID string    `json:"recording_id,omitempty"`
	State       string    `json:"state"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Bus fans StateChange events out to subscribers. Slow subscribers drop
// events rather than block the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan StateChange]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan StateChange]struct{})}
}

func (b *Bus) Subscribe() chan StateChange {
	ch := make(chan StateChange, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

func (b *Bus) Unsubscribe(ch chan StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Bus) Publish(ev StateChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
