package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/arenaguard/internal/threat"
)

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []threat.Event
	closed bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, ev threat.Event) (string, error) {
	if err := prepare(&ev); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	s.events = append(s.events, ev)
	return ev.ID, nil
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]threat.Event, error) {
	s.mu.RLock()
	var out []threat.Event
	for i := range s.events {
		if f.Match(&s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	s.mu.RUnlock()
	return finish(out, f), nil
}

// Prune implements Pruner.
func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, ev := range s.events {
		if !ev.Timestamp.Before(before) {
			kept = append(kept, ev)
		}
	}
	n := len(s.events) - len(kept)
	s.events = kept
	return n, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
