package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is an in-process Log for tests and single-instance deploys
// without a database. The trail does not survive a restart.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewMemoryLog creates a MemoryLog holding only the genesis entry.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: []Entry{genesis(time.Now())}, now: time.Now}
}

// SetClock overrides the time source for new entries.
func (l *MemoryLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, action, actor, subject string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.entries[len(l.entries)-1]
	e := Entry{
		Index:     len(l.entries),
		Timestamp: l.now().UTC(),
		Action:    action,
		Actor:     actor,
		Subject:   subject,
		DataHash:  sha256Sum(payloadJSON),
		PrevHash:  prev.Hash,
	}
	e.Hash = hashEntry(&e)
	l.entries = append(l.entries, e)
	return &e, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	e := l.entries[index]
	return &e, nil
}

// Recent implements Log.
func (l *MemoryLog) Recent(_ context.Context, n int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	body := l.entries[1:]
	if n > 0 && len(body) > n {
		body = body[len(body)-n:]
	}
	return append([]Entry(nil), body...), nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var prev *Entry
	for i := range l.entries {
		if err := chainCheck(prev, &l.entries[i]); err != nil {
			return err
		}
		prev = &l.entries[i]
	}
	return nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
