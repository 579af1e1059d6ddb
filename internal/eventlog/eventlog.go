// Package eventlog persists security events.
//
// Three implementations of the Store interface are provided:
//   - FileStore: day-partitioned JSON Lines with size rotation, for single
//     instances.
//   - PostgresStore: durable and shared, for multi-instance deployments.
//   - MemoryStore: in-process, for tests.
package eventlog

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/arenaguard/internal/threat"
)

// ErrClosed is returned by Record after the store has been closed.
var ErrClosed = errors.New("event store closed")

// Store is an append-only record of security events.
type Store interface {
	// Record validates and appends ev, returning its ID.
	Record(ctx context.Context, ev threat.Event) (string, error)
	// Query returns matching events oldest first.
	Query(ctx context.Context, f Filter) ([]threat.Event, error)
	// Close flushes and releases the store.
	Close() error
}

// Pruner is implemented by stores that can delete old events.
type Pruner interface {
	// Prune removes events recorded before the cutoff and reports how many
	// files or rows it deleted.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	OriginIP string
	Type     threat.EventType
	Since    time.Time
	Until    time.Time

	// Limit keeps only the newest Limit matches.
	Limit int
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev *threat.Event) bool {
	if f.OriginIP != "" && ev.OriginIP != f.OriginIP {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// prepare validates ev and assigns an ID if it has none.
func prepare(ev *threat.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return nil
}

// finish sorts events chronologically and applies the filter's limit.
func finish(events []threat.Event, f Filter) []threat.Event {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	if f.Limit > 0 && len(events) > f.Limit {
		events = events[len(events)-f.Limit:]
	}
	return events
}
