// Package blocklist keeps the set of origins the gateway refuses to serve.
//
// Entries carry an optional expiry; liveness is computed at lookup time so an
// expired entry stops blocking without being deleted. Sweep is an optional
// cleanup that removes expired entries from storage.
package blocklist

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long an automatic block lasts.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned when an origin has no entry.
var ErrNotFound = errors.New("block entry not found")

// Source records who created a block.
type Source string

const (
	SourceAuto  Source = "auto"
	SourceAdmin Source = "admin"
)

// Entry is one blocked origin.
type Entry struct {
	OriginIP  string     `json:"origin_ip"`
	Reason    string     `json:"reason"`
	BlockedAt time.Time  `json:"blocked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Permanent bool       `json:"permanent"`
	Source    Source     `json:"source"`
}

// Active reports whether the entry still blocks at now.
func (e *Entry) Active(now time.Time) bool {
	if e.Permanent || e.ExpiresAt == nil {
		return true
	}
	return !now.After(*e.ExpiresAt)
}

// Store persists entries. Implementations hold at most one entry per origin.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, originIP string) (Entry, error)
	Delete(ctx context.Context, originIP string) error
	All(ctx context.Context) ([]Entry, error)
}
