// Package audit keeps a hash-chained trail of administrative actions on the
// defense layer: manual blocks and unblocks, alert resolutions and admin
// token issuance.
//
// The chain begins with a genesis entry whose Hash equals GenesisHash (64 hex
// zeros). Every later entry records the SHA-256 of its predecessor, so any
// edit or deletion in the middle of the trail is caught by Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// GenesisHash is the hash of the genesis entry and the anchor of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrOutOfRange is returned by Get for an index past the tip.
var ErrOutOfRange = errors.New("audit index out of range")

// Actions recorded by the admin API.
const (
	ActionGenesis      = "genesis"
	ActionTokenIssued  = "token_issued"
	ActionBlock        = "block"
	ActionUnblock      = "unblock"
	ActionResolveAlert = "resolve_alert"
)

// Entry is one administrative action.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`   // admin subject and origin, e.g. "admin@10.0.0.9"
	Subject   string    `json:"subject"` // blocked IP or alert ID
	DataHash  string    `json:"data_hash"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Log is an append-only audit chain. MemoryLog and PostgresLog implement it.
type Log interface {
	// Append chains a new entry. payload is JSON-encoded and only its
	// SHA-256 is kept.
	Append(ctx context.Context, action, actor, subject string, payload any) (*Entry, error)

	// Get returns the entry at a zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Recent returns up to n of the newest entries, oldest first. The
	// genesis entry is never included.
	Recent(ctx context.Context, n int) ([]Entry, error)

	// Len counts entries including genesis.
	Len(ctx context.Context) (int, error)

	// Verify walks the chain and returns nil if it is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the newest entry.
	Root(ctx context.Context) (string, error)
}

func genesis(at time.Time) Entry {
	return Entry{
		Index:     0,
		Timestamp: at.UTC(),
		Action:    ActionGenesis,
		Actor:     "arenaguard",
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash, // a constant, not computed
	}
}

// hashEntry computes the SHA-256 over an entry's fields. Never called for
// the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Action, e.Actor, e.Subject, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// chainCheck validates curr against its predecessor. prev is nil for the
// first entry of the chain.
func chainCheck(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
