package blocklist

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// failingStore errors on every call.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Put(context.Context, Entry) error { return errStoreDown }
func (failingStore) Get(context.Context, string) (Entry, error) {
	return Entry{}, errStoreDown
}
func (failingStore) Delete(context.Context, string) error { return errStoreDown }
func (failingStore) All(context.Context) ([]Entry, error) { return nil, errStoreDown }

func newList(store Store, now *time.Time) *List {
	l := New(store, zap.NewNop())
	l.SetClock(func() time.Time { return *now })
	return l
}

func TestList_defaultTTL(t *testing.T) {
	ctx := context.Background()
	now := t0
	l := newList(NewMemoryStore(), &now)

	e, err := l.Block(ctx, "203.0.113.5", "Brute force attack", 0)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if got := e.ExpiresAt.Sub(e.BlockedAt); got != DefaultTTL {
		t.Errorf("ttl = %v, want %v", got, DefaultTTL)
	}
	if !l.IsBlocked(ctx, "203.0.113.5") {
		t.Fatal("expected origin to be blocked")
	}

	now = t0.Add(DefaultTTL)
	if !l.IsBlocked(ctx, "203.0.113.5") {
		t.Error("block should still hold at exactly its expiry")
	}

	now = t0.Add(DefaultTTL + time.Second)
	if l.IsBlocked(ctx, "203.0.113.5") {
		t.Error("block should have lapsed after 24h")
	}
	if _, err := l.Lookup(ctx, "203.0.113.5"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup after expiry: err = %v, want ErrNotFound", err)
	}
}

func TestList_lastWriteWins(t *testing.T) {
	ctx := context.Background()
	now := t0
	l := newList(NewMemoryStore(), &now)

	l.Block(ctx, "203.0.113.5", "High risk score", time.Hour)
	now = t0.Add(time.Minute)
	l.Block(ctx, "203.0.113.5", "Brute force attack", 2*time.Hour)

	e, err := l.Lookup(ctx, "203.0.113.5")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Reason != "Brute force attack" {
		t.Errorf("reason = %q, want the later block's reason", e.Reason)
	}
	if want := t0.Add(time.Minute + 2*time.Hour); !e.ExpiresAt.Equal(want) {
		t.Errorf("expires = %v, want %v", e.ExpiresAt, want)
	}

	active, _ := l.Active(ctx)
	if len(active) != 1 {
		t.Errorf("active = %d entries, want 1", len(active))
	}
}

func TestList_permanent(t *testing.T) {
	ctx := context.Background()
	now := t0
	l := newList(NewMemoryStore(), &now)

	if _, err := l.BlockPermanent(ctx, "198.51.100.9", "abuse report"); err != nil {
		t.Fatal(err)
	}
	now = t0.Add(365 * 24 * time.Hour)
	if !l.IsBlocked(ctx, "198.51.100.9") {
		t.Error("permanent block should never lapse")
	}
	if err := l.Unblock(ctx, "198.51.100.9"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if l.IsBlocked(ctx, "198.51.100.9") {
		t.Error("origin should be unblocked")
	}
	if err := l.Unblock(ctx, "198.51.100.9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Unblock: err = %v, want ErrNotFound", err)
	}
}

func TestList_failsOpen(t *testing.T) {
	ctx := context.Background()
	now := t0
	l := newList(failingStore{}, &now)

	var lookupErrs int
	l.SetLookupErrorRecorder(func(error) { lookupErrs++ })
	var hooked bool
	l.SetOnBlock(func(context.Context, Entry) { hooked = true })

	if _, err := l.Block(ctx, "203.0.113.5", "Brute force attack", 0); !errors.Is(err, errStoreDown) {
		t.Errorf("Block: err = %v, want wrapped store error", err)
	}
	if hooked {
		t.Error("hook must not run when the block was not stored")
	}
	if l.IsBlocked(ctx, "203.0.113.5") {
		t.Error("IsBlocked must fail open")
	}
	if lookupErrs != 1 {
		t.Errorf("lookup errors = %d, want 1", lookupErrs)
	}
}

func TestList_onBlockHook(t *testing.T) {
	ctx := context.Background()
	now := t0
	l := newList(NewMemoryStore(), &now)

	var got []Entry
	l.SetOnBlock(func(_ context.Context, e Entry) { got = append(got, e) })

	l.Block(ctx, "203.0.113.5", "Brute force attack", 0)
	l.BlockPermanent(ctx, "203.0.113.6", "manual")

	if len(got) != 2 {
		t.Fatalf("hook calls = %d, want 2", len(got))
	}
	if got[0].Source != SourceAuto || got[1].Source != SourceAdmin {
		t.Errorf("sources = %s, %s", got[0].Source, got[1].Source)
	}
}

func TestList_Sweep(t *testing.T) {
	ctx := context.Background()
	now := t0
	store := NewMemoryStore()
	l := newList(store, &now)

	l.Block(ctx, "192.0.2.1", "a", time.Hour)
	l.Block(ctx, "192.0.2.2", "b", 3*time.Hour)
	l.BlockPermanent(ctx, "192.0.2.3", "c")

	now = t0.Add(2 * time.Hour)
	n, err := l.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	all, _ := store.All(ctx)
	if len(all) != 2 {
		t.Errorf("remaining = %d, want 2", len(all))
	}
}

func TestList_requiresOrigin(t *testing.T) {
	now := t0
	l := newList(NewMemoryStore(), &now)
	if _, err := l.Block(context.Background(), "", "x", 0); err == nil {
		t.Error("expected error for empty origin")
	}
}
