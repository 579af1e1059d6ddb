package blocklist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// BlockHook is called after every successful block.
type BlockHook func(ctx context.Context, e Entry)

// List applies block semantics on top of a Store.
type List struct {
	store   Store
	logger  *zap.Logger
	now     func() time.Time
	onBlock BlockHook

	// onLookupError is called when IsBlocked has to fail open.
	onLookupError func(err error)
}

// New creates a List over store.
func New(store Store, logger *zap.Logger) *List {
	return &List{store: store, logger: logger, now: time.Now}
}

// clockSetter is implemented by stores that compute expiry themselves.
type clockSetter interface {
	SetClock(now func() time.Time)
}

// SetClock overrides the time source. Stores that derive their own expiry
// from the clock are switched to it as well.
func (l *List) SetClock(now func() time.Time) {
	l.now = now
	if cs, ok := l.store.(clockSetter); ok {
		cs.SetClock(now)
	}
}

// SetOnBlock configures the block callback.
func (l *List) SetOnBlock(fn BlockHook) {
	l.onBlock = fn
}

// SetLookupErrorRecorder configures a callback for fail-open lookups.
func (l *List) SetLookupErrorRecorder(fn func(err error)) {
	l.onLookupError = fn
}

// Block blocks originIP for ttl (DefaultTTL when ttl <= 0). A later block
// replaces any existing entry. Storage failures are logged and returned, and
// the hook is not called.
func (l *List) Block(ctx context.Context, originIP, reason string, ttl time.Duration) (Entry, error) {
	return l.BlockFrom(ctx, originIP, reason, ttl, SourceAuto)
}

// BlockFrom is Block with an explicit source.
func (l *List) BlockFrom(ctx context.Context, originIP, reason string, ttl time.Duration, src Source) (Entry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.now().UTC()
	exp := now.Add(ttl)
	return l.put(ctx, Entry{
		OriginIP:  originIP,
		Reason:    reason,
		BlockedAt: now,
		ExpiresAt: &exp,
		Source:    src,
	})
}

// BlockPermanent blocks originIP until it is explicitly unblocked.
func (l *List) BlockPermanent(ctx context.Context, originIP, reason string) (Entry, error) {
	return l.put(ctx, Entry{
		OriginIP:  originIP,
		Reason:    reason,
		BlockedAt: l.now().UTC(),
		Permanent: true,
		Source:    SourceAdmin,
	})
}

func (l *List) put(ctx context.Context, e Entry) (Entry, error) {
	if e.OriginIP == "" {
		return Entry{}, fmt.Errorf("block: origin IP is required")
	}
	if err := l.store.Put(ctx, e); err != nil {
		l.logger.Error("failed to persist block",
			zap.String("origin_ip", e.OriginIP),
			zap.String("reason", e.Reason),
			zap.Error(err),
		)
		return Entry{}, fmt.Errorf("persist block: %w", err)
	}
	l.logger.Warn("origin blocked",
		zap.String("origin_ip", e.OriginIP),
		zap.String("reason", e.Reason),
		zap.String("source", string(e.Source)),
		zap.Bool("permanent", e.Permanent),
	)
	if l.onBlock != nil {
		l.onBlock(ctx, e)
	}
	return e, nil
}

// IsBlocked reports whether originIP is currently blocked. When the store
// cannot be read the origin is treated as not blocked.
func (l *List) IsBlocked(ctx context.Context, originIP string) bool {
	e, err := l.store.Get(ctx, originIP)
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if err != nil {
		l.logger.Warn("block lookup failed, failing open", zap.String("origin_ip", originIP), zap.Error(err))
		if l.onLookupError != nil {
			l.onLookupError(err)
		}
		return false
	}
	return e.Active(l.now())
}

// Lookup returns originIP's active entry, or ErrNotFound.
func (l *List) Lookup(ctx context.Context, originIP string) (Entry, error) {
	e, err := l.store.Get(ctx, originIP)
	if err != nil {
		return Entry{}, err
	}
	if !e.Active(l.now()) {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Unblock removes originIP's entry. It reports ErrNotFound if the origin had
// no active entry.
func (l *List) Unblock(ctx context.Context, originIP string) error {
	if _, err := l.Lookup(ctx, originIP); err != nil {
		return err
	}
	if err := l.store.Delete(ctx, originIP); err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	l.logger.Info("origin unblocked", zap.String("origin_ip", originIP))
	return nil
}

// Active returns every entry that still blocks, newest first.
func (l *List) Active(ctx context.Context) ([]Entry, error) {
	all, err := l.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	now := l.now()
	out := all[:0]
	for _, e := range all {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.After(out[j].BlockedAt) })
	return out, nil
}

// Sweep deletes expired entries and returns how many it removed.
func (l *List) Sweep(ctx context.Context) (int, error) {
	all, err := l.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep blocks: %w", err)
	}
	now := l.now()
	n := 0
	for _, e := range all {
		if e.Active(now) {
			continue
		}
		if err := l.store.Delete(ctx, e.OriginIP); err != nil && !errors.Is(err, ErrNotFound) {
			return n, fmt.Errorf("sweep %s: %w", e.OriginIP, err)
		}
		n++
	}
	if n > 0 {
		l.logger.Debug("expired blocks swept", zap.Int("removed", n))
	}
	return n, nil
}
