// Package ratelimit implements a fixed-window request limiter whose counters
// live in a sharedstore.CounterStore, so every gateway instance enforces the
// same budget.
package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/arenaguard/internal/sharedstore"
	"go.uber.org/zap"
)

// Decision is the outcome of one Admit call.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time

	// RetryAfter is the time left until ResetAt. It is zero for allowed
	// requests.
	RetryAfter time.Duration

	// FailOpen is set when the store could not be consulted and the request
	// was admitted without enforcement.
	FailOpen bool
}

// DecisionRecorder is an optional callback observing every decision.
type DecisionRecorder func(endpoint string, d Decision)

// Limiter admits or rejects requests against fixed windows.
type Limiter struct {
	store    sharedstore.CounterStore
	prefix   string
	timeout  time.Duration
	now      func() time.Time
	onDecide DecisionRecorder
	logger   *zap.Logger
}

// New creates a Limiter. Keys are namespaced under prefix; every store call
// is bounded by timeout.
func New(store sharedstore.CounterStore, prefix string, timeout time.Duration, logger *zap.Logger) *Limiter {
	if prefix == "" {
		prefix = "rl"
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Limiter{
		store:   store,
		prefix:  prefix,
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock overrides the limiter's time source.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// SetDecisionRecorder configures the decision callback.
func (l *Limiter) SetDecisionRecorder(fn DecisionRecorder) {
	l.onDecide = fn
}

// windowStart aligns t to the start of its fixed window.
func windowStart(t time.Time, window time.Duration) time.Time {
	ms := window.Milliseconds()
	if ms <= 0 {
		return t
	}
	start := t.UnixMilli() / ms * ms
	return time.UnixMilli(start).UTC()
}

// Key returns the shared-store key of the counter that holds identity's hits
// on endpoint during the window containing at.
func (l *Limiter) Key(identity, endpoint string, window time.Duration, at time.Time) string {
	start := windowStart(at, window)
	var b strings.Builder
	b.WriteString(l.prefix)
	b.WriteByte(':')
	b.WriteString(identity)
	b.WriteByte(':')
	b.WriteString(endpoint)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(start.UnixMilli(), 10))
	return b.String()
}

// Admit counts one hit for (identity, endpoint) and reports whether it fits
// within limit for the current window. The first hit of a window sets the
// counter's expiry to the window length, so each window starts at zero.
// Windows are aligned to multiples of window since the Unix epoch rather than
// starting at a key's first hit, so ResetAt is the next aligned boundary.
//
// When the store fails or does not answer in time the request is admitted as
// if it were the window's first hit.
func (l *Limiter) Admit(ctx context.Context, identity, endpoint string, window time.Duration, limit int64) Decision {
	now := l.now()
	start := windowStart(now, window)
	resetAt := start.Add(window)
	key := l.Key(identity, endpoint, window, now)

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		l.logger.Warn("rate limiter store unavailable, failing open",
			zap.String("key", key),
			zap.Error(err),
		)
		d := Decision{
			Allowed:   true,
			Count:     1,
			Limit:     limit,
			Remaining: max(limit-1, 0),
			ResetAt:   resetAt,
			FailOpen:  true,
		}
		l.record(endpoint, d)
		return d
	}

	if count == 1 {
		if err := l.store.Expire(ctx, key, window); err != nil {
			// The key embeds its window start, so a missing TTL only leaks
			// the key; it can never be counted against a later window.
			l.logger.Warn("rate limiter expire failed", zap.String("key", key), zap.Error(err))
		}
	}

	d := Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	l.record(endpoint, d)
	return d
}

// Count returns the current window's hit count for (identity, endpoint).
func (l *Limiter) Count(ctx context.Context, identity, endpoint string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.Get(ctx, l.Key(identity, endpoint, window, l.now()))
}

// Reset clears the current window for (identity, endpoint).
func (l *Limiter) Reset(ctx context.Context, identity, endpoint string, window time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.Del(ctx, l.Key(identity, endpoint, window, l.now()))
}

func (l *Limiter) record(endpoint string, d Decision) {
	if l.onDecide != nil {
		l.onDecide(endpoint, d)
	}
}
