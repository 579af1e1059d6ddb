// Package sharedstore defines the counter store that the rate limiter and
// other cross-worker state is routed through. MemoryStore serves tests and
// single-instance deployments; RedisStore is shared by every instance.
package sharedstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by stores that cannot reach their backend.
var ErrUnavailable = errors.New("shared store unavailable")

// CounterStore is the minimal shared-counter contract: INCR, EXPIRE, GET
// and DEL with Redis semantics.
type CounterStore interface {
	// Incr atomically increments key, creating it at 0 first if absent, and
	// returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets key to be deleted after ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Get returns the value of key, or 0 if it does not exist.
	Get(ctx context.Context, key string) (int64, error)

	// Del removes key.
	Del(ctx context.Context, key string) error
}
