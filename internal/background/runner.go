// Package background runs fire-and-forget side effects (alert notifications,
// deferred writes) off the request path with bounded concurrency and a
// per-task deadline.
package background

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Runner executes tasks in their own goroutines. When all slots are busy new
// tasks are dropped rather than queued, so a slow sink can never back up
// into request handling.
type Runner struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	wg      sync.WaitGroup
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a Runner allowing at most concurrency tasks in flight, each
// cancelled after timeout.
func New(concurrency int, timeout time.Duration, logger *zap.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 16
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Runner{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		timeout: timeout,
		logger:  logger,
	}
}

// Go schedules fn. It reports false if the task was dropped because the
// runner is saturated or closed.
func (r *Runner) Go(name string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("background: runner closed, task dropped", zap.String("task", name))
		return false
	}
	if !r.sem.TryAcquire(1) {
		r.mu.Unlock()
		r.logger.Warn("background: saturated, task dropped", zap.String("task", name))
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background: task panicked", zap.String("task", name), zap.Any("panic", rec))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// Close stops accepting tasks and waits for in-flight ones until ctx is done.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
