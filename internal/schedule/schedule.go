// Package schedule runs repeating work on a timer and hands back a handle whose Cancel
// may be called any number of times.
package schedule

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Func does one unit of work and returns the delay before the next run.
// Returning ok=false ends the schedule.
type Func func(ctx context.Context) (next time.Duration, ok bool)

// Handle controls a running schedule.
type Handle struct {
	cancel    context.CancelFunc
	once      sync.Once
	cancelled atomic.Bool
	done      chan struct{}
}

// Repeat starts fn after initialDelay and keeps running it until fn returns ok=false,
// ctx is done or the handle is cancelled.
func Repeat(ctx context.Context, initialDelay time.Duration, fn Func) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()

		timer := time.NewTimer(clamp(initialDelay))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			next, ok := fn(ctx)
			if !ok || ctx.Err() != nil {
				return
			}
			timer.Reset(clamp(next))
		}
	}()
	return h
}

// Every runs fn at a fixed interval, first run after one interval.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) *Handle {
	return Repeat(ctx, interval, func(ctx context.Context) (time.Duration, bool) {
		fn(ctx)
		return interval, true
	})
}

// Cancel stops the schedule. Safe to call repeatedly and on a nil handle.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.cancelled.Store(true)
		h.cancel()
	})
}

// Done is closed once the schedule goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Running reports whether the schedule is alive and has not been cancelled.
func (h *Handle) Running() bool {
	if h == nil || h.cancelled.Load() {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter only
)

// Jitter returns base plus a random amount in [0, spread).
func Jitter(base, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	rndMu.Lock()
	n := rnd.Int63n(int64(spread))
	rndMu.Unlock()
	return base + time.Duration(n)
}
