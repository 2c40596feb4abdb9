// Package monitor holds the periodic watchdogs of a running task: the stall detector and
// the session timeout monitor.
package monitor

import (
	"context"
	"sync"
	"time"
)

// loop runs check on a ticker and whenever trigger is called. Start and Stop are
// idempotent.
type loop struct {
	interval time.Duration
	check    func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

func newLoop(interval time.Duration, check func(ctx context.Context)) *loop {
	return &loop{interval: interval, check: check, trigger: make(chan struct{}, 1)}
}

func (l *loop) start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runningLocked() {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

func (l *loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.check(ctx)
		case <-l.trigger:
			l.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// stop cancels the loop without waiting for it to exit, so it may be called from
// inside check or while holding locks check needs.
func (l *loop) stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// exited returns a channel closed once the current goroutine is gone.
func (l *loop) exited() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// poke requests an immediate check. Pokes coalesce while one is queued.
func (l *loop) poke() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

func (l *loop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runningLocked()
}

func (l *loop) runningLocked() bool {
	if l.done == nil || l.cancel == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}
