// Package poller keeps a task record in sync with the remote pipeline while the task runs.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"reportflow/internal/remote"
	"reportflow/internal/schedule"
)

// ErrServer marks a status fetch answered with a server-side error.
var ErrServer = errors.New("server error")

// Fetcher is the part of the remote client the poller needs.
type Fetcher interface {
	GetTask(ctx context.Context, taskID string) (remote.StatusResult, error)
}

// Sink receives the outcome of every fetch. Implementations must be safe for concurrent use.
type Sink interface {
	// BeginFetch returns the sequence number for a request about to be sent.
	BeginFetch(taskID string) uint64
	// ApplyStatus applies a fetched status and reports whether the task is now terminal.
	ApplyStatus(taskID string, seq uint64, st remote.TaskStatus) (terminal bool)
	// FetchFailed is called for every failed fetch that will be retried.
	FetchFailed(taskID string, failures int, cause error)
	// ConnectionLost is called once consecutive failures exceed the bound.
	ConnectionLost(taskID string, cause error)
	// TaskGone is called when the server no longer knows the task.
	TaskGone(taskID string)
	// NetworkRecovered is called on the first success after one or more failures.
	NetworkRecovered(taskID string)
}

type Options struct {
	BaseInterval time.Duration
	Jitter       time.Duration
	MaxFailures  int

	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration

	// RatePerSecond caps fetches across restarts; zero disables the limit.
	RatePerSecond float64
	Burst         int
}

func DefaultOptions() Options {
	return Options{
		BaseInterval:      2 * time.Second,
		Jitter:            500 * time.Millisecond,
		MaxFailures:       5,
		BackoffInitial:    time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        5 * time.Second,
		RatePerSecond:     2,
		Burst:             1,
	}
}

// Poller polls a single task. Start and Stop are idempotent.
type Poller struct {
	opts    Options
	fetcher Fetcher
	sink    Sink
	limiter *rate.Limiter

	mu     sync.Mutex
	handle *schedule.Handle
	taskID string
}

func New(opts Options, fetcher Fetcher, sink Sink) *Poller {
	def := DefaultOptions()
	if opts.BaseInterval <= 0 {
		opts.BaseInterval = def.BaseInterval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = def.MaxFailures
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = def.BackoffInitial
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = def.BackoffMultiplier
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	return &Poller{
		opts:    opts,
		fetcher: fetcher,
		sink:    sink,
		limiter: rate.NewLimiter(limit, opts.Burst),
	}
}

// Start begins polling taskID. Starting while already polling the same task is a no-op;
// starting for a different task replaces the previous schedule.
func (p *Poller) Start(ctx context.Context, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle.Running() {
		if p.taskID == taskID {
			return
		}
		p.handle.Cancel()
	}
	p.taskID = taskID
	run := &run{poller: p, taskID: taskID, backoff: p.newBackoff()}
	p.handle = schedule.Repeat(ctx, 0, run.tick)
	log.Debug().Str("task_id", taskID).Msg("polling started")
}

// Stop cancels the schedule. Safe to call any number of times.
func (p *Poller) Stop() {
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	h.Cancel()
}

// Running reports whether a schedule is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle.Running()
}

// Done returns a channel closed when the current schedule exits, or nil if none started.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return nil
	}
	return p.handle.Done()
}

func (p *Poller) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BackoffInitial
	b.Multiplier = p.opts.BackoffMultiplier
	b.MaxInterval = p.opts.BackoffMax
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run is the state of one polling schedule.
type run struct {
	poller   *Poller
	taskID   string
	backoff  *backoff.ExponentialBackOff
	failures int
}

func (r *run) tick(ctx context.Context) (time.Duration, bool) {
	p := r.poller
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, false
	}

	seq := p.sink.BeginFetch(r.taskID)
	res, err := p.fetcher.GetTask(ctx, r.taskID)
	if ctx.Err() != nil {
		return 0, false
	}
	if err != nil {
		return r.fail(err)
	}

	switch res.Kind {
	case remote.ResultNotFound:
		log.Warn().Str("task_id", r.taskID).Msg("task no longer exists remotely")
		p.sink.TaskGone(r.taskID)
		return 0, false
	case remote.ResultServerError:
		return r.fail(fmt.Errorf("%w: http %d: %s", ErrServer, res.Code, res.Detail))
	}

	if r.failures > 0 {
		log.Info().Str("task_id", r.taskID).Int("failures", r.failures).Msg("status polling recovered")
		p.sink.NetworkRecovered(r.taskID)
	}
	r.failures = 0
	r.backoff.Reset()

	if p.sink.ApplyStatus(r.taskID, seq, res.Status) {
		log.Debug().Str("task_id", r.taskID).Msg("task terminal, polling stopped")
		return 0, false
	}
	return schedule.Jitter(p.opts.BaseInterval, p.opts.Jitter), true
}

func (r *run) fail(err error) (time.Duration, bool) {
	p := r.poller
	r.failures++
	if r.failures >= p.opts.MaxFailures {
		log.Error().Str("task_id", r.taskID).Int("failures", r.failures).Err(err).Msg("status polling gave up")
		p.sink.ConnectionLost(r.taskID, err)
		return 0, false
	}
	delay := r.backoff.NextBackOff()
	if delay > p.opts.BackoffMax || delay < 0 {
		delay = p.opts.BackoffMax
	}
	log.Warn().Str("task_id", r.taskID).Int("failures", r.failures).Dur("retry_in", delay).Err(err).Msg("status fetch failed")
	p.sink.FetchFailed(r.taskID, r.failures, err)
	return delay, true
}
