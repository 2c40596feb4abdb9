package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"reportflow/internal/task"
)

const (
	DefaultStallThreshold     = 60 * time.Second
	DefaultStallCheckInterval = 15 * time.Second
)

// StallOptions configures a StallDetector.
type StallOptions struct {
	Threshold     time.Duration
	CheckInterval time.Duration
	// StageScale multiplies Threshold for stages that are expected to run long.
	StageScale map[task.Stage]float64
}

// DefaultStageScale gives the writing and reviewing agents more room than the
// mechanical stages.
func DefaultStageScale() map[task.Stage]float64 {
	return map[task.Stage]float64{
		task.StageUpload:     0.5,
		task.StageExtraction: 1,
		task.StageAnalysis:   1.5,
		task.StageWriter:     3,
		task.StageReviewer:   2,
		task.StageRefinement: 2,
		task.StageFormatting: 1,
	}
}

// StallFunc is called when the detector flags a stall. gen identifies the arming that
// raised it; pass it to Current before acting.
type StallFunc func(ctx context.Context, since time.Time, gen uint64)

// StallDetector flags a task whose status responses keep arriving without any change in
// progress, stage or message. It does not decide anything about the task status.
type StallDetector struct {
	opts    StallOptions
	onStall StallFunc
	now     func() time.Time
	loop    *loop

	mu           sync.Mutex
	armed        bool
	gen          uint64
	lastActivity time.Time
	stage        task.Stage
	stalled      bool
	since        time.Time
}

func NewStallDetector(opts StallOptions, onStall StallFunc) *StallDetector {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultStallThreshold
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultStallCheckInterval
	}
	d := &StallDetector{opts: opts, onStall: onStall, now: time.Now}
	d.loop = newLoop(opts.CheckInterval, d.tick)
	return d
}

// UseClock replaces the time source. Intended for tests.
func (d *StallDetector) UseClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// Arm starts tracking from now for the given stage.
func (d *StallDetector) Arm(now time.Time, stage task.Stage) {
	d.mu.Lock()
	d.armed = true
	d.gen++
	d.lastActivity = now
	d.stage = stage
	d.stalled = false
	d.since = time.Time{}
	d.mu.Unlock()
}

// Disarm stops tracking; Check never reports a stall while disarmed.
func (d *StallDetector) Disarm() {
	d.mu.Lock()
	d.armed = false
	d.gen++
	d.stalled = false
	d.mu.Unlock()
}

// Generation returns the current arming generation.
func (d *StallDetector) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

// Current reports whether gen is still the live arming, i.e. no Arm or Disarm
// happened since the stall was raised.
func (d *StallDetector) Current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed && d.gen == gen
}

// Observe records genuine progress. It reports whether a stall flag was cleared.
func (d *StallDetector) Observe(now time.Time, stage task.Stage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActivity = now
	d.stage = stage
	if !d.stalled {
		return false
	}
	d.stalled = false
	d.since = time.Time{}
	return true
}

// Threshold returns the effective threshold for stage.
func (d *StallDetector) Threshold(stage task.Stage) time.Duration {
	scale, ok := d.opts.StageScale[stage]
	if !ok || scale <= 0 {
		return d.opts.Threshold
	}
	return time.Duration(float64(d.opts.Threshold) * scale)
}

// Check compares now against the last observed activity. changed is true only on the
// tick that raises the flag.
func (d *StallDetector) Check(now time.Time) (stalled bool, since time.Time, changed bool) {
	stalled, since, changed, _ = d.check(now)
	return stalled, since, changed
}

func (d *StallDetector) check(now time.Time) (stalled bool, since time.Time, changed bool, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.armed {
		return false, time.Time{}, false, d.gen
	}
	if d.stalled {
		return true, d.since, false, d.gen
	}
	if now.Sub(d.lastActivity) < d.Threshold(d.stage) {
		return false, time.Time{}, false, d.gen
	}
	d.stalled = true
	d.since = now
	return true, now, true, d.gen
}

// Stalled reports the current flag.
func (d *StallDetector) Stalled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stalled
}

func (d *StallDetector) tick(ctx context.Context) {
	d.mu.Lock()
	now := d.now()
	d.mu.Unlock()

	_, since, changed, gen := d.check(now)
	if !changed {
		return
	}
	log.Warn().Time("stalled_since", since).Msg("no progress observed, task flagged stalled")
	if d.onStall != nil {
		d.onStall(ctx, since, gen)
	}
}

// Start runs periodic checks until Stop or ctx is done.
func (d *StallDetector) Start(ctx context.Context) { d.loop.start(ctx) }

// Stop ends periodic checks. Safe to call repeatedly.
func (d *StallDetector) Stop() { d.loop.stop() }

// Recheck runs a check now instead of waiting for the next tick.
func (d *StallDetector) Recheck() { d.loop.poke() }

func (d *StallDetector) Running() bool { return d.loop.running() }
