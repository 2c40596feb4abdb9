// Package orchestrator owns the client-side state of a report generation run: the task
// record, the transaction ledger, the session clock, upload progress and versions. Every
// mutation goes through a Store method; remote calls are never made while the store
// lock is held.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"reportflow/internal/ledger"
	"reportflow/internal/monitor"
	"reportflow/internal/poller"
	"reportflow/internal/schedule"
	"reportflow/internal/task"
	"reportflow/internal/version"
)

const (
	defaultCancelTimeout  = 10 * time.Second
	defaultCleanupTimeout = 30 * time.Second
	defaultSweepInterval  = time.Minute
)

// Remote is everything the store needs from the pipeline service.
type Remote interface {
	poller.Fetcher
	version.Remote
	CancelTask(ctx context.Context, taskID string) error
	CleanupTempFiles(ctx context.Context, reportID string) error
	CleanupBeacon(reportID string)
}

type Options struct {
	Poll  poller.Options
	Stall monitor.StallOptions

	SessionTimeoutMinutes int
	SessionCheckInterval  time.Duration

	LedgerStaleAfter time.Duration
	SweepInterval    time.Duration

	CancelTimeout   time.Duration
	CleanupTimeout  time.Duration
	DownloadTimeout time.Duration

	// Now overrides the clock used by the store and its monitors.
	Now func() time.Time
}

// Store is the single owner of orchestration state.
type Store struct {
	opts     Options
	remote   Remote
	now      func() time.Time
	ledger   *ledger.Ledger
	poller   *poller.Poller
	stall    *monitor.StallDetector
	session  *monitor.SessionMonitor
	versions *version.Manager

	cleanupWake chan struct{}
	workersWG   sync.WaitGroup

	mu      sync.Mutex
	baseCtx context.Context
	task    *task.Task
	expired *task.Task
	upload  UploadState
	clock   monitor.SessionClock
	online  bool
	retry   bool
	// issued is the last sequence number handed to a fetch, applied the newest one
	// whose answer was accepted.
	issued  uint64
	applied uint64
	// epoch changes on every lifecycle change; answers started in an older epoch are stale.
	epoch   uint64
	subs    map[int]chan State
	nextSub int
}

func New(opts Options, remote Remote, fetcher version.Fetcher) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LedgerStaleAfter <= 0 {
		opts.LedgerStaleAfter = ledger.DefaultStaleAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = defaultCancelTimeout
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}

	s := &Store{
		opts:        opts,
		remote:      remote,
		now:         opts.Now,
		ledger:      ledger.New(),
		cleanupWake: make(chan struct{}, 1),
		baseCtx:     context.Background(),
		task:        task.New(),
		online:      true,
		subs:        make(map[int]chan State),
	}
	s.clock = monitor.NewSessionClock(opts.SessionTimeoutMinutes, s.now())
	s.ledger.UseClock(s.now)
	s.poller = poller.New(opts.Poll, remote, s)
	s.stall = monitor.NewStallDetector(opts.Stall, s.onStall)
	s.stall.UseClock(s.now)
	s.session = monitor.NewSessionMonitor(opts.SessionCheckInterval, s)
	s.session.UseClock(s.now)
	s.versions = version.NewManager(version.Options{
		Remote:          remote,
		Fetcher:         fetcher,
		Stage:           s.currentStage,
		OnChange:        s.publish,
		Now:             s.now,
		DownloadTimeout: opts.DownloadTimeout,
	})
	return s
}

// Run starts the session monitor, the ledger sweeper and the cleanup worker and blocks
// until ctx is done. Timers started later by task operations also stop with ctx.
func (s *Store) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.session.Start(ctx)
	defer s.session.Stop()

	sweeper := schedule.Every(ctx, s.opts.SweepInterval, func(context.Context) {
		if n := s.ledger.Sweep(s.opts.LedgerStaleAfter); n > 0 {
			log.Debug().Int("removed", n).Msg("ledger swept")
			s.publish()
		}
	})
	defer sweeper.Cancel()

	s.cleanupLoop(ctx)

	s.poller.Stop()
	s.stall.Stop()
	return nil
}

// WaitAll blocks until background remote calls finish or ctx is done.
// Returns true if all finished.
func (s *Store) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Versions returns the version manager bound to this store.
func (s *Store) Versions() *version.Manager { return s.versions }

// Ledger exposes the transaction ledger for diagnostics.
func (s *Store) Ledger() *ledger.Ledger { return s.ledger }

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Task returns a copy of the task record.
func (s *Store) Task() *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Clone()
}

// Subscribe returns a channel that receives the current state and every later change.
// Slow readers only see the newest state. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// UpdateActivity records a user interaction.
func (s *Store) UpdateActivity() {
	s.mu.Lock()
	s.clock.Touch(s.now())
	s.mu.Unlock()
}

// NetworkChanged records connectivity reported by the UI. Coming back online forces an
// immediate stall check.
func (s *Store) NetworkChanged(online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.clock.Touch(s.now())
	active := s.task.Active()
	s.publishLocked()
	s.mu.Unlock()

	log.Info().Bool("online", online).Msg("network status changed")
	if online && !wasOnline && active {
		s.stall.Recheck()
	}
}

func (s *Store) currentStage() task.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task.Stage
}

func (s *Store) snapshotLocked() State {
	return State{
		Task:         s.task.Clone(),
		Upload:       s.upload,
		Session:      s.clock,
		Versions:     s.versions.All(),
		Online:       s.online,
		Retrying:     s.retry,
		Expired:      s.expired.Clone(),
		Transactions: s.ledger.List(),
		At:           s.now(),
	}
}

func (s *Store) publish() {
	s.mu.Lock()
	s.publishLocked()
	s.mu.Unlock()
}

func (s *Store) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	st := s.snapshotLocked()
	for _, ch := range s.subs {
		// keep only the newest state for slow readers
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// stopTrackingLocked ends polling and stall checks for the current task.
func (s *Store) stopTrackingLocked() {
	s.poller.Stop()
	s.stall.Disarm()
	s.stall.Stop()
	s.retry = false
}

// track runs fn in the background and counts it for WaitAll.
func (s *Store) track(fn func()) {
	s.workersWG.Add(1)
	go func() {
		defer s.workersWG.Done()
		fn()
	}()
}
