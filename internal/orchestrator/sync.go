package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"reportflow/internal/ledger"
	"reportflow/internal/remote"
	"reportflow/internal/task"
)

// BeginFetch hands out the sequence number of a status request about to be sent.
func (s *Store) BeginFetch(string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	return s.issued
}

// ApplyStatus merges a fetched status into the task record. Answers for another task,
// answers older than the last applied one and answers for a terminal task are dropped.
// An illegal stage move rejects the whole answer unless it reports a terminal status,
// which is applied at the current stage. It reports whether polling should stop.
func (s *Store) ApplyStatus(taskID string, seq uint64, st remote.TaskStatus) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.task
	logger := log.With().Str("task_id", taskID).Uint64("seq", seq).Logger()
	switch {
	case t.ID != taskID:
		logger.Debug().Msg("status for another task discarded")
		return true
	case t.Status.IsTerminal():
		logger.Debug().Str("status", st.Status).Msg("status for terminal task discarded")
		return true
	case seq <= s.applied:
		logger.Debug().Uint64("applied", s.applied).Msg("stale status discarded")
		return false
	}

	status, ok := task.ParseStatus(st.Status)
	if !ok {
		logger.Warn().Str("status", st.Status).Msg("unknown remote status ignored")
		return false
	}
	stage := t.Stage
	if st.Stage != "" {
		if stage, ok = task.ParseStage(st.Stage); !ok {
			logger.Warn().Str("stage", st.Stage).Msg("unknown remote stage ignored")
			return false
		}
	}
	if stage != t.Stage {
		if err := task.AttemptTransitionFor(t.Status, t.Stage, stage); err != nil {
			if !status.IsTerminal() {
				logger.Warn().Err(err).Msg("status rejected")
				return false
			}
			// the outcome still counts; only the stage stays where it was
			logger.Warn().Err(err).Str("status", status.String()).Msg("terminal status with unreachable stage, keeping current stage")
			stage = t.Stage
		}
	}
	s.applied = seq
	s.retry = false

	changed := false
	if stage != t.Stage {
		_ = t.ApplyStage(stage, now)
		changed = true
	}
	if t.ApplyProgress(st.Progress) {
		changed = true
	}
	if st.Message != "" && st.Message != t.Message {
		t.Message = st.Message
		changed = true
	}
	if st.EstimatedTimeRemaining != nil {
		eta := *st.EstimatedTimeRemaining
		t.EstimatedTimeRemaining = &eta
	}
	t.UpdatedAt = now

	if changed {
		s.stall.Observe(now, t.Stage)
		if t.ClearStall() {
			logger.Info().Msg("progress resumed, stall cleared")
		}
	}

	switch status {
	case task.StatusCompleted:
		s.completeLocked(st, now)
	case task.StatusFailed:
		_ = t.Fail(remoteError(st), now)
		logger.Warn().Str("error", t.Error).Msg("remote task failed")
	case task.StatusCancelled:
		_ = t.Cancel(now)
		logger.Info().Msg("task cancelled remotely")
	}
	if t.Status.IsTerminal() {
		s.newEpochLocked()
		s.stopTrackingLocked()
	}
	s.publishLocked()
	return t.Status.IsTerminal()
}

// completeLocked finishes the task through a complete transaction so a concurrent
// lifecycle change cannot apply twice.
func (s *Store) completeLocked(st remote.TaskStatus, now time.Time) {
	t := s.task
	txID, err := s.ledger.Begin(ledger.OpComplete, t.ID)
	if err != nil {
		log.Warn().Str("task_id", t.ID).Err(err).Msg("completion skipped")
		return
	}
	err = t.Complete(st.Quality, st.Iterations, now)
	s.ledger.Complete(txID, err == nil)
	if err != nil {
		log.Warn().Str("task_id", t.ID).Str("tx_id", txID).Err(err).Msg("completion rejected")
		return
	}
	ev := log.Info().Str("task_id", t.ID).Str("tx_id", txID)
	if t.Quality != nil {
		ev = ev.Float64("quality", *t.Quality)
	}
	if t.Iterations != nil {
		ev = ev.Int("iterations", *t.Iterations)
	}
	ev.Msg("task completed")
}

// FetchFailed raises the retry indicator while the poller backs off.
func (s *Store) FetchFailed(taskID string, failures int, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task.ID != taskID || !s.task.Active() {
		return
	}
	if !s.retry {
		s.retry = true
		s.publishLocked()
	}
	log.Debug().Str("task_id", taskID).Int("failures", failures).Err(cause).Msg("status fetch will be retried")
}

// ConnectionLost fails the task locally after polling gave up.
func (s *Store) ConnectionLost(taskID string, cause error) {
	s.failLocally(taskID, fmt.Errorf("%w: %w", task.ErrConnectionLost, cause))
}

// TaskGone fails the task because the pipeline no longer knows it.
func (s *Store) TaskGone(taskID string) {
	s.failLocally(taskID, fmt.Errorf("%w: %w", task.ErrRemoteTask, remote.ErrNotFound))
}

// NetworkRecovered clears the retry indicator.
func (s *Store) NetworkRecovered(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task.ID != taskID {
		return
	}
	s.retry = false
	s.online = true
	s.publishLocked()
}

func (s *Store) failLocally(taskID string, cause error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task.ID != taskID || s.task.Status.IsTerminal() {
		return
	}
	_ = s.task.Fail(cause.Error(), now)
	s.newEpochLocked()
	s.stopTrackingLocked()
	log.Error().Str("task_id", taskID).Err(cause).Msg("task failed locally")
	s.publishLocked()
}

// onStall flags the task without touching its status. A stall raised for an earlier
// arming (the task ended or was replaced meanwhile) is ignored.
func (s *Store) onStall(_ context.Context, since time.Time, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stall.Current(gen) {
		log.Debug().Uint64("gen", gen).Msg("stale stall signal ignored")
		return
	}
	if s.task.MarkStalled(since) {
		log.Warn().Str("task_id", s.task.ID).Str("stage", s.task.Stage.String()).Err(task.ErrStalled).Msg("task flagged stalled")
		s.publishLocked()
	}
}

func remoteError(st remote.TaskStatus) string {
	if st.Error != "" {
		return st.Error
	}
	if st.Message != "" {
		return st.Message
	}
	return task.ErrRemoteTask.Error()
}

// IsLocalContractError reports whether err is a rejected local operation rather than a
// remote failure.
func IsLocalContractError(err error) bool {
	return errors.Is(err, task.ErrInvalidTransition) ||
		errors.Is(err, ledger.ErrDuplicateTransaction) ||
		errors.Is(err, task.ErrTaskTerminal) ||
		errors.Is(err, task.ErrNotStarted) ||
		errors.Is(err, ErrTaskActive) ||
		errors.Is(err, ErrSuperseded)
}
