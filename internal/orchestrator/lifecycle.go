package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog/log"

	"reportflow/internal/ledger"
	"reportflow/internal/monitor"
	"reportflow/internal/poller"
	"reportflow/internal/remote"
	"reportflow/internal/task"
)

const cancelAttempts = 3

// StartRequest names the remote task the UI has just submitted.
type StartRequest struct {
	TaskID   string `json:"task_id"`
	ReportID string `json:"report_id"`
}

// Start begins tracking a task the pipeline accepted. A finished previous task is
// replaced; a running one is not.
func (s *Store) Start(_ context.Context, req StartRequest) (*task.Task, error) {
	id := strings.TrimSpace(req.TaskID)
	if id == "" {
		return nil, ErrMissingTaskID
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.task
	if next.Status.IsTerminal() {
		next = task.New()
	}
	if err := next.Begin(id, strings.TrimSpace(req.ReportID), now); err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("start rejected")
		return nil, err
	}
	s.task = next
	s.expired = nil
	s.clock.Touch(now)
	s.newEpochLocked()

	s.stall.Arm(now, task.StageUpload)
	s.stall.Start(s.baseCtx)
	s.poller.Start(s.baseCtx, id)

	log.Info().Str("task_id", id).Str("report_id", next.ReportID).Msg("task started")
	s.publishLocked()
	return s.task.Clone(), nil
}

// Cancel stops the current task. The local record is cancelled as soon as the cancel
// transaction is accepted; the remote cancel runs in the background.
func (s *Store) Cancel(_ context.Context) (*task.Task, error) {
	now := s.now()

	s.mu.Lock()
	if !s.task.Started() || s.task.ID == "" {
		s.mu.Unlock()
		return nil, task.ErrNotStarted
	}
	id := s.task.ID
	txID, err := s.ledger.Begin(ledger.OpCancel, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !s.task.Cancelable || s.task.Status.IsTerminal() {
		status := s.task.Status
		s.ledger.Complete(txID, false)
		s.mu.Unlock()
		log.Warn().Str("task_id", id).Str("status", status.String()).Msg("cancel rejected, task already terminal")
		return nil, task.ErrTaskTerminal
	}
	_ = s.task.Cancel(now)
	s.clock.Touch(now)
	s.newEpochLocked()
	s.stopTrackingLocked()
	ctx := s.baseCtx
	out := s.task.Clone()
	s.publishLocked()
	s.mu.Unlock()

	log.Info().Str("task_id", id).Str("tx_id", txID).Msg("task cancelled locally")
	s.track(func() { s.cancelRemote(ctx, txID, id) })
	return out, nil
}

// cancelRemote sends the best-effort DELETE with a few retries on transient errors.
func (s *Store) cancelRemote(ctx context.Context, txID, taskID string) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CancelTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.Poll.BackoffInitial
	b.MaxInterval = s.opts.Poll.BackoffMax
	b.MaxElapsedTime = 0
	if b.InitialInterval <= 0 {
		b.InitialInterval = poller.DefaultOptions().BackoffInitial
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = poller.DefaultOptions().BackoffMax
	}

	op := func() error {
		err := s.remote.CancelTask(ctx, taskID)
		if err != nil && !remote.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.ledger.Retry(txID)
		log.Debug().Str("task_id", taskID).Str("tx_id", txID).Dur("retry_in", wait).Err(err).Msg("remote cancel retry")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, cancelAttempts-1), ctx), notify)
	s.ledger.Complete(txID, err == nil)
	if err != nil {
		log.Warn().Str("task_id", taskID).Str("tx_id", txID).Err(err).Msg("remote cancel failed, keeping local cancel")
	} else {
		log.Info().Str("task_id", taskID).Str("tx_id", txID).Msg("remote cancel acknowledged")
	}
	s.publish()
}

// Reconnect attaches the store to a task that is already running remotely, e.g. after
// the UI reloaded. The answer is dropped if any lifecycle change happened meanwhile.
func (s *Store) Reconnect(ctx context.Context, taskID, reportID string) (*task.Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, ErrMissingTaskID
	}

	s.mu.Lock()
	if s.task.Active() {
		s.mu.Unlock()
		return nil, ErrTaskActive
	}
	if s.task.ID == taskID && s.task.Status.IsTerminal() {
		s.mu.Unlock()
		return nil, task.ErrTaskTerminal
	}
	txID, err := s.ledger.Begin(ledger.OpReconnect, taskID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	epoch := s.epoch
	s.issued++
	seq := s.issued
	s.clock.Touch(s.now())
	s.mu.Unlock()

	res, err := s.remote.GetTask(ctx, taskID)
	if err == nil {
		switch res.Kind {
		case remote.ResultNotFound:
			err = fmt.Errorf("reconnect %s: %w", taskID, remote.ErrNotFound)
		case remote.ResultServerError:
			err = fmt.Errorf("reconnect %s: %w: http %d: %s", taskID, poller.ErrServer, res.Code, res.Detail)
		}
	}
	if err != nil {
		s.ledger.Complete(txID, false)
		log.Warn().Str("task_id", taskID).Str("tx_id", txID).Err(err).Msg("reconnect failed")
		return nil, err
	}

	now := s.now()
	restored, err := restore(taskID, strings.TrimSpace(reportID), res.Status, now)
	if err != nil {
		s.ledger.Complete(txID, false)
		log.Warn().Str("task_id", taskID).Err(err).Msg("reconnect answer rejected")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || !s.ledger.IsPending(txID) {
		s.ledger.Complete(txID, false)
		log.Warn().Str("task_id", taskID).Str("tx_id", txID).Msg("stale reconnect answer discarded")
		return nil, ErrSuperseded
	}
	s.ledger.Complete(txID, true)

	s.task = restored
	s.expired = nil
	s.newEpochLocked()
	s.applied = seq
	if restored.Active() {
		s.stall.Arm(now, restored.Stage)
		s.stall.Start(s.baseCtx)
		s.poller.Start(s.baseCtx, taskID)
	}
	log.Info().Str("task_id", taskID).Str("stage", restored.Stage.String()).Str("status", restored.Status.String()).Msg("reconnected to task")
	s.publishLocked()
	return restored.Clone(), nil
}

// restore builds a record from remote ground truth. The stage is reached by walking the
// pipeline forward so every step goes through the transition validator.
func restore(taskID, reportID string, st remote.TaskStatus, now time.Time) (*task.Task, error) {
	status, ok := task.ParseStatus(st.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", remote.ErrInvalidResponse, st.Status)
	}
	target := task.StageUpload
	if st.Stage != "" {
		if target, ok = task.ParseStage(st.Stage); !ok {
			return nil, fmt.Errorf("%w: unknown stage %q", remote.ErrInvalidResponse, st.Stage)
		}
		if target == task.StageIdle {
			target = task.StageUpload
		}
	}

	t := task.New()
	if err := t.Begin(taskID, reportID, now); err != nil {
		return nil, err
	}
	stages := task.Stages()
	for i := task.StageUpload.Index() + 1; t.Stage != target && i < len(stages); i++ {
		if err := t.ApplyStage(stages[i], now); err != nil {
			return nil, err
		}
	}
	t.ApplyProgress(st.Progress)
	t.Message = st.Message
	t.EstimatedTimeRemaining = st.EstimatedTimeRemaining

	switch status {
	case task.StatusCompleted:
		_ = t.Complete(st.Quality, st.Iterations, now)
	case task.StatusFailed:
		_ = t.Fail(remoteError(st), now)
	case task.StatusCancelled:
		_ = t.Cancel(now)
	}
	return t, nil
}

// CheckSession expires the session when the user has been idle for longer than the
// timeout. It reports whether the session expired.
func (s *Store) CheckSession(_ context.Context, now time.Time) bool {
	s.mu.Lock()
	if !s.clock.Expired(now) {
		s.mu.Unlock()
		return false
	}

	cleanupFor := ""
	if s.upload.Active() {
		cleanupFor = s.upload.ReportID
		if cleanupFor == "" {
			cleanupFor = s.task.ReportID
		}
	}

	var expired *task.Task
	cancelTx, cancelID := "", ""
	if s.task.Active() {
		s.task.Cancelable = false
		_ = s.task.Fail(task.ErrSessionExpired.Error(), now)
		expired = s.task.Clone()
		if tx, err := s.ledger.Begin(ledger.OpCancel, s.task.ID); err == nil {
			cancelTx, cancelID = tx, s.task.ID
		}
	}
	s.stopTrackingLocked()

	timeout := s.clock.TimeoutMinutes
	s.task = task.New()
	s.expired = expired
	s.upload = UploadState{ShouldCleanup: cleanupFor != "", CleanupReportID: cleanupFor}
	s.clock = monitor.NewSessionClock(timeout, now)
	s.online = true
	s.versions.Reset()
	s.newEpochLocked()
	ctx := s.baseCtx
	s.publishLocked()
	s.mu.Unlock()

	log.Warn().Str("task_id", cancelID).Str("cleanup_report_id", cleanupFor).Msg("session expired, state reset")
	if cancelTx != "" {
		s.track(func() { s.cancelRemote(ctx, cancelTx, cancelID) })
	}
	if cleanupFor != "" {
		s.wakeCleanup()
	}
	return true
}

// Unload fires the cleanup beacon for the current report without waiting for it.
func (s *Store) Unload() (string, bool) {
	s.mu.Lock()
	reportID := s.task.ReportID
	if reportID == "" {
		reportID = s.upload.ReportID
	}
	s.mu.Unlock()
	if reportID == "" {
		return "", false
	}
	s.remote.CleanupBeacon(reportID)
	return reportID, true
}

// newEpochLocked invalidates every in-flight answer started before now.
func (s *Store) newEpochLocked() {
	s.epoch++
	s.applied = s.issued
}
