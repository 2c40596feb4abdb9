package task

import "time"

// Begin moves an idle record into the upload stage and marks it in progress.
func (t *Task) Begin(id, reportID string, now time.Time) error {
	if err := AttemptTransitionFor(t.Status, t.Stage, StageUpload); err != nil {
		return err
	}
	t.ID = id
	t.ReportID = reportID
	t.Stage = StageUpload
	t.Status = StatusInProgress
	t.Progress = minProgress
	t.Message = ""
	t.Error = ""
	t.Cancelable = true
	t.StartedAt = now
	t.UpdatedAt = now
	return nil
}

// ApplyStage is the only way to change Stage. The record is untouched on rejection.
func (t *Task) ApplyStage(next Stage, now time.Time) error {
	if next == t.Stage {
		if t.Status.IsTerminal() {
			return &InvalidTransitionError{From: t.Stage, To: next, Reason: ReasonTerminal}
		}
		return nil
	}
	if err := AttemptTransitionFor(t.Status, t.Stage, next); err != nil {
		return err
	}
	t.Stage = next
	t.UpdatedAt = now
	return nil
}

// ApplyProgress sets progress, clamped to 0..100. Decreases are ignored while the task
// is in progress. It reports whether the stored value changed.
func (t *Task) ApplyProgress(p int) bool {
	if t.Status.IsTerminal() {
		return false
	}
	if p < minProgress {
		p = minProgress
	}
	if p > maxProgress {
		p = maxProgress
	}
	if t.Status == StatusInProgress && p < t.Progress {
		return false
	}
	if p == t.Progress {
		return false
	}
	t.Progress = p
	return true
}

// Complete marks the task completed with the final metrics.
func (t *Task) Complete(quality *float64, iterations *int, now time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTaskTerminal
	}
	t.Status = StatusCompleted
	t.Progress = maxProgress
	t.Quality = quality
	t.Iterations = iterations
	t.EstimatedTimeRemaining = nil
	t.Cancelable = false
	t.clearStall()
	t.UpdatedAt = now
	return nil
}

// Fail marks the task failed. The error message is kept for display.
func (t *Task) Fail(msg string, now time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTaskTerminal
	}
	t.Status = StatusFailed
	t.Error = msg
	t.Cancelable = false
	t.EstimatedTimeRemaining = nil
	t.clearStall()
	t.UpdatedAt = now
	return nil
}

// Cancel marks the task cancelled.
func (t *Task) Cancel(now time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTaskTerminal
	}
	t.Status = StatusCancelled
	t.Cancelable = false
	t.EstimatedTimeRemaining = nil
	t.clearStall()
	t.UpdatedAt = now
	return nil
}

// MarkStalled raises the stall flag without touching Status.
func (t *Task) MarkStalled(since time.Time) bool {
	if t.IsStalled || t.Status != StatusInProgress {
		return false
	}
	t.IsStalled = true
	s := since
	t.StalledSince = &s
	return true
}

// ClearStall drops the stall flag. It reports whether the flag was set.
func (t *Task) ClearStall() bool {
	if !t.IsStalled {
		return false
	}
	t.clearStall()
	return true
}

func (t *Task) clearStall() {
	t.IsStalled = false
	t.StalledSince = nil
}
