package task

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further stage or progress updates may be applied.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a wire value into a Status. ok is false for unknown values.
func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return s, true
	}
	// the pipeline reports "processing" on older deployments
	if raw == "processing" || raw == "running" {
		return StatusInProgress, true
	}
	return "", false
}

// Task is the client-side record of one remote multi-stage job.
type Task struct {
	ID       string `json:"task_id"`
	ReportID string `json:"report_id,omitempty"`

	Status   Status `json:"status"`
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`

	EstimatedTimeRemaining *time.Duration `json:"estimated_time_remaining,omitempty"`
	Quality                *float64       `json:"quality,omitempty"`
	Iterations             *int           `json:"iterations,omitempty"`
	Error                  string         `json:"error,omitempty"`

	IsStalled    bool       `json:"is_stalled"`
	StalledSince *time.Time `json:"stalled_since,omitempty"`
	// Cancelable is false once the task is being torn down by the system.
	Cancelable bool `json:"cancelable"`

	StartedAt time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// New returns an idle, pending record.
func New() *Task {
	return &Task{Status: StatusPending, Stage: StageIdle}
}

// Started reports whether the task has left the idle stage.
func (t *Task) Started() bool { return t.Stage != StageIdle }

// Active reports whether the remote job is still running.
func (t *Task) Active() bool { return t.Status == StatusInProgress }

// Clone returns a deep copy safe to hand to subscribers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.EstimatedTimeRemaining != nil {
		v := *t.EstimatedTimeRemaining
		c.EstimatedTimeRemaining = &v
	}
	if t.Quality != nil {
		v := *t.Quality
		c.Quality = &v
	}
	if t.Iterations != nil {
		v := *t.Iterations
		c.Iterations = &v
	}
	if t.StalledSince != nil {
		v := *t.StalledSince
		c.StalledSince = &v
	}
	return &c
}

const (
	minProgress = 0
	maxProgress = 100
)
