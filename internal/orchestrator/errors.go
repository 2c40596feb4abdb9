package orchestrator

import "errors"

var (
	ErrMissingTaskID = errors.New("task id is required")
	ErrTaskActive    = errors.New("a task is already running")
	// ErrSuperseded is returned when a reconnect answer arrives after the task changed.
	ErrSuperseded    = errors.New("reconnect superseded by a newer lifecycle change")
	ErrNoUpload      = errors.New("no upload in progress")
	ErrInvalidUpload = errors.New("invalid upload")
)
