package task

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrTaskTerminal      = errors.New("task already terminal")
	ErrNotStarted        = errors.New("task not started")

	// ErrRemoteTask marks a failure reported by the pipeline itself.
	ErrRemoteTask = errors.New("remote task failed")
	// ErrConnectionLost marks a failure decided locally after polling gave up.
	ErrConnectionLost = errors.New("connection lost")
	ErrStalled        = errors.New("task stalled: no progress observed")
	ErrSessionExpired = errors.New("session expired")
)

// RejectReason tells why a stage transition was refused.
type RejectReason string

const (
	ReasonNotReachable RejectReason = "not_reachable"
	ReasonTerminal     RejectReason = "terminal"
)

// InvalidTransitionError is returned for every refused stage move.
type InvalidTransitionError struct {
	From   Stage
	To     Stage
	Reason RejectReason
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason == ReasonTerminal {
		return fmt.Sprintf("stage %s -> %s: %s", e.From, e.To, ErrTaskTerminal)
	}
	return fmt.Sprintf("stage %s -> %s: not reachable", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	if target == ErrInvalidTransition {
		return true
	}
	return target == ErrTaskTerminal && e.Reason == ReasonTerminal
}
