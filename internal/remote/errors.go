package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNetwork means no response reached the client.
	ErrNetwork = errors.New("network error")
	// ErrTimeout means the request exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrInvalidResponse means the body failed validation at the boundary.
	ErrInvalidResponse = errors.New("invalid response")
	ErrNotFound        = errors.New("not found")
	ErrEmptyID         = errors.New("empty id")
)

// CallError wraps a transport failure with its class.
type CallError struct {
	Op    string
	Kind  error
	Cause error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Cause)
}

func (e *CallError) Unwrap() []error { return []error{e.Kind, e.Cause} }

func classify(op string, err error) error {
	kind := ErrNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrTimeout
	}
	return &CallError{Op: op, Kind: kind, Cause: err}
}

// StatusError is returned for non-2xx answers on calls that have no tagged result.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Code >= http.StatusInternalServerError
}
