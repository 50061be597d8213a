package daemon

import (
	"errors"
	"fmt"
)

// ErrorKind classifies daemon lifecycle failures.
type ErrorKind string

const (
	ErrAlreadyRunning   ErrorKind = "already_running"
	ErrNotRunning       ErrorKind = "not_running"
	ErrPermissionDenied ErrorKind = "permission_denied"
	ErrStaleLock        ErrorKind = "stale_lock"
	ErrNotInstalled     ErrorKind = "not_installed"
)

// Error is returned by Controller operations.
type Error struct {
	Kind    ErrorKind
	PID     int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("daemon: %s", e.Message)
	if e.PID > 0 {
		msg = fmt.Sprintf("%s (pid=%d)", msg, e.PID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// IsKind reports whether err is a daemon Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
