package learner

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	ErrUnrecognizedSource ErrorKind = "unrecognized_source"
	ErrNetwork            ErrorKind = "network"
	ErrParse              ErrorKind = "parse"
	ErrNotFound           ErrorKind = "not_found"
	ErrDuplicate          ErrorKind = "duplicate_conflict"
	ErrStorage            ErrorKind = "storage"
)

// Error is the typed error returned by the engine.
type Error struct {
	Kind    ErrorKind
	Message string

	// Transient marks network failures that may succeed on retry
	// (timeouts, 5xx, connection resets).
	Transient bool

	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	base := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Kind == ErrNetwork && e.Transient {
		base = fmt.Sprintf("%s: %s (transient)", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap returns an Error of the given kind wrapping cause.
func Wrap(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func notFoundError(source Source, id string) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("paper not found: %s %s", source, id)}
}

func parseError(msg string, cause error) *Error {
	return &Error{Kind: ErrParse, Message: msg, Cause: cause}
}

func storageError(msg string, cause error) error {
	// Typed errors raised inside a transaction pass through unchanged.
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return &Error{Kind: ErrStorage, Message: msg, Cause: cause}
}

func networkError(msg string, transient bool, cause error) *Error {
	return &Error{Kind: ErrNetwork, Message: msg, Transient: transient, Cause: cause}
}

// IsKind reports whether err is an engine Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsTransient reports whether err is a network failure worth retrying.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == ErrNetwork && e.Transient
	}
	return false
}
