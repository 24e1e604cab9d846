// Package pserrors implements the error taxonomy from spec.md §7: every
// failure mode is either transient (retry/continue), session-level
// (the coordinator connection was lost or suspended), or fatal to this
// process instance. Handlers wrap errors into this taxonomy instead of
// letting bare errors propagate out of registration/watch callbacks.
package pserrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure per spec.md §7's taxonomy.
type Kind string

const (
	// KindTransient covers port-in-use, malformed request JSON, and
	// other errors a handler can recover from without tearing anything down.
	KindTransient Kind = "transient"
	// KindSession covers coordinator connection loss/suspension.
	KindSession Kind = "session"
	// KindFatal covers failures this process instance cannot recover
	// from: no port available after bounded retries, unable to
	// re-establish a coordinator session, context teardown failure.
	KindFatal Kind = "fatal"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// severity without string-matching messages.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient builds a KindTransient error.
func Transient(reason string, cause error) *Error {
	return &Error{Kind: KindTransient, Reason: reason, Cause: cause}
}

// Session builds a KindSession error.
func Session(reason string, cause error) *Error {
	return &Error{Kind: KindSession, Reason: reason, Cause: cause}
}

// Fatal builds a KindFatal error.
func Fatal(reason string, cause error) *Error {
	return &Error{Kind: KindFatal, Reason: reason, Cause: cause}
}

// IsKind reports whether err (or something it wraps) is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// RegisterResult is the explicit sum type spec.md §9 asks for in place
// of exception-for-control-flow around registration handling.
type RegisterResult struct {
	OK     bool
	Detail string
	Err    *Error
}

// Ok builds a successful RegisterResult.
func Ok(detail string) RegisterResult {
	return RegisterResult{OK: true, Detail: detail}
}

// ErrResult builds a failed RegisterResult.
func ErrResult(kind Kind, reason string, cause error) RegisterResult {
	return RegisterResult{OK: false, Err: &Error{Kind: kind, Reason: reason, Cause: cause}}
}

// PollKind classifies the outcome of one poll-loop iteration.
type PollKind string

const (
	PollReady PollKind = "ready"
	PollIdle  PollKind = "idle"
	PollFatal PollKind = "fatal"
)

// PollResult is the explicit sum type spec.md §9 asks for in place of
// the original cooperative loop's implicit control flow.
type PollResult struct {
	Kind    PollKind
	Sockets []string // names of ready sockets, when Kind == PollReady
	Err     *Error   // set when Kind == PollFatal
}
