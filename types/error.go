package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an engine error.
type ErrorKind string

const (
	// ErrKindValidation covers bad parameters and malformed graphs.
	ErrKindValidation ErrorKind = "VALIDATION"
	// ErrKindTimeout covers sandbox and upstream-call deadline overruns.
	ErrKindTimeout ErrorKind = "TIMEOUT"
	// ErrKindRuntime covers uncaught failures inside node logic.
	ErrKindRuntime ErrorKind = "RUNTIME"
	// ErrKindSecurity covers sandbox policy and authentication violations.
	ErrKindSecurity ErrorKind = "SECURITY"
	// ErrKindNetwork covers upstream call failures.
	ErrKindNetwork ErrorKind = "NETWORK"
	// ErrKindScheduling covers cycles, unknown node types, and other
	// dispatch-level faults.
	ErrKindScheduling ErrorKind = "SCHEDULING"
)

// Error is the structured error surfaced at every engine boundary.
type Error struct {
	Kind      ErrorKind     `json:"kind"`
	Message   string        `json:"message"`
	NodeID    string        `json:"node_id,omitempty"`
	Retryable bool          `json:"retryable"`
	// RetryAfter suggests a delay before an explicit re-invocation; zero
	// means none.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithNode tags the error with the failing node id.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter marks the error retryable after the given delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.Retryable = true
	e.RetryAfter = d
	return e
}

// KindOf extracts the error kind, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the error is flagged retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
