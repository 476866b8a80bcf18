// Package errs defines the error taxonomy shared by the engine, executors,
// memory, and blueprint store. Errors carry an explicit kind so that callers
// can classify without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error
type Kind string

const (
	Validation           Kind = "validation"
	NotFound             Kind = "not_found"
	PreconditionRequired Kind = "precondition_required"
	Conflict             Kind = "conflict"
	Timeout              Kind = "timeout"
	TokenBudget          Kind = "token_budget"
	DepthExceeded        Kind = "depth_exceeded"
	Cancelled            Kind = "cancelled"
	Upstream             Kind = "upstream"
	Internal             Kind = "internal"
)

// Error is a tagged error with an optional wrapped cause
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a tagged error with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain. Unknown errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether the error chain carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retriable reports whether an error is worth retrying. Transient upstream
// failures and timeouts retry; validation, ceilings, cancellation, and
// concurrency conflicts never do.
func Retriable(err error) bool {
	switch KindOf(err) {
	case Timeout, Upstream:
		return true
	default:
		return false
	}
}
