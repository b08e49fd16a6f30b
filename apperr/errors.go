// Package apperr provides the closed error-kind taxonomy producers use to
// signal degraded-but-non-fatal conditions across the risk engine's internal
// boundaries, instead of raw errors.
package apperr

import "fmt"

// Code identifies a class of error recognized by the engine.
type Code string

const (
	// InputMissing marks optional input the caller omitted; producers
	// degrade gracefully rather than failing.
	InputMissing Code = "INPUT_MISSING"
	// StateNotInitialized marks a producer that has not yet accumulated
	// enough history to compute a reliable score.
	StateNotInitialized Code = "STATE_NOT_INITIALIZED"
	// CapacityExceeded marks a bound the store enforced internally via
	// eviction; callers never see this surfaced as a failure.
	CapacityExceeded Code = "CAPACITY_EXCEEDED"
	// HookFailure marks a panic or error raised from a caller-supplied
	// hook; always swallowed after logging.
	HookFailure Code = "HOOK_FAILURE"
	// ImportFailure marks a failed store import and is the one code that
	// propagates to the caller.
	ImportFailure Code = "IMPORT_FAILURE"
	// Internal marks an unexpected internal condition.
	Internal Code = "INTERNAL"
)

// Error is the engine's structured error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error carrying cause as its Unwrap target.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given code.
func Is(err error, code Code) bool {
	ae, ok := err.(*Error)
	return ok && ae.Code == code
}
