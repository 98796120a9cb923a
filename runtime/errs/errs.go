// Package errs provides the structured error taxonomy shared by every layer
// of the runtime. Errors carry a stable code from a closed set, preserve
// error chains for errors.Is/As, and serialize into the two wire shapes the
// protocol exposes: JSON-RPC error responses and tool-result errors.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. The set is closed; new codes require a
// protocol revision.
type Code string

const (
	// InvalidArgument covers schema validation failures, malformed tool
	// definitions, and envelope decode errors.
	InvalidArgument Code = "INVALID_ARGUMENT"
	// NotFound covers lookups of unregistered agents or tools.
	NotFound Code = "NOT_FOUND"
	// Timeout indicates a handler exceeded its deadline.
	Timeout Code = "TIMEOUT"
	// ResourceExhausted indicates payload-size or concurrency-slot rejection.
	ResourceExhausted Code = "RESOURCE_EXHAUSTED"
	// Internal is the default classification for uncategorized failures.
	Internal Code = "INTERNAL"
	// Unauthorized indicates an admin policy denial.
	Unauthorized Code = "UNAUTHORIZED"
	// NotInitialized indicates a method was dispatched before the session
	// reached the running state.
	NotInitialized Code = "NOT_INITIALIZED"
)

// Error is the structured error value used across the runtime. It implements
// the standard error interface and unwraps to its cause.
type Error struct {
	// Code is the taxonomy classification.
	Code Code
	// Message is the human-readable summary.
	Message string
	// Details carries optional structured context serialized alongside the
	// code and message.
	Details map[string]any
	// cause links to the underlying error, if any.
	cause error
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that records err as its cause. A nil err yields
// the same result as New.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails returns a copy of e carrying the given details map. The map is
// cloned so later caller mutations do not leak into the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	if len(details) > 0 {
		cp.Details = make(map[string]any, len(details))
		for k, v := range details {
			cp.Details[k] = v
		}
	}
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// FromError converts an arbitrary error into a structured Error. Errors that
// already carry a taxonomy code anywhere in their chain keep it; everything
// else is classified Internal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Code: Internal, Message: err.Error(), cause: err}
}

// CodeOf reports the taxonomy code carried by err, or Internal when the
// chain carries none. A nil error has no code and returns the empty string.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Internal
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
