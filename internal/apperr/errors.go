// Package apperr defines the error taxonomy shared by the queue, the API and the stream gateway.
package apperr

import (
	"errors"
	"fmt"
)

// Type classifies an application error.
type Type string

const (
	// TypeValidation marks malformed or out-of-range input.
	TypeValidation Type = "VALIDATION"

	// TypeNotFound marks an unknown encounter or record.
	TypeNotFound Type = "NOT_FOUND"

	// TypeConflict marks a request that would move an entry's status backward.
	TypeConflict Type = "CONFLICT"

	// TypeUpstreamUnavailable marks a failed or timed-out call to an external collaborator.
	TypeUpstreamUnavailable Type = "UPSTREAM_UNAVAILABLE"

	// TypeTransport marks a failed send to one observer.
	TypeTransport Type = "TRANSPORT"

	// TypeInternal is everything else.
	TypeInternal Type = "INTERNAL"
)

// Error is an application error carrying its Type.
type Error struct {
	Type    Type
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the unwrap interface.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Type: TypeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Type: TypeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error {
	return &Error{Type: TypeConflict, Message: fmt.Sprintf(format, args...)}
}

// Upstream creates an upstream-unavailable error.
func Upstream(message string, err error) *Error {
	return &Error{Type: TypeUpstreamUnavailable, Message: message, Err: err}
}

// Transport creates a transport error.
func Transport(message string, err error) *Error {
	return &Error{Type: TypeTransport, Message: message, Err: err}
}

// Internal creates an internal error.
func Internal(message string, err error) *Error {
	return &Error{Type: TypeInternal, Message: message, Err: err}
}

// TypeOf returns the Type of the first *Error in err's chain, or TypeInternal.
func TypeOf(err error) Type {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return TypeInternal
}

// Is reports whether err's chain contains an *Error of type t.
func Is(err error, t Type) bool {
	return err != nil && TypeOf(err) == t
}

// Message returns the user-facing message of err.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
