package model

import (
	"errors"
	"fmt"
)

// Domain error kinds. Request handlers translate these to HTTP status codes;
// everything else surfaces as an internal error.
var (
	// ErrNotFound marks an absent record, task, manager, dependency or job.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict marks an illegal status transition, a return for a
	// task the caller no longer owns, a duplicate manager activation, or a
	// tag/priority change on a non-waiting record.
	ErrStateConflict = errors.New("state conflict")

	// ErrValidation marks malformed input: bad specifications, empty
	// required_programs or tags, and similar.
	ErrValidation = errors.New("validation error")
)

// NotFound wraps ErrNotFound with context.
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// StateConflict wraps ErrStateConflict with context.
func StateConflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

// Validation wraps ErrValidation with context.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ComputeError is a domain-level failure reported by a manager. It is never
// surfaced as an HTTP error; it lives inside the record's error output.
type ComputeError struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorType, e.ErrorMessage)
}
