// Package apperr holds the error kinds shared by the economy engine.
//
// Financial-state errors are returned to the caller synchronously. Audit and
// observability errors never leave the audit package; they are only logged.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("conflict")
	// ErrConnectionTimeout is returned when subscribing waits longer than the connect bound.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrAuditWriteFailure wraps storage errors from the audit insert path. It is logged, never returned.
	ErrAuditWriteFailure = errors.New("audit write failure")
)

// ValidationError rejects malformed input before any balance mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a *ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError reports a transition attempted on a resource that is already terminal.
type ConflictError struct {
	Resource string
	ID       string
	State    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s is already %s", e.Resource, e.ID, e.State)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Conflict builds a *ConflictError.
func Conflict(resource, id, state string) error {
	return &ConflictError{Resource: resource, ID: id, State: state}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
