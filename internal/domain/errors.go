// Package domain defines the core business entities and errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidBatch is returned when a submission contains no usable items
	// or names an unknown check mode.
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrInsufficientBalance is returned when the owner's balance cannot
	// cover the credits a submission requires.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidCheckMode is returned for check modes outside the known set.
	ErrInvalidCheckMode = errors.New("invalid check mode")

	// ErrInvalidItem is returned when a raw item cannot be normalized.
	ErrInvalidItem = errors.New("invalid item")

	// ErrUnknownResultCode is returned when a worker reports a status code
	// that has no mapping.
	ErrUnknownResultCode = errors.New("unknown result code")

	// ErrInvalidTaskStatus is returned when a task status is not valid.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrInvalidSessionStatus is returned when a session status is not valid.
	ErrInvalidSessionStatus = errors.New("invalid session status")

	// ErrUnauthorized is returned when an operation is not permitted.
	ErrUnauthorized = errors.New("unauthorized operation")
)

// ValidationError carries the field that failed validation.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap returns ErrValidation so callers can match with errors.Is, plus the
// wrapped cause when present.
func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: err}
}
