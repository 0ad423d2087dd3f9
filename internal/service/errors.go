// Package service orchestrates submission, dispatch, result ingestion,
// stopping and status polling on top of the dispatch, billing, session and
// negcache services.
package service

import (
	"errors"
	"fmt"
)

// Common service errors - sentinel errors used across service implementations.
// These errors represent common conditions that callers may want to check for with errors.Is().
//
// Error handling principles:
// 1. Service methods return sentinel errors for expected error conditions
// 2. Unexpected errors are wrapped in CheckServiceError with the failed operation
// 3. Callers use errors.Is/errors.As to check for specific error conditions
// 4. The API layer maps service errors to appropriate HTTP status codes
var (
	// ErrNotOwned indicates a session is owned by a different owner than the one making the request.
	// API layer should map this to HTTP 403 Forbidden.
	ErrNotOwned = errors.New("resource is owned by another user")
)

// CheckServiceError is a custom error type for check service errors.
type CheckServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for CheckServiceError.
func (e *CheckServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("check service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("check service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *CheckServiceError) Unwrap() error {
	return e.Err
}

// NewCheckServiceError creates a new CheckServiceError.
func NewCheckServiceError(operation, message string, err error) *CheckServiceError {
	return &CheckServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
