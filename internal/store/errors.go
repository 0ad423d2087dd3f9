package store

import (
	"errors"
	"fmt"
)

// Base errors. Implementations wrap these, so callers test with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("already exists")
	ErrInvalidEntity     = errors.New("invalid entity")
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrUnavailable means the backing store could not be reached. It is
	// safe to retry.
	ErrUnavailable = errors.New("store unavailable")
)

// Entity-specific forms of the base errors.
var (
	ErrTaskNotFound    = fmt.Errorf("%w: task", ErrNotFound)
	ErrSessionNotFound = fmt.Errorf("%w: session", ErrNotFound)
	ErrAccountNotFound = fmt.Errorf("%w: account", ErrNotFound)
	ErrPriceNotFound   = fmt.Errorf("%w: price", ErrNotFound)

	// ErrAlreadyDebited means a ledger entry exists for the task; the debit
	// it guards must not be repeated.
	ErrAlreadyDebited = fmt.Errorf("%w: ledger entry", ErrDuplicate)
)

// IsNotFoundError reports whether err wraps ErrNotFound.
func IsNotFoundError(err error) bool { return errors.Is(err, ErrNotFound) }

// IsDuplicateError reports whether err wraps ErrDuplicate.
func IsDuplicateError(err error) bool { return errors.Is(err, ErrDuplicate) }

// IsRetryable reports whether the operation may succeed if repeated later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTransactionFailed)
}
