package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFoundError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "generic error", err: errors.New("some error"), expected: false},
		{name: "ErrNotFound", err: ErrNotFound, expected: true},
		{name: "wrapped ErrNotFound", err: fmt.Errorf("lookup: %w", ErrNotFound), expected: true},
		{name: "ErrTaskNotFound", err: ErrTaskNotFound, expected: true},
		{name: "ErrSessionNotFound", err: ErrSessionNotFound, expected: true},
		{name: "ErrPriceNotFound", err: ErrPriceNotFound, expected: true},
		{name: "ErrDuplicate", err: ErrDuplicate, expected: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsNotFoundError(tc.err))
		})
	}
}

func TestIsDuplicateError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDuplicateError(ErrDuplicate))
	assert.True(t, IsDuplicateError(ErrAlreadyDebited))
	assert.True(t, IsDuplicateError(fmt.Errorf("debit: %w", ErrAlreadyDebited)))
	assert.False(t, IsDuplicateError(ErrNotFound))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(fmt.Errorf("claim: %w", ErrUnavailable)))
	assert.True(t, IsRetryable(ErrTransactionFailed))
	assert.False(t, IsRetryable(ErrTaskNotFound))
	assert.False(t, IsRetryable(nil))
}
