package service

import (
	"errors"
	"testing"

	"github.com/phrazzld/checkq/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestCheckServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		op       string
		msg      string
		err      error
		expected string
	}{
		{
			name:     "with underlying error",
			op:       "submit",
			msg:      "failed to create session",
			err:      errors.New("database connection failed"),
			expected: "check service submit failed: failed to create session: database connection failed",
		},
		{
			name:     "without underlying error",
			op:       "stop",
			msg:      "nothing to stop",
			expected: "check service stop failed: nothing to stop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewCheckServiceError(tt.op, tt.msg, tt.err)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestCheckServiceError_Unwrap(t *testing.T) {
	err := NewCheckServiceError("status", "failed to load session", store.ErrSessionNotFound)

	assert.True(t, errors.Is(err, store.ErrSessionNotFound))
	assert.True(t, errors.Is(err, store.ErrNotFound))

	var svcErr *CheckServiceError
	assert.True(t, errors.As(err, &svcErr))
	assert.Equal(t, "status", svcErr.Operation)
}
