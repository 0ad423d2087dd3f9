package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	type payload struct {
		Processed int `json:"processed"`
	}

	owner, session := uuid.New(), uuid.New()
	event, err := NewEvent(TypeSessionUpdate, owner, session, payload{Processed: 3})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, TypeSessionUpdate, event.Type)
	assert.Equal(t, owner, event.OwnerID)
	assert.Equal(t, session, event.SessionID)
	assert.WithinDuration(t, time.Now(), event.CreatedAt, 2*time.Second)

	var decoded payload
	require.NoError(t, event.UnmarshalPayload(&decoded))
	assert.Equal(t, 3, decoded.Processed)

	_, err = NewEvent(TypeTaskResult, owner, session, make(chan int))
	assert.Error(t, err)
}

// MockEventHandler implements the EventHandler interface for testing
type MockEventHandler struct {
	LastEvent    *Event
	HandlerError error
	HandledCount int
}

// HandleEvent implements the EventHandler interface
func (h *MockEventHandler) HandleEvent(ctx context.Context, event *Event) error {
	h.LastEvent = event
	h.HandledCount++
	return h.HandlerError
}

func TestHandlerFunc(t *testing.T) {
	var got *Event
	h := HandlerFunc(func(_ context.Context, e *Event) error {
		got = e
		return errors.New("nope")
	})

	event, err := NewEvent(TypeBalanceChanged, uuid.New(), uuid.Nil, map[string]int64{"balance": 5})
	require.NoError(t, err)
	assert.EqualError(t, h.HandleEvent(context.Background(), event), "nope")
	assert.Same(t, event, got)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	owner := uuid.New()
	for _, typ := range []string{TypeSessionStart, TypeSessionUpdate, TypeSessionUpdate} {
		e, err := NewEvent(typ, owner, uuid.New(), nil)
		require.NoError(t, err)
		require.NoError(t, r.HandleEvent(context.Background(), e))
	}

	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.OfType(TypeSessionUpdate), 2)
	r.Reset()
	assert.Empty(t, r.Events())
}
