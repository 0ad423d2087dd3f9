package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceID(t *testing.T) {
	ctx := SetTraceID(context.Background())
	id := GetTraceID(ctx)
	assert.Len(t, id, TraceIDLength*2)
	assert.NotEqual(t, id, GetTraceID(SetTraceID(context.Background())))
	assert.Empty(t, GetTraceID(context.Background()))
}

func TestOwnerAndPoolID(t *testing.T) {
	owner := uuid.New()
	ctx := WithPoolID(WithOwnerID(context.Background(), owner), "pool-a")

	got, ok := OwnerID(ctx)
	require.True(t, ok)
	assert.Equal(t, owner, got)

	pool, ok := PoolID(ctx)
	require.True(t, ok)
	assert.Equal(t, "pool-a", pool)

	_, ok = OwnerID(WithOwnerID(context.Background(), uuid.Nil))
	assert.False(t, ok)
	_, ok = PoolID(context.Background())
	assert.False(t, ok)
}

type claimBody struct {
	PoolID string `json:"pool_id" validate:"required"`
	Count  int    `json:"count"   validate:"gte=1"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		fails   bool
	}{
		{name: "valid", body: `{"pool_id":"p","count":2}`},
		{name: "empty", body: ``, wantErr: ErrEmptyBody},
		{name: "malformed", body: `{"pool_id":`, fails: true},
		{name: "trailing data", body: `{"pool_id":"p"} {}`, fails: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var v claimBody
			err := DecodeJSON(req, &v)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.fails:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, "p", v.PoolID)
			}
		})
	}
}

type selfValidating struct{ ok bool }

func (s selfValidating) Validate() error {
	if !s.ok {
		return errors.New("not ok")
	}
	return nil
}

func TestValidateRequest(t *testing.T) {
	assert.NoError(t, ValidateRequest(&claimBody{PoolID: "p", Count: 1}))
	assert.Error(t, ValidateRequest(&claimBody{Count: 1}))
	assert.Error(t, ValidateRequest(&claimBody{PoolID: "p"}))
	assert.NoError(t, ValidateRequest(selfValidating{ok: true}))
	assert.Error(t, ValidateRequest(selfValidating{}))
}

func TestRespondWithJSON(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	RespondWithJSON(w, req, http.StatusCreated, map[string]int{"total": 3})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"total":3}`, w.Body.String())
}

func TestRespondWithError(t *testing.T) {
	ctx := context.WithValue(context.Background(), TraceIDKey, "trace-1")
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	RespondWithError(w, req, http.StatusUnauthorized, "Unauthorized")

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Unauthorized", resp.Error)
	assert.Equal(t, "trace-1", resp.TraceID)
}

func TestRespondWithErrorAndLog(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		elevate   bool
		wantLevel string
	}{
		{name: "server error", status: http.StatusServiceUnavailable, wantLevel: "ERROR"},
		{name: "client error", status: http.StatusBadRequest, wantLevel: "DEBUG"},
		{name: "elevated client error", status: http.StatusForbidden, elevate: true, wantLevel: "WARN"},
		{name: "rate limited", status: http.StatusTooManyRequests, wantLevel: "WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, log := logger.NewTestLogger(t)
			ctx := logger.WithLogger(context.WithValue(context.Background(), TraceIDKey, "trace-2"), log)
			req := httptest.NewRequest(http.MethodPost, "/api/pool/claim", nil).WithContext(ctx)
			w := httptest.NewRecorder()

			var opts []ResponseOption
			if tt.elevate {
				opts = append(opts, WithElevatedLogLevel())
			}
			RespondWithErrorAndLog(w, req, tt.status, "safe message", errors.New("dial tcp: password=hunter2"), opts...)

			assert.Equal(t, tt.status, w.Code)
			assert.NotContains(t, w.Body.String(), "hunter2")
			logger.AssertLogField(t, buf, "level", tt.wantLevel)
			logger.AssertLogField(t, buf, "trace_id", "trace-2")
			assert.NotContains(t, buf.String(), "hunter2")
		})
	}
}
