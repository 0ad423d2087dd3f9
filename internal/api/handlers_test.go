package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/api/shared"
	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/service"
	"github.com/phrazzld/checkq/internal/service/dispatch"
	"github.com/phrazzld/checkq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSessionService struct {
	SubmitFn func(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	StatusFn func(ctx context.Context, ownerID, sessionID uuid.UUID) (*service.StatusResult, error)
	StopFn   func(ctx context.Context, ownerID, sessionID uuid.UUID) (*domain.Snapshot, error)
}

func (m *mockSessionService) Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error) {
	return m.SubmitFn(ctx, req)
}

func (m *mockSessionService) Status(ctx context.Context, ownerID, sessionID uuid.UUID) (*service.StatusResult, error) {
	return m.StatusFn(ctx, ownerID, sessionID)
}

func (m *mockSessionService) Stop(ctx context.Context, ownerID, sessionID uuid.UUID) (*domain.Snapshot, error) {
	return m.StopFn(ctx, ownerID, sessionID)
}

type mockPoolService struct {
	ClaimFn         func(ctx context.Context, poolID string, desired int, checkMode string) (*dispatch.ClaimResult, error)
	ReportResultsFn func(ctx context.Context, poolID string, items []service.ResultItem) []service.ItemAck
}

func (m *mockPoolService) Claim(ctx context.Context, poolID string, desired int, checkMode string) (*dispatch.ClaimResult, error) {
	return m.ClaimFn(ctx, poolID, desired, checkMode)
}

func (m *mockPoolService) ReportResults(ctx context.Context, poolID string, items []service.ResultItem) []service.ItemAck {
	return m.ReportResultsFn(ctx, poolID, items)
}

func sessionRouter(h *SessionHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/sessions", h.Submit)
	r.Get("/api/sessions/{id}", h.Status)
	r.Post("/api/sessions/{id}/stop", h.Stop)
	return r
}

func ownerRequest(method, target string, body any, ownerID uuid.UUID) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if ownerID != uuid.Nil {
		req = req.WithContext(shared.WithOwnerID(req.Context(), ownerID))
	}
	return req
}

func poolRequest(method, target string, body string, poolID string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	if poolID != "" {
		req = req.WithContext(shared.WithPoolID(req.Context(), poolID))
	}
	return req
}

func TestSessionHandler_Submit(t *testing.T) {
	owner := uuid.New()
	sessionID := uuid.New()

	tests := []struct {
		name       string
		owner      uuid.UUID
		body       any
		submitErr  error
		wantStatus int
	}{
		{
			name:       "created",
			owner:      owner,
			body:       SubmitSessionRequest{Items: []string{"a", "b"}, CheckMode: "quick"},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "insufficient balance",
			owner:      owner,
			body:       SubmitSessionRequest{Items: []string{"a"}, CheckMode: "full"},
			submitErr:  fmt.Errorf("submit: %w", domain.ErrInsufficientBalance),
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "no valid items",
			owner:      owner,
			body:       SubmitSessionRequest{Items: []string{"   "}, CheckMode: "quick"},
			submitErr:  domain.ErrInvalidBatch,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown check mode",
			owner:      owner,
			body:       SubmitSessionRequest{Items: []string{"a"}, CheckMode: "deep"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty items",
			owner:      owner,
			body:       SubmitSessionRequest{CheckMode: "quick"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			owner:      owner,
			body:       `{"items":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unauthenticated",
			body:       SubmitSessionRequest{Items: []string{"a"}, CheckMode: "quick"},
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got service.SubmitRequest
			svc := &mockSessionService{
				SubmitFn: func(_ context.Context, req service.SubmitRequest) (*service.SubmitResult, error) {
					got = req
					if tt.submitErr != nil {
						return nil, tt.submitErr
					}
					return &service.SubmitResult{
						SessionID:      sessionID,
						PricePerTask:   5,
						Total:          len(req.Items),
						TimeoutSeconds: 120,
					}, nil
				},
			}

			rec := httptest.NewRecorder()
			sessionRouter(NewSessionHandler(svc, nil)).ServeHTTP(rec, ownerRequest(http.MethodPost, "/api/sessions", tt.body, tt.owner))

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusCreated {
				return
			}
			assert.Equal(t, owner, got.OwnerID)
			assert.Equal(t, "quick", got.CheckMode)

			var resp SubmitSessionResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, sessionID, resp.SessionID)
			assert.Equal(t, int64(5), resp.PricePerTask)
			assert.Equal(t, 2, resp.Total)
			assert.Equal(t, 120, resp.TimeoutSeconds)
		})
	}
}

func TestSessionHandler_Status(t *testing.T) {
	owner := uuid.New()
	sessionID := uuid.New()
	svc := &mockSessionService{
		StatusFn: func(_ context.Context, ownerID, id uuid.UUID) (*service.StatusResult, error) {
			if ownerID != owner {
				return nil, service.ErrNotOwned
			}
			if id != sessionID {
				return nil, store.ErrSessionNotFound
			}
			return &service.StatusResult{Session: domain.Snapshot{SessionID: id, Status: domain.SessionStatusRunning, Total: 3, Pending: 3}}, nil
		},
	}
	router := sessionRouter(NewSessionHandler(svc, nil))

	t.Run("ok", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, ownerRequest(http.MethodGet, "/api/sessions/"+sessionID.String(), nil, owner))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.Session.Pending)
		assert.NotNil(t, resp.RecentResolvedTasks)
		assert.Contains(t, rec.Body.String(), `"recent_resolved_tasks":[]`)
	})

	t.Run("bad id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, ownerRequest(http.MethodGet, "/api/sessions/not-a-uuid", nil, owner))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, ownerRequest(http.MethodGet, "/api/sessions/"+uuid.NewString(), nil, owner))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("other owner", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, ownerRequest(http.MethodGet, "/api/sessions/"+sessionID.String(), nil, uuid.New()))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestSessionHandler_Stop(t *testing.T) {
	owner := uuid.New()
	sessionID := uuid.New()
	ended := time.Now()
	svc := &mockSessionService{
		StopFn: func(_ context.Context, _, id uuid.UUID) (*domain.Snapshot, error) {
			return &domain.Snapshot{SessionID: id, Status: domain.SessionStatusStopped, StopRequested: true, Stopped: 2, EndedAt: &ended}, nil
		},
	}

	rec := httptest.NewRecorder()
	sessionRouter(NewSessionHandler(svc, nil)).ServeHTTP(rec,
		ownerRequest(http.MethodPost, "/api/sessions/"+sessionID.String()+"/stop", nil, owner))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StopResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, domain.SessionStatusStopped, resp.Session.Status)
	assert.Equal(t, 2, resp.Session.Stopped)
}

func TestPoolHandler_Claim(t *testing.T) {
	taskID := uuid.New()

	tests := []struct {
		name       string
		pool       string
		body       string
		result     *dispatch.ClaimResult
		claimErr   error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "tasks",
			pool:       "pool-a",
			body:       `{"pool_id":"pool-a","desired_count":2,"check_mode":"quick"}`,
			result:     &dispatch.ClaimResult{Tasks: []dispatch.DispatchedTask{{TaskID: taskID, Fingerprint: "fp", CheckMode: domain.CheckModeQuick, Price: 5}}},
			wantStatus: http.StatusOK,
			wantBody:   `{"tasks":[{"task_id":"` + taskID.String() + `","fingerprint":"fp","check_mode":"quick","price":5}]}`,
		},
		{
			name:       "empty with pause hint",
			pool:       "pool-a",
			body:       `{"desired_count":2,"check_mode":"full"}`,
			result:     &dispatch.ClaimResult{PauseHint: true, RetryAfter: 5 * time.Second},
			wantStatus: http.StatusOK,
			wantBody:   `{"empty":true,"pause_hint":true,"retry_after_seconds":5}`,
		},
		{
			name:       "pool mismatch",
			pool:       "pool-a",
			body:       `{"pool_id":"pool-b","desired_count":2,"check_mode":"quick"}`,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "missing check mode",
			pool:       "pool-a",
			body:       `{"desired_count":2}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "store unavailable",
			pool:       "pool-a",
			body:       `{"desired_count":2,"check_mode":"quick"}`,
			claimErr:   fmt.Errorf("claim: %w", store.ErrUnavailable),
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unauthenticated",
			body:       `{"desired_count":2,"check_mode":"quick"}`,
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPoolService{
				ClaimFn: func(_ context.Context, poolID string, desired int, mode string) (*dispatch.ClaimResult, error) {
					assert.Equal(t, "pool-a", poolID)
					assert.Equal(t, 2, desired)
					return tt.result, tt.claimErr
				},
			}
			rec := httptest.NewRecorder()
			NewPoolHandler(svc, nil).Claim(rec, poolRequest(http.MethodPost, "/api/pool/claim", tt.body, tt.pool))

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestPoolHandler_Results(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()

	echo := func(_ context.Context, poolID string, items []service.ResultItem) []service.ItemAck {
		acks := make([]service.ItemAck, len(items))
		for i, it := range items {
			acks[i] = service.ItemAck{ID: it.TaskID.String(), OK: it.StatusCode == 2}
		}
		return acks
	}

	t.Run("single item", func(t *testing.T) {
		var got []service.ResultItem
		svc := &mockPoolService{ReportResultsFn: func(ctx context.Context, poolID string, items []service.ResultItem) []service.ItemAck {
			got = items
			return echo(ctx, poolID, items)
		}}
		rec := httptest.NewRecorder()
		body := `{"task_id":"` + id1.String() + `","status_code":2,"attributes":{"region":"eu"}}`
		NewPoolHandler(svc, nil).Results(rec, poolRequest(http.MethodPost, "/api/pool/results", body, "pool-a"))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, got, 1)
		assert.Equal(t, id1, got[0].TaskID)
		assert.Equal(t, "eu", got[0].Attributes["region"])
		assert.JSONEq(t, `{"results":[{"id":"`+id1.String()+`","ok":true}]}`, rec.Body.String())
	})

	t.Run("batch keeps order around rejected ids", func(t *testing.T) {
		svc := &mockPoolService{ReportResultsFn: echo}
		rec := httptest.NewRecorder()
		body := `{"items":[{"task_id":"` + id1.String() + `","status_code":2},{"task_id":"nope","status_code":2},{"task_id":"` + id2.String() + `","status_code":3}]}`
		NewPoolHandler(svc, nil).Results(rec, poolRequest(http.MethodPost, "/api/pool/results", body, "pool-a"))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp ReportResultsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Results, 3)
		assert.Equal(t, id1.String(), resp.Results[0].ID)
		assert.True(t, resp.Results[0].OK)
		assert.Equal(t, "nope", resp.Results[1].ID)
		assert.False(t, resp.Results[1].OK)
		assert.Equal(t, "invalid task_id", resp.Results[1].Message)
		assert.Equal(t, id2.String(), resp.Results[2].ID)
		assert.False(t, resp.Results[2].OK)
	})

	t.Run("bare array", func(t *testing.T) {
		svc := &mockPoolService{ReportResultsFn: echo}
		rec := httptest.NewRecorder()
		body := `[{"fingerprint":"abc","status_code":1}]`
		NewPoolHandler(svc, nil).Results(rec, poolRequest(http.MethodPost, "/api/pool/results", body, "pool-a"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("empty batch", func(t *testing.T) {
		svc := &mockPoolService{ReportResultsFn: func(context.Context, string, []service.ResultItem) []service.ItemAck {
			t.Fatal("service must not be called")
			return nil
		}}
		rec := httptest.NewRecorder()
		NewPoolHandler(svc, nil).Results(rec, poolRequest(http.MethodPost, "/api/pool/results", `{"items":[]}`, "pool-a"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

type mockRealtimeServer struct {
	ServeFn func(w http.ResponseWriter, r *http.Request, ownerID, sessionID uuid.UUID) error
}

func (m *mockRealtimeServer) Serve(w http.ResponseWriter, r *http.Request, ownerID, sessionID uuid.UUID) error {
	return m.ServeFn(w, r, ownerID, sessionID)
}

func TestRealtimeHandler_Subscribe(t *testing.T) {
	owner := uuid.New()
	sessionID := uuid.New()

	var gotSession uuid.UUID
	hub := &mockRealtimeServer{ServeFn: func(w http.ResponseWriter, _ *http.Request, ownerID, id uuid.UUID) error {
		assert.Equal(t, owner, ownerID)
		gotSession = id
		w.WriteHeader(http.StatusSwitchingProtocols)
		return nil
	}}
	h := NewRealtimeHandler(hub, nil)

	rec := httptest.NewRecorder()
	h.Subscribe(rec, ownerRequest(http.MethodGet, "/api/realtime?session_id="+sessionID.String(), nil, owner))
	assert.Equal(t, sessionID, gotSession)

	rec = httptest.NewRecorder()
	h.Subscribe(rec, ownerRequest(http.MethodGet, "/api/realtime", nil, owner))
	assert.Equal(t, uuid.Nil, gotSession)

	rec = httptest.NewRecorder()
	h.Subscribe(rec, ownerRequest(http.MethodGet, "/api/realtime?session_id=bad", nil, owner))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
