package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/api/shared"
	"github.com/phrazzld/checkq/internal/config"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/service/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJWT(t *testing.T) auth.JWTService {
	t.Helper()
	svc, err := auth.NewJWTService(config.AuthConfig{
		JWTSecret:                "0123456789abcdef0123456789abcdef",
		TokenLifetimeMinutes:     60,
		PoolTokenLifetimeMinutes: 60,
	})
	require.NoError(t, err)
	return svc
}

// failingJWT returns err from every validation.
type failingJWT struct {
	auth.JWTService
	err error
}

func (f failingJWT) ValidateToken(context.Context, string) (*auth.Claims, error) {
	return nil, f.err
}

func TestAuthenticate(t *testing.T) {
	jwtSvc := newJWT(t)
	ctx := context.Background()
	owner := uuid.New()

	ownerToken, err := jwtSvc.GenerateToken(ctx, owner)
	require.NoError(t, err)
	poolToken, err := jwtSvc.GeneratePoolToken(ctx, "pool-a")
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		query      string
		upgrade    bool
		wantStatus int
	}{
		{name: "valid token", header: "Bearer " + ownerToken, wantStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + ownerToken, wantStatus: http.StatusOK},
		{name: "missing header", wantStatus: http.StatusUnauthorized},
		{name: "bad format", header: "Token " + ownerToken, wantStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not-a-jwt", wantStatus: http.StatusUnauthorized},
		{name: "pool token on owner route", header: "Bearer " + poolToken, wantStatus: http.StatusUnauthorized},
		{name: "query token on websocket upgrade", query: ownerToken, upgrade: true, wantStatus: http.StatusOK},
		{name: "query token without upgrade", query: ownerToken, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got uuid.UUID
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = shared.OwnerID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			target := "/api/realtime"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			rec := httptest.NewRecorder()

			NewAuthMiddleware(jwtSvc).Authenticate(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, owner, got)
			}
		})
	}
}

func TestAuthenticatePool(t *testing.T) {
	jwtSvc := newJWT(t)
	ctx := context.Background()

	poolToken, err := jwtSvc.GeneratePoolToken(ctx, "pool-a")
	require.NoError(t, err)
	ownerToken, err := jwtSvc.GenerateToken(ctx, uuid.New())
	require.NoError(t, err)

	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = shared.PoolID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := NewAuthMiddleware(jwtSvc).AuthenticatePool(next)

	req := httptest.NewRequest(http.MethodPost, "/api/pool/claim", nil)
	req.Header.Set("Authorization", "Bearer "+poolToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "pool-a", got)

	req = httptest.NewRequest(http.MethodPost, "/api/pool/claim", nil)
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Wrong token type")
}

func TestAuthenticateUnexpectedError(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next must not run")
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	rec := httptest.NewRecorder()

	NewAuthMiddleware(failingJWT{err: errors.New("keystore offline")}).Authenticate(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTraceMiddleware(t *testing.T) {
	var traceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
	})
	buf, log := logger.NewTestLogger(t)
	rec := httptest.NewRecorder()
	NewTraceMiddleware(log)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Len(t, traceID, shared.TraceIDLength*2)
	logger.AssertLogContains(t, buf, "request finished")
	logger.AssertLogField(t, buf, "trace_id", traceID)
	logger.AssertLogField(t, buf, "status", float64(http.StatusOK))
}
