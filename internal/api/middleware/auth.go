package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/checkq/internal/api/shared"
	"github.com/phrazzld/checkq/internal/platform/logger"
	"github.com/phrazzld/checkq/internal/redact"
	"github.com/phrazzld/checkq/internal/service/auth"
)

// tokenQueryParam carries the token on websocket upgrades, where browsers
// cannot set an Authorization header.
const tokenQueryParam = "token"

// AuthMiddleware provides JWT authentication for owner and pool routes.
type AuthMiddleware struct {
	jwtService auth.JWTService
}

// NewAuthMiddleware creates a new AuthMiddleware with the given dependencies.
func NewAuthMiddleware(jwtService auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
	}
}

// Authenticate validates an owner access token and adds the owner ID to
// the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return m.authenticate(next, func(ctx context.Context, token string) (context.Context, error) {
		claims, err := m.jwtService.ValidateToken(ctx, token)
		if err != nil {
			return nil, err
		}
		return shared.WithOwnerID(ctx, claims.OwnerID), nil
	})
}

// AuthenticatePool validates a pool token and adds the pool ID to the
// request context.
func (m *AuthMiddleware) AuthenticatePool(next http.Handler) http.Handler {
	return m.authenticate(next, func(ctx context.Context, token string) (context.Context, error) {
		claims, err := m.jwtService.ValidatePoolToken(ctx, token)
		if err != nil {
			return nil, err
		}
		return shared.WithPoolID(ctx, claims.PoolID), nil
	})
}

func (m *AuthMiddleware) authenticate(
	next http.Handler,
	validate func(ctx context.Context, token string) (context.Context, error),
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, msg := bearerToken(r)
		if token == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, msg)
			return
		}

		ctx, err := validate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrExpiredToken):
				shared.RespondWithError(w, r, http.StatusUnauthorized, "Token expired")
			case errors.Is(err, auth.ErrWrongTokenType):
				shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, "Wrong token type", err,
					shared.WithElevatedLogLevel())
			case errors.Is(err, auth.ErrInvalidToken),
				errors.Is(err, auth.ErrTokenNotYetValid),
				errors.Is(err, auth.ErrMissingToken):
				shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid token")
			default:
				logger.FromContext(r.Context()).Error("failed to validate token",
					slog.String("error", redact.Error(err)))
				shared.RespondWithError(w, r, http.StatusInternalServerError, "Authentication error")
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken returns the request's token, or "" and the reason it is
// missing.
func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if isWebsocketUpgrade(r) {
			if token := r.URL.Query().Get(tokenQueryParam); token != "" {
				return token, ""
			}
		}
		return "", "Authorization header required"
	}

	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "Invalid authorization format"
	}
	return parts[1], ""
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
