package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/checkq/internal/config"
	"github.com/phrazzld/checkq/internal/platform/logger"
)

// hmacJWTService is an implementation of JWTService using HMAC-SHA signing.
type hmacJWTService struct {
	signingKey        []byte
	tokenLifetime     time.Duration
	poolTokenLifetime time.Duration
	timeFunc          func() time.Time // Injectable for testing
	clockSkew         time.Duration
}

type jwtCustomClaims struct {
	OwnerID   uuid.UUID `json:"oid,omitempty"`
	PoolID    string    `json:"pool,omitempty"`
	TokenType string    `json:"type"`
	jwt.RegisteredClaims
}

var _ JWTService = (*hmacJWTService)(nil)

// NewJWTService creates a new JWT service using HMAC-SHA signing.
func NewJWTService(cfg config.AuthConfig) (JWTService, error) {
	return newHMACJWTService(cfg, time.Now)
}

func newHMACJWTService(cfg config.AuthConfig, now func() time.Time) (*hmacJWTService, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}
	if now == nil {
		now = time.Now
	}
	return &hmacJWTService{
		signingKey:        []byte(cfg.JWTSecret),
		tokenLifetime:     time.Duration(cfg.TokenLifetimeMinutes) * time.Minute,
		poolTokenLifetime: time.Duration(cfg.PoolTokenLifetimeMinutes) * time.Minute,
		timeFunc:          now,
		clockSkew:         2 * time.Minute,
	}, nil
}

// GenerateToken implements JWTService.
func (s *hmacJWTService) GenerateToken(ctx context.Context, ownerID uuid.UUID) (string, error) {
	if ownerID == uuid.Nil {
		return "", fmt.Errorf("%w: owner id cannot be empty", ErrInvalidToken)
	}
	return s.sign(ctx, jwtCustomClaims{
		OwnerID:   ownerID,
		TokenType: TokenTypeAccess,
	}, ownerID.String(), s.tokenLifetime)
}

// GeneratePoolToken implements JWTService.
func (s *hmacJWTService) GeneratePoolToken(ctx context.Context, poolID string) (string, error) {
	if poolID == "" {
		return "", fmt.Errorf("%w: pool id cannot be empty", ErrInvalidToken)
	}
	return s.sign(ctx, jwtCustomClaims{
		PoolID:    poolID,
		TokenType: TokenTypePool,
	}, poolID, s.poolTokenLifetime)
}

func (s *hmacJWTService) sign(
	ctx context.Context,
	claims jwtCustomClaims,
	subject string,
	lifetime time.Duration,
) (string, error) {
	now := s.timeFunc()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		logger.FromContext(ctx).Error("failed to sign JWT",
			slog.String("error", err.Error()),
			slog.String("token_type", claims.TokenType),
			slog.String("subject", subject))
		return "", fmt.Errorf("failed to sign %s token with HMAC-SHA256: %w", claims.TokenType, err)
	}
	return signed, nil
}

// ValidateToken implements JWTService.
func (s *hmacJWTService) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.validate(ctx, tokenString, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if claims.OwnerID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidatePoolToken implements JWTService.
func (s *hmacJWTService) ValidatePoolToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.validate(ctx, tokenString, TokenTypePool)
	if err != nil {
		return nil, err
	}
	if claims.PoolID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *hmacJWTService) validate(ctx context.Context, tokenString, wantType string) (*Claims, error) {
	log := logger.FromContext(ctx)
	now := s.timeFunc()

	token, err := jwt.ParseWithClaims(
		tokenString,
		&jwtCustomClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(s.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			log.Debug("token validation failed: token expired", slog.String("token_type", wantType))
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			log.Debug("token validation failed: token not yet valid", slog.String("token_type", wantType))
			return nil, ErrTokenNotYetValid
		default:
			log.Debug("token validation failed",
				slog.String("token_type", wantType),
				slog.String("error", err.Error()))
			return nil, ErrInvalidToken
		}
	}

	claims, ok := token.Claims.(*jwtCustomClaims)
	if !ok || !token.Valid {
		log.Debug("token validation failed: invalid claims")
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		log.Debug("token validation failed: wrong token type",
			slog.String("expected", wantType),
			slog.String("actual", claims.TokenType))
		return nil, ErrWrongTokenType
	}

	out := &Claims{
		OwnerID:   claims.OwnerID,
		PoolID:    claims.PoolID,
		TokenType: claims.TokenType,
		Subject:   claims.Subject,
		ID:        claims.ID,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
