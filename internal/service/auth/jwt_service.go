// Package auth issues and validates the bearer tokens used by the API. Owners
// submit and watch sessions with access tokens; worker pools claim and report
// with pool tokens.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Token types carried in the "type" claim.
const (
	TokenTypeAccess = "access"
	TokenTypePool   = "pool"
)

// JWTService defines operations for managing JWT authentication tokens.
type JWTService interface {
	// GenerateToken creates an access token for an owner.
	GenerateToken(ctx context.Context, ownerID uuid.UUID) (string, error)

	// ValidateToken validates an access token and returns its claims.
	// Pool tokens are rejected with ErrWrongTokenType.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)

	// GeneratePoolToken creates a token that identifies a worker pool.
	GeneratePoolToken(ctx context.Context, poolID string) (string, error)

	// ValidatePoolToken validates a pool token and returns its claims.
	// Access tokens are rejected with ErrWrongTokenType.
	ValidatePoolToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims is the validated content of a token. OwnerID is set for access
// tokens, PoolID for pool tokens.
type Claims struct {
	OwnerID   uuid.UUID `json:"oid,omitempty"`
	PoolID    string    `json:"pool,omitempty"`
	TokenType string    `json:"type,omitempty"`

	Subject   string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
