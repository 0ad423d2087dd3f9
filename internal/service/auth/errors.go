package auth

import "errors"

// Token validation failures. The API maps all of them to 401.
var (
	ErrInvalidToken     = errors.New("invalid authentication token")
	ErrExpiredToken     = errors.New("authentication token has expired")
	ErrTokenNotYetValid = errors.New("authentication token not yet valid")
	ErrMissingToken     = errors.New("authentication token is missing")

	// ErrWrongTokenType means an owner token reached a pool route or a pool
	// token reached an owner route.
	ErrWrongTokenType = errors.New("wrong authentication token type")
)
