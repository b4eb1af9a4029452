package auth

import "errors"

var (
	// ErrUnauthorized is returned when a connection's credentials do not
	// match a known device or account.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenInvalid is returned for a malformed, expired or wrongly signed token.
	ErrTokenInvalid = errors.New("invalid token")
)
