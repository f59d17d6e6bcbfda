package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match them
// with errors.Is; implementations may wrap them with additional context.
var (
	// ErrClientNotFound indicates the client ID is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret indicates the presented secret does not match
	// the stored hash for a confidential client.
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrGrantNotFound indicates the authorization code does not exist, was
	// already consumed, or belongs to a different client.
	ErrGrantNotFound = errors.New("authorization grant not found")

	// ErrGrantExpired indicates the authorization code exists but is past
	// its expiry. The grant is deleted as a side effect.
	ErrGrantExpired = errors.New("authorization grant expired")

	// ErrTokenNotFound indicates the access or refresh token does not exist,
	// was already consumed, or belongs to a different client.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token exists but is past its expiry.
	ErrTokenExpired = errors.New("token expired")
)
