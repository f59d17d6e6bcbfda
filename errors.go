package provider

import (
	"fmt"
	"net/http"
)

// OAuthError is a protocol-level error with its OAuth error code and the
// HTTP status it should be served with.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewInvalidRequestError creates an invalid_request error.
func NewInvalidRequestError(description string) *OAuthError {
	return &OAuthError{Code: "invalid_request", Description: description, Status: http.StatusBadRequest}
}

// NewInvalidTokenError creates an invalid_token error for resource
// requests with a missing, unknown, or expired bearer token.
func NewInvalidTokenError(description string) *OAuthError {
	return &OAuthError{Code: "invalid_token", Description: description, Status: http.StatusUnauthorized}
}

// NewInsufficientScopeError creates an insufficient_scope error for
// resource requests whose token lacks the required scope.
func NewInsufficientScopeError(description string) *OAuthError {
	return &OAuthError{Code: "insufficient_scope", Description: description, Status: http.StatusForbidden}
}
