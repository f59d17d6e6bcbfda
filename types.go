package provider

import "github.com/grantkit/oauth2-provider/server"

// TokenResponse is the token endpoint's success payload.
type TokenResponse = server.TokenResponse

// ErrorResponse is the JSON error payload served by the token endpoint and
// the resource middleware.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Client type values.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Grant type values accepted by the token endpoint.
const (
	GrantTypeAuthorizationCode = server.GrantTypeAuthorizationCode
	GrantTypeRefreshToken      = server.GrantTypeRefreshToken
	GrantTypePassword          = server.GrantTypePassword
	GrantTypeEmailAndPassword  = server.GrantTypeEmailAndPassword
	GrantTypeClientCredentials = server.GrantTypeClientCredentials
)
