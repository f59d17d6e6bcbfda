package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/grantkit/oauth2-provider/scope"
	"github.com/grantkit/oauth2-provider/storage"
)

// Authorization flow error messages. These exact strings are part of the
// compatibility surface; clients and their test suites match on them.
const (
	msgUnauthorizedClient      = "An unauthorized client tried to access your resources."
	msgNoResponseType          = "No 'response_type' supplied."
	msgUnsupportedResponseType = "'%s' is not a supported response type."
	msgRedirectMismatch        = "The requested redirect didn't match the client settings."
	msgInvalidURL              = "Enter a valid URL."
	msgSecureRequired          = "A secure connection is required."
	msgInvalidRedirectRequest  = "Missing authorization data."
)

// FlowError is a terminal authorization flow failure, rendered to the
// browser as a plain 400. Pre-consent failures never redirect to the
// client: a request this malformed gets no redirect at all.
type FlowError struct {
	Message string
}

func (e *FlowError) Error() string { return e.Message }

func flowErrorf(format string, args ...any) *FlowError {
	return &FlowError{Message: fmt.Sprintf(format, args...)}
}

// authorizationRequest is a validated authorization request, ready for the
// consent step.
type authorizationRequest struct {
	Client       *storage.Client
	ResponseType string
	RedirectURI  string
	State        string
	Scope        int
}

// validateAuthorizationRequest checks the captured query parameters against
// the client registry and the scope table. Validation order matters for
// compatibility: client first, then response_type, then redirect_uri, then
// scope.
func (s *Server) validateAuthorizationRequest(ctx context.Context, params url.Values) (*authorizationRequest, *FlowError) {
	clientID := params.Get("client_id")
	if clientID == "" {
		return nil, &FlowError{Message: msgUnauthorizedClient}
	}
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Error("client lookup failed during authorization", "client_id", clientID, "error", err)
		}
		return nil, &FlowError{Message: msgUnauthorizedClient}
	}

	responseType := params.Get("response_type")
	if responseType == "" {
		return nil, &FlowError{Message: msgNoResponseType}
	}
	if responseType != ResponseTypeCode && responseType != ResponseTypeToken {
		return nil, flowErrorf(msgUnsupportedResponseType, responseType)
	}

	redirectURI := params.Get("redirect_uri")
	if redirectURI != "" {
		parsed, err := url.Parse(redirectURI)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, &FlowError{Message: msgInvalidURL}
		}
		if !clientHasRedirectURI(client, redirectURI) {
			return nil, &FlowError{Message: msgRedirectMismatch}
		}
	} else {
		if len(client.RedirectURIs) == 0 {
			return nil, &FlowError{Message: msgRedirectMismatch}
		}
		redirectURI = client.RedirectURIs[0]
	}

	mask, err := s.Config.Scopes.Parse(params.Get("scope"))
	if err != nil {
		var invalid *scope.InvalidScopeError
		if errors.As(err, &invalid) {
			return nil, &FlowError{Message: invalid.Error()}
		}
		return nil, &FlowError{Message: err.Error()}
	}

	return &authorizationRequest{
		Client:       client,
		ResponseType: responseType,
		RedirectURI:  redirectURI,
		State:        params.Get("state"),
		Scope:        mask,
	}, nil
}

// clientHasRedirectURI checks for an exact match against the registered
// redirect URIs. No prefix or pattern matching.
func clientHasRedirectURI(client *storage.Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}
