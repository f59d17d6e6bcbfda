package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/grantkit/oauth2-provider/storage"
)

// errBackendDeclined signals that a backend had nothing to say about the
// request; the chain moves on to the next backend.
var errBackendDeclined = errors.New("client authentication backend declined")

// ClientAuthenticator authenticates the OAuth client behind a token
// endpoint request. Backends are tried in order; the first success wins
// and an exhausted chain means invalid_client.
type ClientAuthenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*storage.Client, error)
}

// basicBackend reads client credentials from HTTP Basic auth.
type basicBackend struct {
	clients storage.ClientStore
}

func (b *basicBackend) Authenticate(ctx context.Context, r *http.Request) (*storage.Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok || clientID == "" {
		return nil, errBackendDeclined
	}
	client, err := b.clients.ValidateClientSecret(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// requestParamsBackend reads client_id and client_secret from the request
// parameters. It declines when the secret parameter is absent, leaving the
// request to the public-password backend.
type requestParamsBackend struct {
	clients storage.ClientStore
}

func (b *requestParamsBackend) Authenticate(ctx context.Context, r *http.Request) (*storage.Client, error) {
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if clientID == "" || clientSecret == "" {
		return nil, errBackendDeclined
	}
	client, err := b.clients.ValidateClientSecret(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// publicPasswordBackend authenticates a PUBLIC client together with the
// resource owner's credentials. It exists for the password grants, where a
// public client cannot present a secret: possession of valid user
// credentials stands in for client authentication. Its failure therefore
// surfaces as invalid_client, not invalid_grant.
type publicPasswordBackend struct {
	clients storage.ClientStore
	users   UserAuthenticator
}

func (b *publicPasswordBackend) Authenticate(ctx context.Context, r *http.Request) (*storage.Client, error) {
	clientID := r.FormValue("client_id")
	password := r.FormValue("password")
	username := r.FormValue("username")
	email := r.FormValue("email")
	if clientID == "" || password == "" || (username == "" && email == "") {
		return nil, errBackendDeclined
	}

	client, err := b.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.Public() {
		return nil, errBackendDeclined
	}

	if username != "" {
		_, err = b.users.AuthenticateUsername(ctx, username, password)
	} else {
		_, err = b.users.AuthenticateEmail(ctx, email, password)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// authenticateClient runs the backend chain. A nil result means no backend
// could authenticate the request and the caller must answer invalid_client.
func (s *Server) authenticateClient(ctx context.Context, r *http.Request) *storage.Client {
	for _, backend := range s.backends {
		client, err := backend.Authenticate(ctx, r)
		if err == nil {
			return client
		}
		if !errors.Is(err, errBackendDeclined) {
			s.Logger.Debug("client authentication backend rejected request",
				"client_id", r.FormValue("client_id"),
				"error", err)
		}
	}
	return nil
}

// AuthenticateBearer resolves the access token presented by a resource
// request, from the Authorization header or the access_token parameter.
// The token must exist, be unexpired, and belong to a registered client.
func (s *Server) AuthenticateBearer(ctx context.Context, r *http.Request) (*storage.AccessToken, *storage.Client, error) {
	token := ""
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			token = rest
		}
	}
	if token == "" {
		token = r.FormValue("access_token")
	}
	if token == "" {
		return nil, nil, storage.ErrTokenNotFound
	}

	at, err := s.tokens.GetAccessToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	client, err := s.clients.GetClient(ctx, at.ClientID)
	if err != nil {
		return nil, nil, err
	}
	return at, client, nil
}
