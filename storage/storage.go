package storage

import (
	"context"
	"time"
)

// Client type values. Duplicated in the server package to avoid import
// cycles; keep them in sync.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Client is a registered OAuth application.
type Client struct {
	ClientID string `json:"client_id"`

	// ClientSecretHash holds the bcrypt hash of the client secret.
	// Empty for public clients, which never present a secret.
	ClientSecretHash string `json:"client_secret_hash,omitempty"`

	// ClientType is "confidential" or "public".
	ClientType string `json:"client_type"`

	// RedirectURIs are the registered redirect endpoints. The first entry
	// is the default when the authorization request omits redirect_uri.
	RedirectURIs []string `json:"redirect_uris"`

	// UserID optionally ties the client to an owning resource owner; it is
	// the user attributed to client_credentials tokens.
	UserID string `json:"user_id,omitempty"`

	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Public reports whether the client is a public client.
func (c *Client) Public() bool { return c.ClientType == ClientTypePublic }

// Confidential reports whether the client is a confidential client.
func (c *Client) Confidential() bool { return c.ClientType == ClientTypeConfidential }

// Grant is a single-use authorization code issued after user consent,
// redeemable for tokens until it expires or is consumed.
type Grant struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	Scope       int       `json:"scope"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AccessToken is an opaque bearer token.
type AccessToken struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
	Scope    int    `json:"scope"`

	// RefreshToken back-references the refresh token minted alongside this
	// access token, empty when none was issued.
	RefreshToken string `json:"refresh_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshToken is an opaque token exchangeable for a fresh access token.
// A zero ExpiresAt means the token does not expire on its own; it lives
// until consumed or evicted by the retention limit.
type RefreshToken struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
	Scope    int    `json:"scope"`

	// AccessToken is the access token currently paired with this refresh
	// token. Updated in place when rotation keeps the refresh token.
	AccessToken string `json:"access_token"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// ClientStore persists registered clients.
type ClientStore interface {
	// SaveClient stores or replaces a client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound when
	// the ID is not registered.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret retrieves the client and, for confidential
	// clients, verifies the secret against the stored hash in constant
	// time. Public clients validate regardless of the supplied secret.
	// Returns ErrClientNotFound or ErrInvalidClientSecret.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (*Client, error)

	// DeleteClient removes a client. Deleting an unknown ID is not an error.
	DeleteClient(ctx context.Context, clientID string) error
}

// GrantStore persists single-use authorization codes.
type GrantStore interface {
	// SaveGrant stores an authorization grant.
	SaveGrant(ctx context.Context, grant *Grant) error

	// GetGrant retrieves a grant without consuming it. The clientID must
	// match the grant's client; a mismatch reports ErrGrantNotFound rather
	// than leaking the grant's existence. Expired grants report
	// ErrGrantExpired.
	GetGrant(ctx context.Context, code, clientID string) (*Grant, error)

	// ConsumeGrant atomically retrieves and deletes a grant. At most one
	// concurrent caller succeeds; the rest get ErrGrantNotFound.
	ConsumeGrant(ctx context.Context, code, clientID string) (*Grant, error)

	// DeleteGrant removes a grant. Deleting an unknown code is not an error.
	DeleteGrant(ctx context.Context, code string) error
}

// TokenStore persists access and refresh tokens.
type TokenStore interface {
	// SaveAccessToken stores or replaces an access token.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token. Expired tokens report
	// ErrTokenExpired.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// LatestAccessToken returns the most recently created unexpired access
	// token for the (client, user) pair, or ErrTokenNotFound.
	LatestAccessToken(ctx context.Context, clientID, userID string) (*AccessToken, error)

	// DeleteAccessToken removes an access token. Unknown tokens are not an
	// error.
	DeleteAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken stores or replaces a refresh token.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token without consuming it. The
	// clientID must match; mismatches report ErrTokenNotFound.
	GetRefreshToken(ctx context.Context, token, clientID string) (*RefreshToken, error)

	// ConsumeRefreshToken atomically retrieves and deletes a refresh token.
	// At most one concurrent caller succeeds; the rest get ErrTokenNotFound.
	ConsumeRefreshToken(ctx context.Context, token, clientID string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token. Unknown tokens are not an
	// error.
	DeleteRefreshToken(ctx context.Context, token string) error

	// EvictExcessRefreshTokens deletes the oldest live refresh tokens of
	// the (client, user) pair until at most keep remain, returning how many
	// were evicted. keep <= 0 evicts nothing.
	EvictExcessRefreshTokens(ctx context.Context, clientID, userID string, keep int) (int, error)

	// DeleteExpired removes every expired grant, access token, and refresh
	// token, returning the number of records removed.
	DeleteExpired(ctx context.Context) (int, error)
}

// Store combines all persistence contracts.
type Store interface {
	ClientStore
	GrantStore
	TokenStore
}
