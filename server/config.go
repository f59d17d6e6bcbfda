package server

import (
	"log/slog"
	"time"

	"github.com/grantkit/oauth2-provider/scope"
)

// Grant type values accepted by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password"
	GrantTypeEmailAndPassword  = "email_and_password"
	GrantTypeClientCredentials = "client_credentials"
)

// Response type values accepted by the authorization endpoint.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// Default lifetimes.
const (
	// DefaultGrantTTL is how long an authorization code stays redeemable.
	DefaultGrantTTL = 10 * time.Minute

	// DefaultAccessTokenTTL applies to access tokens in general.
	DefaultAccessTokenTTL = 7 * 24 * time.Hour

	// DefaultPublicPasswordTokenTTL applies to access tokens minted for
	// PUBLIC clients through the password grants, which cannot hold a
	// refresh token and therefore get a longer-lived access token.
	DefaultPublicPasswordTokenTTL = 30 * 24 * time.Hour

	// DefaultPendingAuthorizationTTL bounds how long a captured
	// authorization request waits for the user's consent decision.
	DefaultPendingAuthorizationTTL = 10 * time.Minute
)

// Default endpoint paths. The capture endpoint redirects to AuthorizePath
// and consent redirects to RedirectPath, so the engine needs to know where
// the root package mounted them.
const (
	DefaultLoginPath     = "/login"
	DefaultAuthorizePath = "/oauth2/authorize/confirm"
	DefaultRedirectPath  = "/oauth2/redirect"
)

// Config holds the engine's policies. It is read once at construction and
// never mutated afterwards; changing policy means building a new Server.
type Config struct {
	// Scopes is the scope table. Nil selects scope.Default().
	Scopes *scope.Table

	// DefaultScope is the mask assumed when a token request carries no
	// scope parameter. Zero means "no scope".
	DefaultScope int

	// EnforceSecure rejects plain-HTTP requests on every OAuth endpoint.
	EnforceSecure bool

	// GrantTTL is the authorization code lifetime. Zero selects the default.
	GrantTTL time.Duration

	// AccessTokenTTL is the access token lifetime. Zero selects the default.
	AccessTokenTTL time.Duration

	// PublicPasswordTokenTTL is the access token lifetime for password
	// grants by public clients. Zero selects the default.
	PublicPasswordTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime. Zero means refresh
	// tokens never expire on their own.
	RefreshTokenTTL time.Duration

	// PendingAuthorizationTTL bounds the capture-to-consent window. Zero
	// selects the default.
	PendingAuthorizationTTL time.Duration

	// SingleAccessToken reuses the most recent unexpired access token of a
	// (client, user) pair instead of minting a new one on every grant.
	SingleAccessToken bool

	// RefreshTokenLimit caps the live refresh tokens per (client, user)
	// pair, evicting oldest first. Zero means unlimited.
	RefreshTokenLimit int

	// KeepRefreshToken re-uses the presented refresh token on refresh
	// exchanges instead of rotating it.
	KeepRefreshToken bool

	// DeleteExpired sweeps expired grants and tokens after each token
	// endpoint success, in addition to the stores' background cleanup.
	DeleteExpired bool

	// LoginPath is where unauthenticated browsers are sent. The login UI
	// itself is out of scope; it only has to authenticate the session.
	LoginPath string

	// AuthorizePath is where the consent endpoint is mounted.
	AuthorizePath string

	// RedirectPath is where the internal redirect endpoint is mounted.
	RedirectPath string
}

// withDefaults returns a copy of c with zero values filled in. A nil c
// yields the full default config.
func (c *Config) withDefaults() *Config {
	cfg := Config{}
	if c != nil {
		cfg = *c
	}
	if cfg.Scopes == nil {
		cfg.Scopes = scope.Default()
	}
	if cfg.GrantTTL <= 0 {
		cfg.GrantTTL = DefaultGrantTTL
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.PublicPasswordTokenTTL <= 0 {
		cfg.PublicPasswordTokenTTL = DefaultPublicPasswordTokenTTL
	}
	if cfg.PendingAuthorizationTTL <= 0 {
		cfg.PendingAuthorizationTTL = DefaultPendingAuthorizationTTL
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.AuthorizePath == "" {
		cfg.AuthorizePath = DefaultAuthorizePath
	}
	if cfg.RedirectPath == "" {
		cfg.RedirectPath = DefaultRedirectPath
	}
	return &cfg
}

// logSecurityWarnings calls out configuration that weakens the deployment.
func (c *Config) logSecurityWarnings(logger *slog.Logger) {
	if !c.EnforceSecure {
		logger.Warn("EnforceSecure is disabled; OAuth endpoints will accept plain HTTP")
	}
	if c.KeepRefreshToken {
		logger.Warn("KeepRefreshToken is enabled; refresh tokens are not rotated on use")
	}
	if c.RefreshTokenTTL <= 0 {
		logger.Info("refresh tokens have no expiry; they live until consumed or evicted")
	}
}
