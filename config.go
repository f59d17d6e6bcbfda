package provider

import (
	"log/slog"
	"time"

	"github.com/grantkit/oauth2-provider/instrumentation"
	"github.com/grantkit/oauth2-provider/server"
	"github.com/grantkit/oauth2-provider/storage"
)

// DefaultBasePath is where the OAuth endpoints are mounted.
const DefaultBasePath = "/oauth2"

// Config wires a Provider together. Only Users is required; everything
// else has a working default.
type Config struct {
	// Users authenticates resource owners for the password grants and is
	// required.
	Users server.UserAuthenticator

	// Store persists clients, grants, and tokens. Nil selects an
	// in-memory store owned (and stopped) by the provider.
	Store storage.Store

	// Engine holds the authorization server policies (scope table, token
	// lifetimes, policy flags). Zero values select the engine defaults.
	Engine server.Config

	// BasePath prefixes the four OAuth endpoints. Default "/oauth2".
	BasePath string

	// SessionTTL bounds browser sessions. Zero selects the session
	// package default.
	SessionTTL time.Duration

	// SessionCookieName overrides the session cookie name.
	SessionCookieName string

	// RateLimitRPS enables per-IP rate limiting on the token endpoint
	// when positive, allowing this many requests per second.
	RateLimitRPS int

	// RateLimitBurst is the rate limiter burst. Zero selects RateLimitRPS.
	RateLimitBurst int

	// EnableAuditLogging turns on structured security audit events.
	EnableAuditLogging bool

	// Instrumentation configures OpenTelemetry metrics and traces.
	Instrumentation instrumentation.Config

	// Logger receives the provider's structured logs. Nil falls back to
	// slog.Default().
	Logger *slog.Logger
}
