package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/grantkit/oauth2-provider/instrumentation"
	"github.com/grantkit/oauth2-provider/security"
	"github.com/grantkit/oauth2-provider/session"
	"github.com/grantkit/oauth2-provider/storage"
)

// UserAuthenticator verifies resource-owner credentials for the password
// grants. Implementations return the stable user ID on success.
type UserAuthenticator interface {
	AuthenticateUsername(ctx context.Context, username, password string) (string, error)
	AuthenticateEmail(ctx context.Context, email, password string) (string, error)
}

// Server is the authorization server engine. Construct with New; the
// exported fields may be set before the server starts handling requests
// and must not change afterwards.
type Server struct {
	clients  storage.ClientStore
	grants   storage.GrantStore
	tokens   storage.TokenStore
	users    UserAuthenticator
	sessions *session.Manager
	backends []ClientAuthenticator

	Config          *Config
	Logger          *slog.Logger
	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter
	Instrumentation *instrumentation.Instrumentation

	// mintLocks serializes token issuance per (client, user) pair so the
	// single-access-token lookup and the retention-limit eviction do not
	// race with concurrent mints.
	mintLocks keyedMutex
}

// New creates a Server. config may be nil for defaults; logger nil falls
// back to slog.Default().
func New(clients storage.ClientStore, grants storage.GrantStore, tokens storage.TokenStore, users UserAuthenticator, sessions *session.Manager, config *Config, logger *slog.Logger) (*Server, error) {
	if clients == nil {
		return nil, errors.New("client store is required")
	}
	if grants == nil {
		return nil, errors.New("grant store is required")
	}
	if tokens == nil {
		return nil, errors.New("token store is required")
	}
	if users == nil {
		return nil, errors.New("user authenticator is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := config.withDefaults()
	cfg.logSecurityWarnings(logger)

	s := &Server{
		clients:  clients,
		grants:   grants,
		tokens:   tokens,
		users:    users,
		sessions: sessions,
		Config:   cfg,
		Logger:   logger,
	}
	s.backends = []ClientAuthenticator{
		&basicBackend{clients: clients},
		&requestParamsBackend{clients: clients},
		&publicPasswordBackend{clients: clients, users: users},
	}
	return s, nil
}

// Sessions exposes the session manager, mainly for login handlers.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Users exposes the resource-owner authenticator, mainly for login handlers.
func (s *Server) Users() UserAuthenticator { return s.users }

// generateToken returns an opaque URL-safe token. Used for authorization
// codes, access tokens, and refresh tokens alike.
func generateToken() string {
	return oauth2.GenerateVerifier()
}

// safeTruncate shortens sensitive values for logging.
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// remoteIP extracts the client IP for rate limiting and audit records.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// keyedMutex hands out one mutex per key, dropping entries when the last
// holder releases.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
