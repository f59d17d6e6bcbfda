// Package session provides the cookie-backed session layer the
// authorization flow runs on. A session carries the authenticated resource
// owner plus two single-use records: the pending authorization captured at
// the entry endpoint, and the outcome (code or denial) produced by the
// consent step for the redirect endpoint to consume.
package session

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultCookieName is the session cookie name.
	DefaultCookieName = "oauthsessid"

	// DefaultTTL is how long an idle session survives.
	DefaultTTL = 2 * time.Hour

	defaultCleanupInterval = 5 * time.Minute
)

// PendingAuthorization holds the raw query parameters of an authorization
// request between the capture endpoint and the consent endpoint. The
// parameters are stored unvalidated; validation happens at consent time.
type PendingAuthorization struct {
	Params    url.Values
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Outcome is the result of the consent step, consumed exactly once by the
// redirect endpoint. Either Code or Error is set, never both.
type Outcome struct {
	RedirectURI string
	Code        string
	State       string
	Error       string
}

// Session is a single browser session. All methods are safe for concurrent
// use.
type Session struct {
	id string

	mu        sync.Mutex
	userID    string
	pending   *PendingAuthorization
	outcome   *Outcome
	expiresAt time.Time
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// SetUser marks the session as authenticated for the given user.
func (s *Session) SetUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// UserID returns the authenticated user, or "" for anonymous sessions.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SetPendingAuthorization stores the captured authorization request,
// replacing any previous one.
func (s *Session) SetPendingAuthorization(p *PendingAuthorization) {
	s.mu.Lock()
	s.pending = p
	s.outcome = nil
	s.mu.Unlock()
}

// PendingAuthorization returns the captured request, or nil when none is
// stored or the stored one expired.
func (s *Session) PendingAuthorization() *PendingAuthorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	if !s.pending.ExpiresAt.IsZero() && time.Now().After(s.pending.ExpiresAt) {
		s.pending = nil
		return nil
	}
	return s.pending
}

// SetOutcome stores the consent outcome and clears the pending request.
func (s *Session) SetOutcome(o *Outcome) {
	s.mu.Lock()
	s.outcome = o
	s.pending = nil
	s.mu.Unlock()
}

// ConsumeOutcome returns the stored outcome and clears it, so a second call
// returns nil.
func (s *Session) ConsumeOutcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.outcome
	s.outcome = nil
	return o
}

// Manager tracks sessions in memory, keyed by a cookie. Expired sessions
// are reaped by a background goroutine.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cookieName string
	ttl        time.Duration
	secure     bool
	logger     *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithCookieName overrides the session cookie name.
func WithCookieName(name string) Option {
	return func(m *Manager) { m.cookieName = name }
}

// WithTTL overrides the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithSecureCookies marks session cookies Secure.
func WithSecureCookies(secure bool) Option {
	return func(m *Manager) { m.secure = secure }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager and starts its cleanup goroutine.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		cookieName:  DefaultCookieName,
		ttl:         DefaultTTL,
		logger:      slog.Default(),
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanupLoop()

	return m
}

// Get returns the request's session, or nil when the cookie is absent,
// unknown, or expired.
func (m *Manager) Get(r *http.Request) *Session {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return nil
	}

	m.mu.RLock()
	sess, ok := m.sessions[cookie.Value]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	expired := time.Now().After(sess.expiresAt)
	sess.mu.Unlock()
	if expired {
		m.mu.Lock()
		delete(m.sessions, sess.id)
		m.mu.Unlock()
		return nil
	}

	return sess
}

// Ensure returns the request's session, creating one and setting the cookie
// when the request has none.
func (m *Manager) Ensure(w http.ResponseWriter, r *http.Request) *Session {
	if sess := m.Get(r); sess != nil {
		return sess
	}

	sess := &Session{
		id:        uuid.NewString(),
		expiresAt: time.Now().Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    sess.id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})

	return sess
}

// Destroy removes the request's session and clears the cookie.
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return
	}

	m.mu.Lock()
	delete(m.sessions, cookie.Value)
	m.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// Cleanup removes expired sessions.
func (m *Manager) Cleanup() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, sess := range m.sessions {
		sess.mu.Lock()
		expired := now.After(sess.expiresAt)
		sess.mu.Unlock()
		if expired {
			delete(m.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("expired sessions removed", "removed", removed, "remaining", len(m.sessions))
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCleanup) })
}
