// Package memory provides an in-process storage.Store backed by maps.
// Suitable for tests and single-instance deployments; use storage/redis
// when tokens must survive restarts or be shared across instances.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/oauth2-provider/instrumentation"
	"github.com/grantkit/oauth2-provider/security"
	"github.com/grantkit/oauth2-provider/storage"
)

// dummySecretHash is compared against when the client does not exist, so
// that lookup misses cost the same as a real bcrypt comparison.
var dummySecretHash = func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("timing-equalization-dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("memory: generating dummy hash: %v", err))
	}
	return hash
}()

const defaultCleanupInterval = 5 * time.Minute

// Store is an in-memory implementation of storage.Store. All operations
// are safe for concurrent use; the Consume* operations hold the write lock
// across check and delete, so a code or refresh token is redeemed at most
// once.
type Store struct {
	mu            sync.RWMutex
	clients       map[string]*storage.Client
	grants        map[string]*storage.Grant
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	logger *slog.Logger
	inst   *instrumentation.Instrumentation

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var _ storage.Store = (*Store)(nil)

// New creates a store with the default cleanup interval.
func New() *Store {
	return NewWithCleanupInterval(defaultCleanupInterval)
}

// NewWithCleanupInterval creates a store whose background sweep runs at the
// given interval. A non-positive interval disables the sweep.
func NewWithCleanupInterval(interval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		grants:          make(map[string]*storage.Grant),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		logger:          slog.Default(),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
	}

	if interval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger replaces the store's logger. A nil logger restores the default.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// SetInstrumentation attaches telemetry. Nil disables it.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	s.mu.Unlock()
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := s.DeleteExpired(context.Background())
			if err == nil && removed > 0 {
				s.logger.Debug("expired records swept", "removed", removed)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// record reports one storage operation to the instrumentation layer.
func (s *Store) record(ctx context.Context, op string, start time.Time, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrClientNotFound),
		errors.Is(err, storage.ErrGrantNotFound),
		errors.Is(err, storage.ErrTokenNotFound):
		outcome = "not_found"
	case errors.Is(err, storage.ErrGrantExpired),
		errors.Is(err, storage.ErrTokenExpired):
		outcome = "expired"
	default:
		outcome = "error"
	}
	s.inst.RecordStorageOperation(ctx, op, outcome, time.Since(start))
}

// --- clients ---

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	defer s.record(ctx, "save_client", time.Now(), nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	defer func(start time.Time) { s.record(ctx, "get_client", start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrClientNotFound)
	}
	cp := *client
	return &cp, nil
}

func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (_ *storage.Client, err error) {
	defer func(start time.Time) { s.record(ctx, "validate_client_secret", start, err) }(time.Now())

	s.mu.RLock()
	client, ok := s.clients[clientID]
	var hash string
	if ok {
		hash = client.ClientSecretHash
	}
	var cp storage.Client
	if ok {
		cp = *client
	}
	s.mu.RUnlock()

	if !ok {
		// Burn a comparison so unknown clients are indistinguishable by
		// timing from bad secrets.
		_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(clientSecret))
		return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrClientNotFound)
	}

	if cp.Public() {
		// Public clients have no secret; anything supplied is ignored.
		return &cp, nil
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret)) != nil {
		return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrInvalidClientSecret)
	}
	return &cp, nil
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	defer s.record(ctx, "delete_client", time.Now(), nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, clientID)
	return nil
}

// --- grants ---

func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	defer s.record(ctx, "save_grant", time.Now(), nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *grant
	s.grants[grant.Code] = &cp
	return nil
}

func (s *Store) GetGrant(ctx context.Context, code, clientID string) (_ *storage.Grant, err error) {
	defer func(start time.Time) { s.record(ctx, "get_grant", start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, lookupErr := s.lookupGrant(code, clientID)
	if lookupErr != nil {
		return nil, lookupErr
	}
	cp := *grant
	return &cp, nil
}

func (s *Store) ConsumeGrant(ctx context.Context, code, clientID string) (_ *storage.Grant, err error) {
	defer func(start time.Time) { s.record(ctx, "consume_grant", start, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, lookupErr := s.lookupGrant(code, clientID)
	if lookupErr != nil {
		if errors.Is(lookupErr, storage.ErrGrantExpired) {
			delete(s.grants, code)
		}
		return nil, lookupErr
	}

	delete(s.grants, code)
	cp := *grant
	return &cp, nil
}

// lookupGrant resolves a live grant. Caller holds at least the read lock.
func (s *Store) lookupGrant(code, clientID string) (*storage.Grant, error) {
	grant, ok := s.grants[code]
	if !ok || grant.ClientID != clientID {
		return nil, storage.ErrGrantNotFound
	}
	if security.IsTokenExpired(grant.ExpiresAt) {
		return nil, storage.ErrGrantExpired
	}
	return grant, nil
}

func (s *Store) DeleteGrant(ctx context.Context, code string) error {
	defer s.record(ctx, "delete_grant", time.Now(), nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.grants, code)
	return nil
}

// --- access tokens ---

func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	defer s.record(ctx, "save_access_token", time.Now(), nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.accessTokens[token.Token] = &cp
	return nil
}

func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	defer func(start time.Time) { s.record(ctx, "get_access_token", start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if security.IsTokenExpired(at.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	cp := *at
	return &cp, nil
}

func (s *Store) LatestAccessToken(ctx context.Context, clientID, userID string) (_ *storage.AccessToken, err error) {
	defer func(start time.Time) { s.record(ctx, "latest_access_token", start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *storage.AccessToken
	for _, at := range s.accessTokens {
		if at.ClientID != clientID || at.UserID != userID {
			continue
		}
		if security.IsTokenExpired(at.ExpiresAt) {
			continue
		}
		if latest == nil || at.CreatedAt.After(latest.CreatedAt) {
			latest = at
		}
	}
	if latest == nil {
		return nil, storage.ErrTokenNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	defer s.record(ctx, "delete_access_token", time.Now(), nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accessTokens, token)
	return nil
}

// --- refresh tokens ---

func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	defer s.record(ctx, "save_refresh_token", time.Now(), nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *token
	s.refreshTokens[token.Token] = &cp
	return nil
}

func (s *Store) GetRefreshToken(ctx context.Context, token, clientID string) (_ *storage.RefreshToken, err error) {
	defer func(start time.Time) { s.record(ctx, "get_refresh_token", start, err) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, lookupErr := s.lookupRefreshToken(token, clientID)
	if lookupErr != nil {
		return nil, lookupErr
	}
	cp := *rt
	return &cp, nil
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, token, clientID string) (_ *storage.RefreshToken, err error) {
	defer func(start time.Time) { s.record(ctx, "consume_refresh_token", start, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, lookupErr := s.lookupRefreshToken(token, clientID)
	if lookupErr != nil {
		if errors.Is(lookupErr, storage.ErrTokenExpired) {
			delete(s.refreshTokens, token)
		}
		return nil, lookupErr
	}

	delete(s.refreshTokens, token)
	cp := *rt
	return &cp, nil
}

// lookupRefreshToken resolves a live refresh token. Caller holds a lock.
func (s *Store) lookupRefreshToken(token, clientID string) (*storage.RefreshToken, error) {
	rt, ok := s.refreshTokens[token]
	if !ok || rt.ClientID != clientID {
		return nil, storage.ErrTokenNotFound
	}
	if security.IsTokenExpired(rt.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return rt, nil
}

func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	defer s.record(ctx, "delete_refresh_token", time.Now(), nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, token)
	return nil
}

func (s *Store) EvictExcessRefreshTokens(ctx context.Context, clientID, userID string, keep int) (_ int, err error) {
	defer func(start time.Time) { s.record(ctx, "evict_refresh_tokens", start, err) }(time.Now())

	if keep <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var live []*storage.RefreshToken
	for _, rt := range s.refreshTokens {
		if rt.ClientID != clientID || rt.UserID != userID {
			continue
		}
		if security.IsTokenExpired(rt.ExpiresAt) {
			continue
		}
		live = append(live, rt)
	}
	if len(live) <= keep {
		return 0, nil
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})

	evict := live[:len(live)-keep]
	for _, rt := range evict {
		delete(s.refreshTokens, rt.Token)
	}

	s.logger.Debug("evicted refresh tokens over retention limit",
		"client_id", clientID,
		"evicted", len(evict),
		"kept", keep)

	return len(evict), nil
}

// DeleteExpired removes expired grants, access tokens, and refresh tokens.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	defer s.record(ctx, "delete_expired", time.Now(), nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, grant := range s.grants {
		if security.IsTokenExpired(grant.ExpiresAt) {
			delete(s.grants, code)
			removed++
		}
	}
	for token, at := range s.accessTokens {
		if security.IsTokenExpired(at.ExpiresAt) {
			delete(s.accessTokens, token)
			removed++
		}
	}
	for token, rt := range s.refreshTokens {
		if security.IsTokenExpired(rt.ExpiresAt) {
			delete(s.refreshTokens, token)
			removed++
		}
	}

	return removed, nil
}
