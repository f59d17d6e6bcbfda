package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/grantkit/oauth2-provider/instrumentation"
	"github.com/grantkit/oauth2-provider/scope"
	"github.com/grantkit/oauth2-provider/security"
	"github.com/grantkit/oauth2-provider/server"
	"github.com/grantkit/oauth2-provider/session"
	"github.com/grantkit/oauth2-provider/storage"
	"github.com/grantkit/oauth2-provider/storage/memory"
)

// Provider bundles the authorization server engine with its session
// manager, storage, and telemetry, and mounts the HTTP endpoints.
type Provider struct {
	Server   *server.Server
	Sessions *session.Manager

	store     storage.Store
	ownsStore bool
	basePath  string
}

// New builds a Provider from config.
func New(cfg Config) (*Provider, error) {
	if cfg.Users == nil {
		return nil, errors.New("config: Users is required")
	}

	logger := cfg.Logger

	basePath := strings.TrimSuffix(cfg.BasePath, "/")
	if basePath == "" {
		basePath = DefaultBasePath
	}

	inst, err := instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("setting up instrumentation: %w", err)
	}

	store := cfg.Store
	ownsStore := false
	if store == nil {
		memStore := memory.New()
		if logger != nil {
			memStore.SetLogger(logger)
		}
		memStore.SetInstrumentation(inst)
		store = memStore
		ownsStore = true
	}

	sessionOpts := []session.Option{
		session.WithSecureCookies(cfg.Engine.EnforceSecure),
	}
	if cfg.SessionTTL > 0 {
		sessionOpts = append(sessionOpts, session.WithTTL(cfg.SessionTTL))
	}
	if cfg.SessionCookieName != "" {
		sessionOpts = append(sessionOpts, session.WithCookieName(cfg.SessionCookieName))
	}
	if logger != nil {
		sessionOpts = append(sessionOpts, session.WithLogger(logger))
	}
	sessions := session.NewManager(sessionOpts...)

	engineCfg := cfg.Engine
	if engineCfg.AuthorizePath == "" {
		engineCfg.AuthorizePath = basePath + "/authorize/confirm"
	}
	if engineCfg.RedirectPath == "" {
		engineCfg.RedirectPath = basePath + "/redirect"
	}

	srv, err := server.New(store, store, store, cfg.Users, sessions, &engineCfg, logger)
	if err != nil {
		sessions.Stop()
		return nil, err
	}

	srv.Instrumentation = inst
	srv.Auditor = security.NewAuditor(srv.Logger, cfg.EnableAuditLogging)
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = cfg.RateLimitRPS
		}
		srv.RateLimiter = security.NewRateLimiter(cfg.RateLimitRPS, burst, srv.Logger)
	}

	return &Provider{
		Server:    srv,
		Sessions:  sessions,
		store:     store,
		ownsStore: ownsStore,
		basePath:  basePath,
	}, nil
}

// Handler returns an http.Handler serving the four OAuth endpoints.
func (p *Provider) Handler() http.Handler {
	mux := http.NewServeMux()
	p.Routes(mux)
	return mux
}

// Routes mounts the OAuth endpoints on an existing mux:
//
//	GET  {base}/authorize          authorization entry (capture)
//	GET  {base}/authorize/confirm  consent form
//	POST {base}/authorize/confirm  consent decision
//	GET  {base}/redirect           redirect back to the client
//	POST {base}/access_token       token endpoint
func (p *Provider) Routes(mux *http.ServeMux) {
	mux.HandleFunc(p.basePath+"/authorize", p.Server.HandleCapture)
	mux.HandleFunc(p.basePath+"/authorize/confirm", p.Server.HandleAuthorize)
	mux.HandleFunc(p.basePath+"/redirect", p.Server.HandleRedirect)
	mux.HandleFunc(p.basePath+"/access_token", p.Server.HandleToken)
}

// RegisterClient registers an OAuth client and returns it together with
// the plaintext secret. The secret is bcrypt-hashed before storage and not
// recoverable later; public clients get no secret.
func (p *Provider) RegisterClient(ctx context.Context, name, clientType string, redirectURIs []string) (*storage.Client, string, error) {
	if clientType != storage.ClientTypePublic {
		clientType = storage.ClientTypeConfidential
	}

	client := &storage.Client{
		ClientID:     uuid.NewString(),
		ClientType:   clientType,
		RedirectURIs: redirectURIs,
		Name:         name,
		CreatedAt:    time.Now(),
	}

	secret := ""
	if clientType == storage.ClientTypeConfidential {
		secret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("hashing client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := p.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("saving client: %w", err)
	}

	p.Server.Logger.Info("registered OAuth client",
		"client_id", client.ClientID,
		"client_name", client.Name,
		"client_type", client.ClientType)

	return client, secret, nil
}

// VerifyRequest resolves the bearer token of a resource request and checks
// that it carries at least requiredScope. Failures are *OAuthError values
// with the appropriate HTTP status.
func (p *Provider) VerifyRequest(r *http.Request, requiredScope int) (*storage.AccessToken, error) {
	at, _, err := p.Server.AuthenticateBearer(r.Context(), r)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenExpired):
			return nil, NewInvalidTokenError("the access token has expired")
		default:
			return nil, NewInvalidTokenError("invalid access token")
		}
	}
	if !scope.IsSubset(requiredScope, at.Scope) {
		return nil, NewInsufficientScopeError("the access token does not grant the required scope")
	}
	return at, nil
}

// RequireScope wraps a resource handler with bearer-token authentication.
// Failures are answered as JSON with WWW-Authenticate set.
func (p *Provider) RequireScope(requiredScope int, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := p.VerifyRequest(r, requiredScope); err != nil {
			var oe *OAuthError
			if !errors.As(err, &oe) {
				oe = NewInvalidTokenError("invalid access token")
			}
			w.Header().Set("WWW-Authenticate", `Bearer error="`+oe.Code+`"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(oe.Status)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: oe.Code, ErrorDescription: oe.Description})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close releases the provider's background resources: the session manager,
// the rate limiter, and the store when the provider created it.
func (p *Provider) Close() {
	p.Sessions.Stop()
	if p.Server.RateLimiter != nil {
		p.Server.RateLimiter.Stop()
	}
	if p.ownsStore {
		if stopper, ok := p.store.(interface{ Stop() }); ok {
			stopper.Stop()
		}
	}
}
