package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/grantkit/oauth2-provider/scope"
	"github.com/grantkit/oauth2-provider/storage"
)

// OAuth error codes for the token endpoint.
const (
	ErrorInvalidRequest       = "invalid_request"
	ErrorInvalidClient        = "invalid_client"
	ErrorInvalidGrant         = "invalid_grant"
	ErrorInvalidScope         = "invalid_scope"
	ErrorUnsupportedGrantType = "unsupported_grant_type"
	ErrorServerError          = "server_error"
)

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// tokenError carries an OAuth error code through the grant handlers.
type tokenError struct {
	code string
}

func (e *tokenError) Error() string { return e.code }

func tokenErr(code string) error { return &tokenError{code: code} }

// HandleToken is the token endpoint. Protocol failures are a 400 JSON body
// of the form {"error": "<code>"}; only the secure-transport check answers
// in plain text, before any OAuth processing happens.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if !s.requireSecure(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeTokenError(w, r, ErrorInvalidRequest)
		return
	}

	if s.RateLimiter != nil && !s.RateLimiter.Allow(remoteIP(r)) {
		s.Auditor.LogRateLimitExceeded(remoteIP(r), r.PostForm.Get("client_id"))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ctx := r.Context()
	grantType := r.PostForm.Get("grant_type")

	var resp *TokenResponse
	var err error
	switch grantType {
	case GrantTypeAuthorizationCode:
		resp, err = s.authorizationCodeGrant(ctx, r)
	case GrantTypeRefreshToken:
		resp, err = s.refreshTokenGrant(ctx, r)
	case GrantTypePassword:
		resp, err = s.passwordGrant(ctx, r, false)
	case GrantTypeEmailAndPassword:
		resp, err = s.passwordGrant(ctx, r, true)
	case GrantTypeClientCredentials:
		resp, err = s.clientCredentialsGrant(ctx, r)
	default:
		err = tokenErr(ErrorUnsupportedGrantType)
	}

	if err != nil {
		code := ErrorServerError
		var te *tokenError
		if errors.As(err, &te) {
			code = te.code
		} else {
			s.Logger.Error("token endpoint internal error", "grant_type", grantType, "error", err)
		}
		s.writeTokenError(w, r, code)
		return
	}

	if s.Config.DeleteExpired {
		if removed, err := s.tokens.DeleteExpired(ctx); err == nil && removed > 0 {
			s.Logger.Debug("expired records removed", "removed", removed)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.Logger.Error("encoding token response failed", "error", err)
	}
}

func (s *Server) writeTokenError(w http.ResponseWriter, r *http.Request, code string) {
	s.Instrumentation.RecordTokenEndpointError(r.Context(), code)

	status := http.StatusBadRequest
	if code == ErrorServerError {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// requireClient runs the client authentication backend chain.
func (s *Server) requireClient(ctx context.Context, r *http.Request) (*storage.Client, error) {
	client := s.authenticateClient(ctx, r)
	if client == nil {
		s.Auditor.LogAuthFailure("", r.PostForm.Get("client_id"), remoteIP(r), "client authentication failed")
		return nil, tokenErr(ErrorInvalidClient)
	}
	return client, nil
}

// parseRequestedScope reads the optional scope parameter, falling back to
// the configured default mask.
func (s *Server) parseRequestedScope(r *http.Request) (int, error) {
	raw := r.PostForm.Get("scope")
	if raw == "" {
		return s.Config.DefaultScope, nil
	}
	mask, err := s.Config.Scopes.Parse(raw)
	if err != nil {
		var invalid *scope.InvalidScopeError
		if errors.As(err, &invalid) {
			return 0, tokenErr(ErrorInvalidScope)
		}
		return 0, err
	}
	return mask, nil
}

func (s *Server) authorizationCodeGrant(ctx context.Context, r *http.Request) (*TokenResponse, error) {
	client, err := s.requireClient(ctx, r)
	if err != nil {
		return nil, err
	}

	code := r.PostForm.Get("code")
	if code == "" {
		return nil, tokenErr(ErrorInvalidGrant)
	}

	// Validate against the grant before consuming it, so a scope or
	// redirect mismatch does not burn the single-use code.
	grant, err := s.grants.GetGrant(ctx, code, client.ClientID)
	if err != nil {
		s.Auditor.LogAuthFailure("", client.ClientID, remoteIP(r), "unknown or expired authorization code")
		return nil, tokenErr(ErrorInvalidGrant)
	}

	if redirectURI := r.PostForm.Get("redirect_uri"); redirectURI != "" && redirectURI != grant.RedirectURI {
		return nil, tokenErr(ErrorInvalidGrant)
	}

	mask := grant.Scope
	if raw := r.PostForm.Get("scope"); raw != "" {
		requested, err := s.Config.Scopes.Parse(raw)
		if err != nil {
			return nil, tokenErr(ErrorInvalidScope)
		}
		// A code is good for at most the scope the user consented to.
		if !scope.IsSubset(requested, grant.Scope) {
			return nil, tokenErr(ErrorInvalidScope)
		}
		mask = requested
	}

	if _, err := s.grants.ConsumeGrant(ctx, code, client.ClientID); err != nil {
		// Lost the race with a concurrent redemption.
		return nil, tokenErr(ErrorInvalidGrant)
	}

	return s.issueAccessToken(ctx, r, client, grant.UserID, mask, GrantTypeAuthorizationCode)
}

func (s *Server) refreshTokenGrant(ctx context.Context, r *http.Request) (*TokenResponse, error) {
	client, err := s.requireClient(ctx, r)
	if err != nil {
		return nil, err
	}

	presented := r.PostForm.Get("refresh_token")
	if presented == "" {
		return nil, tokenErr(ErrorInvalidGrant)
	}

	unlock := s.mintLocks.lock(client.ClientID + "|" + presented)
	defer unlock()

	var rt *storage.RefreshToken
	if s.Config.KeepRefreshToken {
		rt, err = s.tokens.GetRefreshToken(ctx, presented, client.ClientID)
	} else {
		rt, err = s.tokens.ConsumeRefreshToken(ctx, presented, client.ClientID)
	}
	if err != nil {
		s.Auditor.LogAuthFailure("", client.ClientID, remoteIP(r), "unknown or expired refresh token")
		return nil, tokenErr(ErrorInvalidGrant)
	}

	mask := rt.Scope
	if raw := r.PostForm.Get("scope"); raw != "" {
		requested, parseErr := s.Config.Scopes.Parse(raw)
		if parseErr != nil {
			return nil, tokenErr(ErrorInvalidScope)
		}
		if !scope.IsSubset(requested, rt.Scope) {
			return nil, tokenErr(ErrorInvalidScope)
		}
		mask = requested
	}

	// The old access token dies with the exchange regardless of rotation
	// policy.
	if rt.AccessToken != "" {
		if err := s.tokens.DeleteAccessToken(ctx, rt.AccessToken); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	at := &storage.AccessToken{
		Token:     generateToken(),
		ClientID:  client.ClientID,
		UserID:    rt.UserID,
		Scope:     mask,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Config.AccessTokenTTL),
	}

	if s.Config.KeepRefreshToken {
		at.RefreshToken = rt.Token
		if err := s.tokens.SaveAccessToken(ctx, at); err != nil {
			return nil, err
		}
		rt.AccessToken = at.Token
		if err := s.tokens.SaveRefreshToken(ctx, rt); err != nil {
			return nil, err
		}
	} else {
		fresh := s.newRefreshToken(client, rt.UserID, mask, at.Token, now)
		at.RefreshToken = fresh.Token
		if err := s.tokens.SaveAccessToken(ctx, at); err != nil {
			return nil, err
		}
		if err := s.tokens.SaveRefreshToken(ctx, fresh); err != nil {
			return nil, err
		}
		s.enforceRefreshRetention(ctx, client, rt.UserID)
	}

	s.Logger.Info("access token refreshed",
		"client_id", client.ClientID,
		"token", safeTruncate(at.Token, 8),
		"rotated", !s.Config.KeepRefreshToken)
	s.Auditor.LogTokenRefreshed(rt.UserID, client.ClientID, remoteIP(r), !s.Config.KeepRefreshToken)
	s.Instrumentation.RecordTokenIssued(ctx, GrantTypeRefreshToken, client.ClientType)

	return s.tokenResponse(at), nil
}

func (s *Server) passwordGrant(ctx context.Context, r *http.Request, byEmail bool) (*TokenResponse, error) {
	client, err := s.requireClient(ctx, r)
	if err != nil {
		return nil, err
	}

	password := r.PostForm.Get("password")
	var userID string
	if byEmail {
		userID, err = s.users.AuthenticateEmail(ctx, r.PostForm.Get("email"), password)
	} else {
		userID, err = s.users.AuthenticateUsername(ctx, r.PostForm.Get("username"), password)
	}
	if err != nil {
		s.Auditor.LogAuthFailure("", client.ClientID, remoteIP(r), "resource owner authentication failed")
		// For a public client the user's credentials are also the client's
		// credentials, so their failure is a client authentication failure.
		if client.Public() {
			return nil, tokenErr(ErrorInvalidClient)
		}
		return nil, tokenErr(ErrorInvalidGrant)
	}

	mask, err := s.parseRequestedScope(r)
	if err != nil {
		return nil, err
	}

	grantType := GrantTypePassword
	if byEmail {
		grantType = GrantTypeEmailAndPassword
	}
	return s.issueAccessToken(ctx, r, client, userID, mask, grantType)
}

func (s *Server) clientCredentialsGrant(ctx context.Context, r *http.Request) (*TokenResponse, error) {
	client, err := s.requireClient(ctx, r)
	if err != nil {
		return nil, err
	}
	// Only confidential clients may act on their own behalf; a public
	// client holds no credentials of its own.
	if !client.Confidential() {
		return nil, tokenErr(ErrorInvalidClient)
	}

	mask, err := s.parseRequestedScope(r)
	if err != nil {
		return nil, err
	}

	return s.issueAccessToken(ctx, r, client, client.UserID, mask, GrantTypeClientCredentials)
}

// issueAccessToken mints (or, in single-access-token mode, reuses) an
// access token for the non-refresh grants. Issuance per (client, user) is
// serialized so reuse and retention eviction stay consistent under load.
func (s *Server) issueAccessToken(ctx context.Context, r *http.Request, client *storage.Client, userID string, mask int, grantType string) (*TokenResponse, error) {
	unlock := s.mintLocks.lock(client.ClientID + "|" + userID)
	defer unlock()

	if s.Config.SingleAccessToken {
		if existing, err := s.tokens.LatestAccessToken(ctx, client.ClientID, userID); err == nil {
			s.Logger.Debug("reusing access token",
				"client_id", client.ClientID,
				"token", safeTruncate(existing.Token, 8))
			return s.tokenResponse(existing), nil
		}
	}

	ttl := s.Config.AccessTokenTTL
	isPasswordGrant := grantType == GrantTypePassword || grantType == GrantTypeEmailAndPassword
	if isPasswordGrant && client.Public() {
		ttl = s.Config.PublicPasswordTokenTTL
	}

	now := time.Now()
	at := &storage.AccessToken{
		Token:     generateToken(),
		ClientID:  client.ClientID,
		UserID:    userID,
		Scope:     mask,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	// Refresh tokens go to clients that can keep them secret: every
	// authorization_code redemption, and password grants by confidential
	// clients. client_credentials never gets one.
	withRefresh := grantType == GrantTypeAuthorizationCode ||
		(isPasswordGrant && client.Confidential())

	if withRefresh {
		rt := s.newRefreshToken(client, userID, mask, at.Token, now)
		at.RefreshToken = rt.Token
		if err := s.tokens.SaveAccessToken(ctx, at); err != nil {
			return nil, err
		}
		if err := s.tokens.SaveRefreshToken(ctx, rt); err != nil {
			return nil, err
		}
		s.enforceRefreshRetention(ctx, client, userID)
	} else {
		if err := s.tokens.SaveAccessToken(ctx, at); err != nil {
			return nil, err
		}
	}

	s.Logger.Info("access token issued",
		"grant_type", grantType,
		"client_id", client.ClientID,
		"token", safeTruncate(at.Token, 8),
		"scope", s.Config.Scopes.String(mask))
	s.Auditor.LogTokenIssued(userID, client.ClientID, remoteIP(r), grantType, s.Config.Scopes.String(mask))
	s.Instrumentation.RecordTokenIssued(ctx, grantType, client.ClientType)

	return s.tokenResponse(at), nil
}

func (s *Server) newRefreshToken(client *storage.Client, userID string, mask int, accessToken string, now time.Time) *storage.RefreshToken {
	rt := &storage.RefreshToken{
		Token:       generateToken(),
		ClientID:    client.ClientID,
		UserID:      userID,
		Scope:       mask,
		AccessToken: accessToken,
		CreatedAt:   now,
	}
	if s.Config.RefreshTokenTTL > 0 {
		rt.ExpiresAt = now.Add(s.Config.RefreshTokenTTL)
	}
	return rt
}

// enforceRefreshRetention applies the refresh-token retention limit.
// Eviction failures are logged, not surfaced: the mint already happened.
func (s *Server) enforceRefreshRetention(ctx context.Context, client *storage.Client, userID string) {
	limit := s.Config.RefreshTokenLimit
	if limit <= 0 {
		return
	}
	evicted, err := s.tokens.EvictExcessRefreshTokens(ctx, client.ClientID, userID, limit)
	if err != nil {
		s.Logger.Error("refresh token eviction failed", "client_id", client.ClientID, "error", err)
		return
	}
	if evicted > 0 {
		s.Auditor.LogRefreshTokensEvicted(userID, client.ClientID, evicted)
		s.Instrumentation.RecordRefreshTokensEvicted(ctx, evicted)
	}
}

func (s *Server) tokenResponse(at *storage.AccessToken) *TokenResponse {
	expiresIn := int64(time.Until(at.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &TokenResponse{
		AccessToken:  at.Token,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		Scope:        s.Config.Scopes.String(at.Scope),
		RefreshToken: at.RefreshToken,
	}
}
