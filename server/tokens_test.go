package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/grantkit/oauth2-provider/security"
	"github.com/grantkit/oauth2-provider/storage"
)

const tokenPath = "/oauth2/access_token"

// postToken submits a token endpoint request.
func (f *testFixture) postToken(t *testing.T, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return serveHTTP(f, newFormRequest(tokenPath, form))
}

// wantTokenSuccess decodes a 200 token response.
func wantTokenSuccess(t *testing.T, rec *httptest.ResponseRecorder) *TokenResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("response missing access_token")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	return &resp
}

// wantTokenError asserts a 400 JSON error with the given code.
func wantTokenError(t *testing.T, rec *httptest.ResponseRecorder, code string) {
	t.Helper()
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %q)", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	if payload["error"] != code {
		t.Errorf("error = %q, want %q", payload["error"], code)
	}
}

// issueGrant stores an authorization code directly.
func (f *testFixture) issueGrant(t *testing.T, code, clientID string, mask int) *storage.Grant {
	t.Helper()
	now := time.Now()
	grant := &storage.Grant{
		Code:        code,
		ClientID:    clientID,
		UserID:      "user-1",
		Scope:       mask,
		RedirectURI: testRedirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
	if err := f.store.SaveGrant(context.Background(), grant); err != nil {
		t.Fatalf("SaveGrant: %v", err)
	}
	return grant
}

func TestAuthorizationCodeGrant(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)
	f.issueGrant(t, "code-1", "client-1", 2)

	resp := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"code":          {"code-1"},
	}))
	if resp.RefreshToken == "" {
		t.Error("authorization_code grant should mint a refresh token")
	}
	if resp.Scope != "read" {
		t.Errorf("scope = %q, want read", resp.Scope)
	}
	if resp.ExpiresIn <= 0 || resp.ExpiresIn > int64(DefaultAccessTokenTTL.Seconds()) {
		t.Errorf("expires_in = %d out of range", resp.ExpiresIn)
	}

	// The code is single use.
	wantTokenError(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"code":          {"code-1"},
	}), ErrorInvalidGrant)
}

func TestAuthorizationCodeGrantViaBasicAuth(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)
	f.issueGrant(t, "code-1", "client-1", 2)

	req := newFormRequest(tokenPath, url.Values{
		"grant_type": {GrantTypeAuthorizationCode},
		"code":       {"code-1"},
	})
	req.SetBasicAuth("client-1", "s3cret")
	wantTokenSuccess(t, serveHTTP(f, req))
}

func TestAuthorizationCodeGrantErrors(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)
	f.registerClient(t, "client-2", "other", storage.ClientTypeConfidential)
	f.issueGrant(t, "code-1", "client-1", 2)

	tests := []struct {
		name string
		form url.Values
		code string
	}{
		{
			name: "wrong client secret",
			form: url.Values{
				"grant_type": {GrantTypeAuthorizationCode}, "client_id": {"client-1"},
				"client_secret": {"wrong"}, "code": {"code-1"},
			},
			code: ErrorInvalidClient,
		},
		{
			name: "missing client secret",
			form: url.Values{
				"grant_type": {GrantTypeAuthorizationCode}, "client_id": {"client-1"},
				"code": {"code-1"},
			},
			code: ErrorInvalidClient,
		},
		{
			name: "unknown code",
			form: url.Values{
				"grant_type": {GrantTypeAuthorizationCode}, "client_id": {"client-1"},
				"client_secret": {"s3cret"}, "code": {"nope"},
			},
			code: ErrorInvalidGrant,
		},
		{
			name: "code of another client",
			form: url.Values{
				"grant_type": {GrantTypeAuthorizationCode}, "client_id": {"client-2"},
				"client_secret": {"other"}, "code": {"code-1"},
			},
			code: ErrorInvalidGrant,
		},
		{
			name: "missing code",
			form: url.Values{
				"grant_type": {GrantTypeAuthorizationCode}, "client_id": {"client-1"},
				"client_secret": {"s3cret"},
			},
			code: ErrorInvalidGrant,
		},
		{
			name: "mismatched redirect uri",
			form: url.Values{
				"grant_type": {GrantTypeAuthorizationCode}, "client_id": {"client-1"},
				"client_secret": {"s3cret"}, "code": {"code-1"},
				"redirect_uri": {"https://evil.example.com/cb"},
			},
			code: ErrorInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantTokenError(t, f.postToken(t, tt.form), tt.code)
		})
	}
}

func TestScopeEscalationDoesNotBurnCode(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)
	f.issueGrant(t, "code-1", "client-1", 2) // read only

	wantTokenError(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"code":          {"code-1"},
		"scope":         {"write"},
	}), ErrorInvalidScope)

	// The failed escalation must not consume the code.
	resp := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"code":          {"code-1"},
		"scope":         {"read"},
	}))
	if resp.Scope != "read" {
		t.Errorf("scope = %q, want read", resp.Scope)
	}
}

func TestPasswordGrantConfidential(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	resp := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"username":      {"alice"},
		"password":      {"s3cret"},
		"scope":         {"read"},
	}))
	if resp.RefreshToken == "" {
		t.Error("confidential password grant should mint a refresh token")
	}
	if resp.ExpiresIn > int64(DefaultAccessTokenTTL.Seconds()) {
		t.Errorf("expires_in = %d, want at most %d", resp.ExpiresIn, int64(DefaultAccessTokenTTL.Seconds()))
	}

	// Wrong password on a client that authenticated with its secret is a
	// grant failure, not a client failure.
	wantTokenError(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"username":      {"alice"},
		"password":      {"wrong"},
	}), ErrorInvalidGrant)
}

func TestPasswordGrantPublic(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "public-1", "", storage.ClientTypePublic)

	resp := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type": {GrantTypePassword},
		"client_id":  {"public-1"},
		"username":   {"alice"},
		"password":   {"s3cret"},
	}))
	if resp.RefreshToken != "" {
		t.Error("public password grant must not mint a refresh token")
	}
	// Public password tokens get the long-lived TTL.
	if resp.ExpiresIn <= int64(DefaultAccessTokenTTL.Seconds()) {
		t.Errorf("expires_in = %d, want more than the standard TTL %d",
			resp.ExpiresIn, int64(DefaultAccessTokenTTL.Seconds()))
	}

	// With no client secret, the user's credentials are the client's
	// credentials; their failure is a client authentication failure.
	wantTokenError(t, f.postToken(t, url.Values{
		"grant_type": {GrantTypePassword},
		"client_id":  {"public-1"},
		"username":   {"alice"},
		"password":   {"wrong"},
	}), ErrorInvalidClient)
}

func TestEmailAndPasswordGrant(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeEmailAndPassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"email":         {"alice@example.com"},
		"password":      {"s3cret"},
	}))

	wantTokenError(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeEmailAndPassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"email":         {"nobody@example.com"},
		"password":      {"s3cret"},
	}), ErrorInvalidGrant)
}

func TestClientCredentialsGrant(t *testing.T) {
	f := newTestFixture(t, nil)
	client := f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)
	client.UserID = "service-account"
	if err := f.store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
	f.registerClient(t, "public-1", "", storage.ClientTypePublic)

	resp := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeClientCredentials},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
	}))
	if resp.RefreshToken != "" {
		t.Error("client_credentials must never mint a refresh token")
	}

	at, err := f.store.GetAccessToken(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if at.UserID != "service-account" {
		t.Errorf("token user = %q, want the client's owning user", at.UserID)
	}

	// A public client has no credentials of its own.
	wantTokenError(t, f.postToken(t, url.Values{
		"grant_type": {GrantTypeClientCredentials},
		"client_id":  {"public-1"},
	}), ErrorInvalidClient)
}

func TestUnsupportedGrantType(t *testing.T) {
	f := newTestFixture(t, nil)
	wantTokenError(t, f.postToken(t, url.Values{
		"grant_type": {"implicit"},
	}), ErrorUnsupportedGrantType)
}

func TestInvalidScopeOnTokenRequest(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	wantTokenError(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"username":      {"alice"},
		"password":      {"s3cret"},
		"scope":         {"galaxy"},
	}), ErrorInvalidScope)
}

func TestRefreshTokenRotation(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	first := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"username":      {"alice"},
		"password":      {"s3cret"},
		"scope":         {"read write"},
	}))

	refreshed := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {first.RefreshToken},
	}))
	if refreshed.AccessToken == first.AccessToken {
		t.Error("refresh must mint a new access token")
	}
	if refreshed.RefreshToken == first.RefreshToken {
		t.Error("default policy must rotate the refresh token")
	}
	if refreshed.Scope != first.Scope {
		t.Errorf("scope changed across refresh: %q -> %q", first.Scope, refreshed.Scope)
	}

	// The old pair is dead.
	if _, err := f.store.GetAccessToken(context.Background(), first.AccessToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("old access token = %v, want ErrTokenNotFound", err)
	}
	wantTokenError(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {first.RefreshToken},
	}), ErrorInvalidGrant)

	// The new pair works.
	wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {refreshed.RefreshToken},
	}))
}

func TestKeepRefreshToken(t *testing.T) {
	f := newTestFixture(t, &Config{KeepRefreshToken: true})
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	first := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"username":      {"alice"},
		"password":      {"s3cret"},
	}))

	refreshed := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {first.RefreshToken},
	}))
	if refreshed.RefreshToken != first.RefreshToken {
		t.Error("keep-refresh-token policy must return the same refresh token")
	}
	if refreshed.AccessToken == first.AccessToken {
		t.Error("refresh must still mint a new access token")
	}

	// The kept token stays valid for another round.
	wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {first.RefreshToken},
	}))
}

func TestRefreshScopeNarrowing(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	first := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"username":      {"alice"},
		"password":      {"s3cret"},
		"scope":         {"read write"},
	}))

	narrowed := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {first.RefreshToken},
		"scope":         {"read"},
	}))
	if narrowed.Scope != "read" {
		t.Errorf("scope = %q, want read", narrowed.Scope)
	}

	// Escalation past the original scope is rejected.
	second := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"username":      {"alice"},
		"password":      {"s3cret"},
		"scope":         {"read"},
	}))
	wantTokenError(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {second.RefreshToken},
		"scope":         {"write"},
	}), ErrorInvalidScope)
}

func TestRefreshTokenLimit(t *testing.T) {
	f := newTestFixture(t, &Config{RefreshTokenLimit: 2})
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	passwordGrant := func() *TokenResponse {
		return wantTokenSuccess(t, f.postToken(t, url.Values{
			"grant_type":    {GrantTypePassword},
			"client_id":     {"client-1"},
			"client_secret": {"s3cret"},
			"username":      {"alice"},
			"password":      {"s3cret"},
		}))
	}

	first := passwordGrant()
	time.Sleep(5 * time.Millisecond)
	second := passwordGrant()
	time.Sleep(5 * time.Millisecond)
	third := passwordGrant()

	ctx := context.Background()
	if _, err := f.store.GetRefreshToken(ctx, first.RefreshToken, "client-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("oldest refresh token = %v, want evicted", err)
	}
	for _, resp := range []*TokenResponse{second, third} {
		if _, err := f.store.GetRefreshToken(ctx, resp.RefreshToken, "client-1"); err != nil {
			t.Errorf("refresh token within limit should survive: %v", err)
		}
	}
}

func TestSingleAccessTokenMode(t *testing.T) {
	f := newTestFixture(t, &Config{SingleAccessToken: true})
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	passwordGrant := func() *TokenResponse {
		return wantTokenSuccess(t, f.postToken(t, url.Values{
			"grant_type":    {GrantTypePassword},
			"client_id":     {"client-1"},
			"client_secret": {"s3cret"},
			"username":      {"alice"},
			"password":      {"s3cret"},
		}))
	}

	first := passwordGrant()
	second := passwordGrant()
	if second.AccessToken != first.AccessToken {
		t.Error("single-access-token mode should reuse the live access token")
	}
	if second.RefreshToken != first.RefreshToken {
		t.Error("the reused token should carry its refresh token")
	}

	// A refresh always mints fresh; afterwards the new token is the one
	// that gets reused.
	refreshed := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"refresh_token": {first.RefreshToken},
	}))
	if refreshed.AccessToken == first.AccessToken {
		t.Error("refresh must not reuse the old access token")
	}

	third := passwordGrant()
	if third.AccessToken != refreshed.AccessToken {
		t.Error("after refresh the fresh token should be the reused one")
	}
}

func TestDeleteExpiredPolicy(t *testing.T) {
	f := newTestFixture(t, &Config{DeleteExpired: true})
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	ctx := context.Background()
	stale := &storage.AccessToken{
		Token:     "stale",
		ClientID:  "client-1",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := f.store.SaveAccessToken(ctx, stale); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"username":      {"alice"},
		"password":      {"s3cret"},
	}))

	if _, err := f.store.GetAccessToken(ctx, "stale"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("stale token = %v, want swept away", err)
	}
}

func TestEnforceSecureOnTokenEndpoint(t *testing.T) {
	f := newTestFixture(t, &Config{EnforceSecure: true})

	rec := f.postToken(t, url.Values{"grant_type": {GrantTypePassword}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "A secure connection is required.") {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
}

func TestTokenEndpointMethodNotAllowed(t *testing.T) {
	f := newTestFixture(t, nil)
	rec := f.get(tokenPath, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestTokenEndpointRateLimit(t *testing.T) {
	f := newTestFixture(t, nil)
	f.server.RateLimiter = security.NewRateLimiter(1, 1, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	t.Cleanup(f.server.RateLimiter.Stop)

	form := url.Values{"grant_type": {"implicit"}}
	if rec := f.postToken(t, form); rec.Code == http.StatusTooManyRequests {
		t.Fatal("first request should not be rate limited")
	}
	if rec := f.postToken(t, form); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
}

func TestAuthenticateBearer(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	resp := wantTokenSuccess(t, f.postToken(t, url.Values{
		"grant_type":    {GrantTypePassword},
		"client_id":     {"client-1"},
		"client_secret": {"s3cret"},
		"username":      {"alice"},
		"password":      {"s3cret"},
		"scope":         {"read"},
	}))

	req := newRequest(http.MethodGet, "/api/resource")
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	at, client, err := f.server.AuthenticateBearer(context.Background(), req)
	if err != nil {
		t.Fatalf("AuthenticateBearer: %v", err)
	}
	if at.UserID != "user-1" || client.ClientID != "client-1" {
		t.Errorf("unexpected principal: token=%+v client=%+v", at, client)
	}

	req = newRequest(http.MethodGet, "/api/resource")
	req.Header.Set("Authorization", "Bearer bogus")
	if _, _, err := f.server.AuthenticateBearer(context.Background(), req); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("bogus token = %v, want ErrTokenNotFound", err)
	}

	req = newRequest(http.MethodGet, "/api/resource")
	if _, _, err := f.server.AuthenticateBearer(context.Background(), req); err == nil {
		t.Error("missing token should fail")
	}
}
