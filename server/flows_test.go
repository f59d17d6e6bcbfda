package server

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/grantkit/oauth2-provider/storage"
)

// authorizeURL builds the capture URL for the standard test client.
func authorizeURL(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return "/oauth2/authorize?" + q.Encode()
}

// startAuthorization logs in, hits the capture endpoint, and follows the
// redirect sequence up to (not including) the consent decision.
func startAuthorization(t *testing.T, f *testFixture, params map[string]string) *http.Cookie {
	t.Helper()

	cookie := f.login(t, "user-1")
	rec := f.get(authorizeURL(params), cookie)
	if rec.Code != http.StatusFound {
		t.Fatalf("capture status = %d, want 302 (body %q)", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != DefaultAuthorizePath {
		t.Fatalf("capture redirects to %q, want %q", loc, DefaultAuthorizePath)
	}
	return cookie
}

// postConsent submits the consent decision and returns the recorder.
func postConsent(t *testing.T, f *testFixture, cookie *http.Cookie, form url.Values) *http.Response {
	t.Helper()

	req := newFormRequest(DefaultAuthorizePath, form)
	req.AddCookie(cookie)
	rec := serveHTTP(f, req)
	return rec.Result()
}

func TestCaptureRedirectsAnonymousToLogin(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	rec := f.get(authorizeURL(map[string]string{"client_id": "client-1", "response_type": "code"}), nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, DefaultLoginPath+"?next=") {
		t.Errorf("Location = %q, want login redirect with next", loc)
	}
	if !strings.Contains(loc, url.QueryEscape("client_id=client-1")) {
		t.Errorf("next parameter should carry the original query: %q", loc)
	}
}

func TestAuthorizeValidationErrors(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	tests := []struct {
		name    string
		params  map[string]string
		wantMsg string
	}{
		{
			name:    "missing client_id",
			params:  map[string]string{"response_type": "code"},
			wantMsg: "An unauthorized client tried to access your resources.",
		},
		{
			name:    "unknown client",
			params:  map[string]string{"client_id": "ghost", "response_type": "code"},
			wantMsg: "An unauthorized client tried to access your resources.",
		},
		{
			name:    "missing response_type",
			params:  map[string]string{"client_id": "client-1"},
			wantMsg: "No 'response_type' supplied.",
		},
		{
			name:    "unsupported response_type",
			params:  map[string]string{"client_id": "client-1", "response_type": "kode"},
			wantMsg: "'kode' is not a supported response type.",
		},
		{
			name:    "unparseable redirect uri",
			params:  map[string]string{"client_id": "client-1", "response_type": "code", "redirect_uri": "blurb"},
			wantMsg: "Enter a valid URL.",
		},
		{
			name:    "mismatched redirect uri",
			params:  map[string]string{"client_id": "client-1", "response_type": "code", "redirect_uri": "https://evil.example.com/cb"},
			wantMsg: "The requested redirect didn't match the client settings.",
		},
		{
			name:    "invalid scope",
			params:  map[string]string{"client_id": "client-1", "response_type": "code", "scope": "blah"},
			wantMsg: "'blah' is not a valid scope.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cookie := startAuthorization(t, f, tt.params)
			rec := f.get(DefaultAuthorizePath, cookie)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q should contain %q", rec.Body.String(), tt.wantMsg)
			}
		})
	}
}

func TestAuthorizeWithoutPendingRequest(t *testing.T) {
	f := newTestFixture(t, nil)
	cookie := f.login(t, "user-1")

	rec := f.get(DefaultAuthorizePath, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "An unauthorized client tried to access your resources.") {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
}

func TestResponseTypeTokenIsAccepted(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	cookie := startAuthorization(t, f, map[string]string{
		"client_id": "client-1", "response_type": "token",
	})
	rec := f.get(DefaultAuthorizePath, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
}

func TestConsentFormRenders(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	cookie := startAuthorization(t, f, map[string]string{
		"client_id": "client-1", "response_type": "code", "scope": "read write",
	})
	rec := f.get(DefaultAuthorizePath, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, want := range []string{"Test App", `name="authorize"`, `value="read"`, `value="write"`} {
		if !strings.Contains(body, want) {
			t.Errorf("consent form missing %q", want)
		}
	}
}

func TestAuthorizationGrantedFlow(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	cookie := startAuthorization(t, f, map[string]string{
		"client_id":     "client-1",
		"response_type": "code",
		"state":         "abc123",
		"redirect_uri":  testRedirectURI,
		"scope":         "read",
	})

	resp := postConsent(t, f, cookie, url.Values{
		"authorize": {"true"},
		"scope":     {"read"},
	})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("consent status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != DefaultRedirectPath {
		t.Fatalf("consent redirects to %q, want %q", loc, DefaultRedirectPath)
	}

	rec := f.get(DefaultRedirectPath, cookie)
	if rec.Code != http.StatusFound {
		t.Fatalf("redirect status = %d, want 302", rec.Code)
	}
	target, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing redirect target: %v", err)
	}
	if got := target.Scheme + "://" + target.Host + target.Path; got != testRedirectURI {
		t.Errorf("redirect target = %q, want %q", got, testRedirectURI)
	}
	if target.Query().Get("state") != "abc123" {
		t.Errorf("state = %q, want abc123", target.Query().Get("state"))
	}
	code := target.Query().Get("code")
	if code == "" {
		t.Fatal("redirect target missing code")
	}

	grant, err := f.store.GetGrant(t.Context(), code, "client-1")
	if err != nil {
		t.Fatalf("issued code not in store: %v", err)
	}
	if grant.UserID != "user-1" || grant.Scope != 2 {
		t.Errorf("unexpected grant: %+v", grant)
	}
}

func TestAuthorizationDeniedFlow(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	cookie := startAuthorization(t, f, map[string]string{
		"client_id":     "client-1",
		"response_type": "code",
		"state":         "xyz",
	})

	resp := postConsent(t, f, cookie, url.Values{"authorize": {"false"}})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("consent status = %d, want 302", resp.StatusCode)
	}

	rec := f.get(DefaultRedirectPath, cookie)
	if rec.Code != http.StatusFound {
		t.Fatalf("redirect status = %d, want 302", rec.Code)
	}
	target, _ := url.Parse(rec.Header().Get("Location"))
	if target.Query().Get("error") != "access_denied" {
		t.Errorf("error = %q, want access_denied", target.Query().Get("error"))
	}
	if target.Query().Get("code") != "" {
		t.Error("denied flow must not carry a code")
	}
	if target.Query().Get("state") != "xyz" {
		t.Errorf("state = %q, want xyz", target.Query().Get("state"))
	}
}

func TestConsentWithInvalidScopeName(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	cookie := startAuthorization(t, f, map[string]string{
		"client_id": "client-1", "response_type": "code",
	})

	resp := postConsent(t, f, cookie, url.Values{
		"authorize": {"true"},
		"scope":     {"blah"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRedirectWithoutOutcome(t *testing.T) {
	f := newTestFixture(t, nil)
	cookie := f.login(t, "user-1")

	rec := f.get(DefaultRedirectPath, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRedirectOutcomeIsSingleUse(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	cookie := startAuthorization(t, f, map[string]string{
		"client_id": "client-1", "response_type": "code",
	})
	postConsent(t, f, cookie, url.Values{"authorize": {"true"}})

	if rec := f.get(DefaultRedirectPath, cookie); rec.Code != http.StatusFound {
		t.Fatalf("first visit = %d, want 302", rec.Code)
	}
	if rec := f.get(DefaultRedirectPath, cookie); rec.Code != http.StatusBadRequest {
		t.Errorf("second visit = %d, want 400", rec.Code)
	}
}

func TestDefaultRedirectURIFromRegistration(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	cookie := startAuthorization(t, f, map[string]string{
		"client_id": "client-1", "response_type": "code",
	})
	postConsent(t, f, cookie, url.Values{"authorize": {"true"}})

	rec := f.get(DefaultRedirectPath, cookie)
	target, _ := url.Parse(rec.Header().Get("Location"))
	if got := target.Scheme + "://" + target.Host + target.Path; got != testRedirectURI {
		t.Errorf("redirect target = %q, want registered default %q", got, testRedirectURI)
	}
}

func TestEnforceSecureOnFlow(t *testing.T) {
	f := newTestFixture(t, &Config{EnforceSecure: true})
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)
	cookie := f.login(t, "user-1")

	for _, path := range []string{
		authorizeURL(map[string]string{"client_id": "client-1", "response_type": "code"}),
		DefaultAuthorizePath,
		DefaultRedirectPath,
	} {
		rec := f.get(path, cookie)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
			continue
		}
		if !strings.Contains(rec.Body.String(), "A secure connection is required.") {
			t.Errorf("%s: unexpected body %q", path, rec.Body.String())
		}
	}

	// A forwarded HTTPS request passes the check.
	req := newRequest(http.MethodGet, authorizeURL(map[string]string{
		"client_id": "client-1", "response_type": "code",
	}))
	req.Header.Set("X-Forwarded-Proto", "https")
	req.AddCookie(cookie)
	rec := serveHTTP(f, req)
	if rec.Code != http.StatusFound {
		t.Errorf("forwarded https status = %d, want 302", rec.Code)
	}
}

func TestScopedGrantRecordsConsentedScope(t *testing.T) {
	f := newTestFixture(t, nil)
	f.registerClient(t, "client-1", "s3cret", storage.ClientTypeConfidential)

	cookie := startAuthorization(t, f, map[string]string{
		"client_id":     "client-1",
		"response_type": "code",
		"scope":         "read write",
	})
	// User narrows the consent to read only.
	postConsent(t, f, cookie, url.Values{"authorize": {"true"}, "scope": {"read"}})

	rec := f.get(DefaultRedirectPath, cookie)
	target, _ := url.Parse(rec.Header().Get("Location"))
	code := target.Query().Get("code")
	if code == "" {
		t.Fatal("missing code")
	}

	grant, err := f.store.GetGrant(t.Context(), code, "client-1")
	if err != nil {
		t.Fatalf("GetGrant: %v", err)
	}
	if grant.Scope != 2 {
		t.Errorf("grant scope = %d, want 2 (read)", grant.Scope)
	}
}
