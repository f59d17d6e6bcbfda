package server

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grantkit/oauth2-provider/session"
	"github.com/grantkit/oauth2-provider/storage"
)

// consentTemplate is the built-in consent form. Deployments with a real UI
// serve their own page and POST the same fields to the confirm endpoint.
var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>Authorize {{.ClientName}}?</h1>
<form method="post" action="{{.Action}}">
{{range .Scopes}}<label><input type="checkbox" name="scope" value="{{.}}" checked> {{.}}</label><br>
{{end}}<button type="submit" name="authorize" value="true">Authorize</button>
<button type="submit" name="authorize" value="false">Decline</button>
</form>
</body>
</html>
`))

// requireSecure enforces the secure-transport policy. It answers the
// request itself and returns false when the caller must stop.
func (s *Server) requireSecure(w http.ResponseWriter, r *http.Request) bool {
	if !s.Config.EnforceSecure {
		return true
	}
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	http.Error(w, msgSecureRequired, http.StatusBadRequest)
	return false
}

// requireLogin resolves the authenticated session, redirecting anonymous
// browsers to the login page with a next parameter pointing back here.
func (s *Server) requireLogin(w http.ResponseWriter, r *http.Request) *session.Session {
	sess := s.sessions.Get(r)
	if sess != nil && sess.UserID() != "" {
		return sess
	}
	target := s.Config.LoginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

// HandleCapture is the authorization entry endpoint. It stores the raw
// query parameters in the session, unvalidated, and sends the browser to
// the confirm endpoint; all validation happens there.
func (s *Server) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if !s.requireSecure(w, r) {
		return
	}
	sess := s.requireLogin(w, r)
	if sess == nil {
		return
	}

	now := time.Now()
	sess.SetPendingAuthorization(&session.PendingAuthorization{
		Params:    r.URL.Query(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.Config.PendingAuthorizationTTL),
	})

	http.Redirect(w, r, s.Config.AuthorizePath, http.StatusFound)
}

// HandleAuthorize is the confirm endpoint. GET validates the pending
// request and renders the consent form; POST records the user's decision,
// issuing a grant when authorized, and sends the browser to the redirect
// endpoint either way.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !s.requireSecure(w, r) {
		return
	}
	sess := s.requireLogin(w, r)
	if sess == nil {
		return
	}

	params := url.Values{}
	if pending := sess.PendingAuthorization(); pending != nil {
		params = pending.Params
	}

	request, flowErr := s.validateAuthorizationRequest(r.Context(), params)
	if flowErr != nil {
		http.Error(w, flowErr.Message, http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.renderConsent(w, request)
	case http.MethodPost:
		s.handleConsentDecision(w, r, sess, request)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderConsent(w http.ResponseWriter, request *authorizationRequest) {
	scopes := s.Config.Scopes.Names(request.Scope)
	if len(scopes) == 0 {
		scopes = []string{"read"}
	}
	name := request.Client.Name
	if name == "" {
		name = request.Client.ClientID
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := consentTemplate.Execute(w, struct {
		ClientName string
		Action     string
		Scopes     []string
	}{ClientName: name, Action: s.Config.AuthorizePath, Scopes: scopes})
	if err != nil {
		s.Logger.Error("rendering consent form failed", "error", err)
	}
}

func (s *Server) handleConsentDecision(w http.ResponseWriter, r *http.Request, sess *session.Session, request *authorizationRequest) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form data", http.StatusBadRequest)
		return
	}

	authorized := false
	switch r.PostForm.Get("authorize") {
	case "true", "1", "on", "Authorize":
		authorized = true
	}

	if !authorized {
		s.Auditor.LogAuthorizationDenied(sess.UserID(), request.Client.ClientID, remoteIP(r))
		s.Instrumentation.RecordAuthorizationDenied(ctx)
		sess.SetOutcome(&session.Outcome{
			RedirectURI: request.RedirectURI,
			Error:       "access_denied",
			State:       request.State,
		})
		http.Redirect(w, r, s.Config.RedirectPath, http.StatusFound)
		return
	}

	// The user may narrow the scope on the consent form. Names outside the
	// table are a hard 400, same as on the request itself.
	mask := request.Scope
	if names := gatherScopeNames(r.PostForm["scope"]); len(names) > 0 {
		mask = 0
		for _, name := range names {
			bits, err := s.Config.Scopes.Parse(name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			mask |= bits
		}
	}

	now := time.Now()
	grant := &storage.Grant{
		Code:        generateToken(),
		ClientID:    request.Client.ClientID,
		UserID:      sess.UserID(),
		Scope:       mask,
		RedirectURI: request.RedirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.Config.GrantTTL),
	}
	if err := s.grants.SaveGrant(ctx, grant); err != nil {
		s.Logger.Error("saving authorization grant failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.Logger.Info("authorization grant issued",
		"client_id", grant.ClientID,
		"code", safeTruncate(grant.Code, 8),
		"scope", s.Config.Scopes.String(grant.Scope))
	s.Auditor.LogGrantIssued(sess.UserID(), grant.ClientID, remoteIP(r), s.Config.Scopes.String(grant.Scope))
	s.Instrumentation.RecordGrantIssued(ctx)

	sess.SetOutcome(&session.Outcome{
		RedirectURI: request.RedirectURI,
		Code:        grant.Code,
		State:       request.State,
	})
	http.Redirect(w, r, s.Config.RedirectPath, http.StatusFound)
}

// gatherScopeNames flattens posted scope values, accepting both repeated
// fields and a single space-separated value.
func gatherScopeNames(values []string) []string {
	var names []string
	for _, v := range values {
		names = append(names, strings.Fields(v)...)
	}
	return names
}

// HandleRedirect consumes the consent outcome from the session and sends
// the browser to the client's redirect URI with either the code or
// error=access_denied. The outcome is single use: a reload or a direct
// visit gets a 400.
func (s *Server) HandleRedirect(w http.ResponseWriter, r *http.Request) {
	if !s.requireSecure(w, r) {
		return
	}
	sess := s.requireLogin(w, r)
	if sess == nil {
		return
	}

	outcome := sess.ConsumeOutcome()
	if outcome == nil {
		http.Error(w, msgInvalidRedirectRequest, http.StatusBadRequest)
		return
	}

	target, err := url.Parse(outcome.RedirectURI)
	if err != nil {
		http.Error(w, msgInvalidRedirectRequest, http.StatusBadRequest)
		return
	}

	query := target.Query()
	if outcome.Error != "" {
		query.Set("error", outcome.Error)
	} else {
		query.Set("code", outcome.Code)
	}
	if outcome.State != "" {
		query.Set("state", outcome.State)
	}
	target.RawQuery = query.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}
