// Package security provides cross-cutting security helpers for the
// authorization server: audit logging, rate limiting, and clock-skew-aware
// expiry checks.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor emits structured security events. User identifiers are hashed
// before logging so audit trails carry no raw PII.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single audit record.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs an audit event with hashed user identifiers. Nil auditors
// and disabled auditors are no-ops, so call sites need no guards.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued records a successful token issuance.
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed records a refresh-token exchange.
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogGrantIssued records user consent producing an authorization code.
func (a *Auditor) LogGrantIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      "grant_issued",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogAuthorizationDenied records the user declining consent.
func (a *Auditor) LogAuthorizationDenied(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      "authorization_denied",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure records a failed client or resource-owner authentication.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRefreshTokensEvicted records retention-limit eviction.
func (a *Auditor) LogRefreshTokensEvicted(userID, clientID string, evicted int) {
	a.LogEvent(Event{
		Type:     "refresh_tokens_evicted",
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"evicted": evicted,
		},
	})
}

// LogRateLimitExceeded records a rate-limited request.
func (a *Auditor) LogRateLimitExceeded(ipAddress, clientID string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// hashForLogging returns a short SHA256 digest of sensitive data.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
