package security

import "time"

// DefaultClockSkewGracePeriod is the grace applied to expiry checks so that
// minor clock drift between cooperating systems does not produce false
// expirations. Tokens remain usable for up to this long past their nominal
// expiry.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt is in the past, allowing the
// default clock-skew grace period. A zero time never expires.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod is IsTokenExpired with a custom grace period.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether expiresAt falls within threshold from
// now. A zero time never expires.
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
