package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period applied to
	// token and code expiry checks. It prevents false expiration errors
	// caused by NTP drift between the issuing and validating hosts while
	// extending effective token lifetime by at most a few seconds.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks expiry with the default clock skew grace period
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks expiry with a custom clock skew grace period
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false // No expiration
	}

	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsExpiringSoon checks if a credential will expire within the given threshold
func IsExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	return time.Now().Add(threshold).After(expiresAt)
}
