package authcode

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// MethodS256 is the only supported code_challenge_method. Plain challenges
// defeat the point of PKCE and are rejected at issuance.
const MethodS256 = "S256"

// RFC 7636 length bounds for code_verifier and code_challenge.
const (
	minPKCELength = 43
	maxPKCELength = 128
)

// ValidateChallenge checks the code_challenge and method supplied on an
// authorization request.
func ValidateChallenge(challenge, method string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if method != MethodS256 {
		return fmt.Errorf("code_challenge_method must be %s", MethodS256)
	}
	if len(challenge) < minPKCELength || len(challenge) > maxPKCELength {
		return fmt.Errorf("code_challenge must be %d-%d characters", minPKCELength, maxPKCELength)
	}
	if !validPKCEChars(challenge) {
		return fmt.Errorf("code_challenge contains invalid characters")
	}
	return nil
}

// verifyPKCE checks a code_verifier against the stored S256 challenge.
// The comparison is constant-time so redemption latency reveals nothing
// about how much of the challenge matched.
func verifyPKCE(verifier, challenge string) bool {
	if len(verifier) < minPKCELength || len(verifier) > maxPKCELength {
		return false
	}
	if !validPKCEChars(verifier) {
		return false
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// validPKCEChars reports whether s uses only the unreserved characters
// RFC 7636 permits: A-Z, a-z, 0-9, "-", ".", "_", "~".
func validPKCEChars(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}
