// Package security provides supporting security features for the
// authorization server: audit logging, encryption of key material at rest,
// rate limiting, and clock-skew-aware expiry checks.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Auditor handles security event logging with PII protection.
// Subject identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_id", uuid.NewString(),
		"event_type", event.Type,
		"subject_id_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs issuance of an authorization code
func (a *Auditor) LogCodeIssued(subjectID, clientID, scope string) {
	a.LogEvent(Event{
		Type:      "authorization_code_issued",
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenIssued logs when tokens are minted for a redeemed code
func (a *Auditor) LogTokenIssued(subjectID, clientID, scope string) {
	a.LogEvent(Event{
		Type:      "token_issued",
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a successful refresh-token rotation
func (a *Auditor) LogTokenRefreshed(subjectID, clientID string, generation int) {
	a.LogEvent(Event{
		Type:      "token_refreshed",
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"generation": generation,
		},
	})
}

// LogTokenRevoked logs when a token or token family is revoked
func (a *Auditor) LogTokenRevoked(subjectID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:      "token_revoked",
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogReuseDetected logs a replay of a single-use credential. Kind is
// "authorization_code" or "refresh_token"; the caller has already revoked
// the affected tokens when this fires.
func (a *Auditor) LogReuseDetected(subjectID, clientID, kind, familyID string) {
	a.LogEvent(Event{
		Type:      "reuse_detected",
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"severity":  "critical",
			"kind":      kind,
			"family_id": familyID,
			"action":    "tokens_revoked",
		},
	})
}

// LogAuthFailure logs an authentication or grant failure
func (a *Auditor) LogAuthFailure(subjectID, clientID, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogKeyRotated logs a signing-key rotation
func (a *Auditor) LogKeyRotated(newKid, oldKid string) {
	a.LogEvent(Event{
		Type: "signing_key_rotated",
		Details: map[string]any{
			"new_kid": newKid,
			"old_kid": oldKid,
		},
	})
}

// LogDPoPRejected logs a rejected DPoP proof
func (a *Auditor) LogDPoPRejected(clientID, reason string) {
	a.LogEvent(Event{
		Type:     "dpop_proof_rejected",
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
