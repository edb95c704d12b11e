// Package storage defines the durable-store boundary of the authorization
// server core. The hot paths (code redemption, refresh rotation, signing)
// run on actor-local state; these interfaces are written only at issuance
// and revocation boundaries so a node restart loses nothing that matters
// for revocation. Backends include in-memory (tests, single node) and
// Valkey (production).
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends. They are mapped to generic OAuth
// errors at the flow layer to avoid oracle responses.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrCodeNotFound   = errors.New("authorization code not found")
	ErrFamilyNotFound = errors.New("token family not found")
	ErrKeyNotFound    = errors.New("signing key not found")
)

// ClientStore is the read-only client registry the core validates requests
// against. Writes exist for provisioning and tests; the token lifecycle
// never mutates clients.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a confidential client's secret
	// against its bcrypt hash
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// CodeStore persists one row per issued authorization code, written at
// issuance and deleted once the code's retention window has passed. The
// row exists for forensics and cross-node reuse detection; the per-code
// actor is the authority on Used.
type CodeStore interface {
	// SaveAuthorizationCode writes the issuance row
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCodeRecord) error

	// MarkAuthorizationCodeUsed flips the Used flag on the durable row
	MarkAuthorizationCodeUsed(ctx context.Context, code string, issuedJTI string) error

	// DeleteAuthorizationCode removes the row after retention
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// FamilyStore is the eventually-updated refresh-token family index.
// Rotation never touches it; it is written on issuance and revocation so
// that subject-wide revocation can be served without a rotation-time
// dependency on the durable store.
type FamilyStore interface {
	// RecordFamilyIssuance writes one row per family creation
	RecordFamilyIssuance(ctx context.Context, rec *TokenFamilyRecord) error

	// MarkFamilyRevoked marks a family revoked in the index
	MarkFamilyRevoked(ctx context.Context, familyID string) error

	// ListFamiliesBySubject returns all family rows for a subject,
	// revoked ones included
	ListFamiliesBySubject(ctx context.Context, subjectID string) ([]*TokenFamilyRecord, error)
}

// KeyStore persists signing-key rows so multiple server instances can
// coordinate rotation through the same durable store. Private material in
// PrivateKeyPEM is encrypted at rest when an Encryptor is configured.
type KeyStore interface {
	// SaveSigningKey upserts a key row (status transitions included)
	SaveSigningKey(ctx context.Context, rec *SigningKeyRecord) error

	// ListSigningKeys returns all non-deleted key rows
	ListSigningKeys(ctx context.Context) ([]*SigningKeyRecord, error)

	// DeleteSigningKey removes a retired key row
	DeleteSigningKey(ctx context.Context, kid string) error
}

// DenyList revokes individual access tokens by jti until they would have
// expired anyway. Entries are TTL-bounded so the list is self-cleaning.
type DenyList interface {
	// RevokeJTI denies a jti until expiresAt
	RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) error

	// IsJTIRevoked reports whether a jti has been denied
	IsJTIRevoked(ctx context.Context, jti string) (bool, error)
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	Scopes                  []string
	ClientName              string
	CreatedAt               time.Time
}

// AuthorizationCodeRecord is the durable row for an issued code.
type AuthorizationCodeRecord struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	SubjectID           string
	Nonce               string
	State               string
	IssuedJTI           string // access-token jti minted on first redemption
	Used                bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// TokenFamilyRecord is the durable index row for a refresh-token family.
// The rotator's shard actor owns the mutable rotation state; this row only
// carries what subject-wide revocation needs.
type TokenFamilyRecord struct {
	FamilyID   string
	TenantID   string
	SubjectID  string
	ClientID   string
	Generation int // shard-count generation the family was minted under
	Scope      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  time.Time
}

// SigningKeyRecord is the durable row for one signing key.
type SigningKeyRecord struct {
	Kid           string
	Algorithm     string
	Status        string // "active", "retiring", "retired"
	PrivateKeyPEM string // encrypted at rest when an Encryptor is set
	NotBefore     time.Time
	NotAfter      time.Time // zero while active
	CreatedAt     time.Time
}
