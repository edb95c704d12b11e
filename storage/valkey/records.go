package valkey

import (
	"time"

	"github.com/veridianlabs/oauth-core/storage"
)

// JSON mirrors of the storage records. Kept separate from the storage
// structs so the wire format is explicit and stable under field renames.

type clientJSON struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"`
	ClientType              string    `json:"client_type"`
	RedirectURIs            []string  `json:"redirect_uris"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string  `json:"grant_types,omitempty"`
	Scopes                  []string  `json:"scopes,omitempty"`
	ClientName              string    `json:"client_name,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientType:              c.ClientType,
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              c.GrantTypes,
		Scopes:                  c.Scopes,
		ClientName:              c.ClientName,
		CreatedAt:               c.CreatedAt,
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		Scopes:                  j.Scopes,
		ClientName:              j.ClientName,
		CreatedAt:               j.CreatedAt,
	}
}

type codeJSON struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	SubjectID           string    `json:"subject_id"`
	Nonce               string    `json:"nonce,omitempty"`
	State               string    `json:"state,omitempty"`
	IssuedJTI           string    `json:"issued_jti,omitempty"`
	Used                bool      `json:"used"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func toCodeJSON(r *storage.AuthorizationCodeRecord) *codeJSON {
	return &codeJSON{
		Code:                r.Code,
		ClientID:            r.ClientID,
		RedirectURI:         r.RedirectURI,
		Scope:               r.Scope,
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		SubjectID:           r.SubjectID,
		Nonce:               r.Nonce,
		State:               r.State,
		IssuedJTI:           r.IssuedJTI,
		Used:                r.Used,
		CreatedAt:           r.CreatedAt,
		ExpiresAt:           r.ExpiresAt,
	}
}

type familyJSON struct {
	FamilyID   string    `json:"family_id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	SubjectID  string    `json:"subject_id"`
	ClientID   string    `json:"client_id"`
	Generation int       `json:"generation"`
	Scope      string    `json:"scope,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	RevokedAt  time.Time `json:"revoked_at,omitempty"`
}

func toFamilyJSON(r *storage.TokenFamilyRecord) *familyJSON {
	return &familyJSON{
		FamilyID:   r.FamilyID,
		TenantID:   r.TenantID,
		SubjectID:  r.SubjectID,
		ClientID:   r.ClientID,
		Generation: r.Generation,
		Scope:      r.Scope,
		IssuedAt:   r.IssuedAt,
		ExpiresAt:  r.ExpiresAt,
		Revoked:    r.Revoked,
		RevokedAt:  r.RevokedAt,
	}
}

func fromFamilyJSON(j *familyJSON) *storage.TokenFamilyRecord {
	return &storage.TokenFamilyRecord{
		FamilyID:   j.FamilyID,
		TenantID:   j.TenantID,
		SubjectID:  j.SubjectID,
		ClientID:   j.ClientID,
		Generation: j.Generation,
		Scope:      j.Scope,
		IssuedAt:   j.IssuedAt,
		ExpiresAt:  j.ExpiresAt,
		Revoked:    j.Revoked,
		RevokedAt:  j.RevokedAt,
	}
}

type signingKeyJSON struct {
	Kid           string    `json:"kid"`
	Algorithm     string    `json:"algorithm"`
	Status        string    `json:"status"`
	PrivateKeyPEM string    `json:"private_key_pem"`
	NotBefore     time.Time `json:"not_before"`
	NotAfter      time.Time `json:"not_after,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toSigningKeyJSON(r *storage.SigningKeyRecord) *signingKeyJSON {
	return &signingKeyJSON{
		Kid:           r.Kid,
		Algorithm:     r.Algorithm,
		Status:        r.Status,
		PrivateKeyPEM: r.PrivateKeyPEM,
		NotBefore:     r.NotBefore,
		NotAfter:      r.NotAfter,
		CreatedAt:     r.CreatedAt,
	}
}

func fromSigningKeyJSON(j *signingKeyJSON) *storage.SigningKeyRecord {
	return &storage.SigningKeyRecord{
		Kid:           j.Kid,
		Algorithm:     j.Algorithm,
		Status:        j.Status,
		PrivateKeyPEM: j.PrivateKeyPEM,
		NotBefore:     j.NotBefore,
		NotAfter:      j.NotAfter,
		CreatedAt:     j.CreatedAt,
	}
}
