package dpop

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const (
	// TypeDPoP is the required JOSE typ header for DPoP proofs.
	TypeDPoP = "dpop+jwt"

	// maxProofSize is the maximum allowed size of a proof in bytes.
	// Oversized proofs are rejected before any parsing.
	maxProofSize = 8 * 1024
)

// allowedAlgorithms pins the asymmetric signature suites a proof may use.
// The list is fixed at compile time; the proof's own alg header never
// selects the verification algorithm beyond membership in this set, which
// rules out "none" and symmetric algorithm confusion.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256,
	jose.EdDSA,
}

// Config contains configuration for proof validation.
type Config struct {
	// FreshnessWindow is the maximum allowed distance between the
	// proof's iat and server time, in either direction.
	// Default: 60 seconds per RFC 9449.
	FreshnessWindow time.Duration

	// Now returns the current time. Tests override it to probe the
	// freshness window boundary; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default validation configuration.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow: 60 * time.Second,
	}
}

// Validator validates DPoP proofs against a replay cache.
type Validator struct {
	config Config
	cache  ReplayCache
}

// NewValidator creates a proof validator. If cache is nil an in-memory
// replay cache with the config's freshness window as TTL is created.
func NewValidator(config Config, cache ReplayCache) *Validator {
	if config.FreshnessWindow <= 0 {
		config.FreshnessWindow = DefaultConfig().FreshnessWindow
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if cache == nil {
		cache = NewMemoryReplayCache(WithTTL(config.FreshnessWindow))
	}
	return &Validator{config: config, cache: cache}
}

// Close releases the replay cache.
func (v *Validator) Close() error {
	return v.cache.Close()
}

// proofClaims is the payload of a DPoP proof JWT.
type proofClaims struct {
	JTI string `json:"jti"`
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	IAT int64  `json:"iat"`
	ATH string `json:"ath,omitempty"`
}

// Verify validates a DPoP proof for the given request method and URL and
// returns the RFC 7638 thumbprint (jkt) of the embedded public key.
// accessToken is the token presented alongside the proof, or empty when
// the proof accompanies a token request.
//
// Validation order:
//  1. size and compact-JWS shape (via go-jose, algorithm allowlist)
//  2. typ header must equal "dpop+jwt"
//  3. embedded jwk must be present, valid, and public-only
//  4. signature must verify under the embedded jwk
//  5. htm must equal the request method (case-insensitive)
//  6. htu must equal the request URL with query and fragment stripped
//  7. iat must be within the freshness window of now
//  8. ath must match SHA-256 of the presented access token, if any
//  9. jti must not have been seen within the freshness window
func (v *Validator) Verify(ctx context.Context, proof, method, requestURL, accessToken string) (string, error) {
	if proof == "" {
		return "", errProof("missing proof")
	}
	if len(proof) > maxProofSize {
		return "", errProof("proof exceeds maximum size of %d bytes", maxProofSize)
	}

	jws, err := jose.ParseSigned(proof, allowedAlgorithms)
	if err != nil {
		return "", errProof("malformed proof JWT: %v", err)
	}
	if len(jws.Signatures) != 1 {
		return "", errProof("proof must carry exactly one signature")
	}
	header := jws.Signatures[0].Header

	typ, _ := header.ExtraHeaders[jose.HeaderType].(string)
	if typ != TypeDPoP {
		return "", errProof("typ must be %q", TypeDPoP)
	}

	jwk := header.JSONWebKey
	if jwk == nil {
		return "", errProof("jwk is required in header")
	}
	if !jwk.Valid() {
		return "", errProof("embedded jwk is invalid")
	}
	if !jwk.IsPublic() {
		// A proof must never ship private key material.
		return "", errProof("embedded jwk contains private key fields")
	}

	payload, err := jws.Verify(jwk)
	if err != nil {
		return "", errProof("signature verification failed")
	}

	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", errProof("invalid JSON in payload")
	}
	if claims.JTI == "" {
		return "", errProof("jti claim is required")
	}
	if claims.HTM == "" {
		return "", errProof("htm claim is required")
	}
	if claims.HTU == "" {
		return "", errProof("htu claim is required")
	}

	if !strings.EqualFold(claims.HTM, method) {
		return "", errProof("htm mismatch: proof bound to %s", strings.ToUpper(claims.HTM))
	}

	proofURI, err := normalizeHTU(claims.HTU)
	if err != nil {
		return "", errProof("invalid htu URL")
	}
	requestURI, err := normalizeHTU(requestURL)
	if err != nil {
		return "", errProof("invalid request URL")
	}
	if proofURI != requestURI {
		return "", errProof("htu mismatch")
	}

	now := v.config.Now().Unix()
	window := int64(v.config.FreshnessWindow.Seconds())
	if claims.IAT <= 0 {
		return "", errProof("iat must be positive")
	}
	if now-claims.IAT > window {
		return "", errProof("proof is stale: iat %ds in the past", now-claims.IAT)
	}
	if claims.IAT-now > window {
		return "", errProof("proof iat is %ds in the future", claims.IAT-now)
	}

	if accessToken != "" {
		hash := sha256.Sum256([]byte(accessToken))
		want := base64.RawURLEncoding.EncodeToString(hash[:])
		if subtle.ConstantTimeCompare([]byte(want), []byte(claims.ATH)) != 1 {
			return "", errProof("ath does not match presented access token")
		}
	}

	// Replay check last, so a rejected proof never consumes its jti.
	replay, err := v.cache.Record(ctx, claims.JTI)
	if err != nil {
		return "", err
	}
	if replay {
		return "", ErrReplay
	}

	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", errProof("failed to compute key thumbprint: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// normalizeHTU canonicalizes a URL for htu comparison: scheme and host are
// lowercased, query and fragment are dropped.
func normalizeHTU(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errProof("htu must be absolute")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// Thumbprint computes the RFC 7638 jkt of a public JWK. The resource layer
// uses it to compare a presented proof's key against a token's cnf.jkt.
func Thumbprint(jwk *jose.JSONWebKey) (string, error) {
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
