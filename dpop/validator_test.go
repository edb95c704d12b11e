package dpop

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "https://auth.example.com/token"

type proofOpts struct {
	typ       string
	jti       string
	htm       string
	htu       string
	iat       int64
	ath       string
	embedPriv bool
}

func defaultProofOpts() proofOpts {
	return proofOpts{
		typ: TypeDPoP,
		jti: uuid.NewString(),
		htm: "POST",
		htu: testURL,
		iat: time.Now().Unix(),
	}
}

func signProof(t *testing.T, key *ecdsa.PrivateKey, opts proofOpts) string {
	t.Helper()

	signerOpts := (&jose.SignerOptions{}).WithType(jose.ContentType(opts.typ))
	if opts.embedPriv {
		// Deliberately leak the private JWK into the header to exercise
		// the public-only check.
		signerOpts = signerOpts.WithHeader("jwk", &jose.JSONWebKey{Key: key, Algorithm: "ES256"})
	} else {
		signerOpts.EmbedJWK = true
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, signerOpts)
	require.NoError(t, err)

	claims := map[string]any{
		"jti": opts.jti,
		"htm": opts.htm,
		"htu": opts.htu,
		"iat": opts.iat,
	}
	if opts.ath != "" {
		claims["ath"] = opts.ath
	}
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	jws, err := signer.Sign(payload)
	require.NoError(t, err)

	compact, err := jws.CompactSerialize()
	require.NoError(t, err)
	return compact
}

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v := NewValidator(DefaultConfig(), nil)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestVerifyValidProof(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	proof := signProof(t, key, defaultProofOpts())

	jkt, err := v.Verify(context.Background(), proof, "POST", testURL, "")
	require.NoError(t, err)

	want, err := Thumbprint(&jose.JSONWebKey{Key: key.Public()})
	require.NoError(t, err)
	assert.Equal(t, want, jkt, "jkt must be the RFC 7638 thumbprint of the embedded key")
}

func TestVerifyReplayRejected(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	proof := signProof(t, key, defaultProofOpts())

	_, err := v.Verify(context.Background(), proof, "POST", testURL, "")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), proof, "POST", testURL, "")
	assert.ErrorIs(t, err, ErrReplay)
}

func TestVerifyRejectedProofDoesNotConsumeJTI(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	opts := defaultProofOpts()
	proof := signProof(t, key, opts)

	// Wrong method: rejected before the replay check.
	_, err := v.Verify(context.Background(), proof, "GET", testURL, "")
	require.Error(t, err)

	// The same jti must still be accepted on a correct presentation.
	_, err = v.Verify(context.Background(), proof, "POST", testURL, "")
	assert.NoError(t, err)
}

func TestVerifyWrongTyp(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	opts := defaultProofOpts()
	opts.typ = "JWT"
	proof := signProof(t, key, opts)

	_, err := v.Verify(context.Background(), proof, "POST", testURL, "")
	require.Error(t, err)
	assert.True(t, IsProofError(err))
	assert.Contains(t, err.Error(), "typ")
}

func TestVerifyMissingJWK(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	signerOpts := (&jose.SignerOptions{}).WithType(jose.ContentType(TypeDPoP))
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, signerOpts)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"jti": uuid.NewString(), "htm": "POST", "htu": testURL, "iat": time.Now().Unix(),
	})
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	proof, err := jws.CompactSerialize()
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), proof, "POST", testURL, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwk")
}

func TestVerifyPrivateKeyInHeader(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	opts := defaultProofOpts()
	opts.embedPriv = true
	proof := signProof(t, key, opts)

	_, err := v.Verify(context.Background(), proof, "POST", testURL, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private key")
}

func TestVerifyTamperedPayload(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	proof := signProof(t, key, defaultProofOpts())

	parts := strings.Split(proof, ".")
	require.Len(t, parts, 3)
	decoded, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	tampered := strings.Replace(string(decoded), `"htm":"POST"`, `"htm":"GET"`, 1)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(tampered))

	_, err = v.Verify(context.Background(), strings.Join(parts, "."), "GET", testURL, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestVerifyDisallowedAlgorithm(t *testing.T) {
	v := newTestValidator(t)

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")},
		(&jose.SignerOptions{}).WithType(jose.ContentType(TypeDPoP)))
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]any{
		"jti": uuid.NewString(), "htm": "POST", "htu": testURL, "iat": time.Now().Unix(),
	})
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	proof, err := jws.CompactSerialize()
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), proof, "POST", testURL, "")
	assert.Error(t, err)
}

func TestVerifyHTMMismatch(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	proof := signProof(t, key, defaultProofOpts())

	_, err := v.Verify(context.Background(), proof, "GET", testURL, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "htm")
}

func TestVerifyHTMCaseInsensitive(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	opts := defaultProofOpts()
	opts.htm = "post"
	proof := signProof(t, key, opts)

	_, err := v.Verify(context.Background(), proof, "POST", testURL, "")
	assert.NoError(t, err)
}

func TestVerifyHTUMismatch(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	opts := defaultProofOpts()
	opts.htu = "https://other.example.com/token"
	proof := signProof(t, key, opts)

	_, err := v.Verify(context.Background(), proof, "POST", testURL, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "htu")
}

func TestVerifyHTUIgnoresQueryAndFragment(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t)

	proof := signProof(t, key, defaultProofOpts())

	_, err := v.Verify(context.Background(), proof, "POST", testURL+"?grant_type=refresh_token#frag", "")
	assert.NoError(t, err)
}

func TestVerifyFreshnessWindow(t *testing.T) {
	key := newTestKey(t)

	base := time.Now()
	config := DefaultConfig()
	config.Now = func() time.Time { return base }

	tests := []struct {
		name    string
		iat     int64
		wantErr string
	}{
		{"exactly at past boundary", base.Unix() - 60, ""},
		{"one second past boundary", base.Unix() - 61, "stale"},
		{"exactly at future boundary", base.Unix() + 60, ""},
		{"one second past future boundary", base.Unix() + 61, "future"},
		{"zero iat", 0, "iat"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := NewValidator(config, nil)
			defer v.Close()

			opts := defaultProofOpts()
			opts.iat = tc.iat
			proof := signProof(t, key, opts)

			_, err := v.Verify(context.Background(), proof, "POST", testURL, "")
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestVerifyATH(t *testing.T) {
	key := newTestKey(t)
	token := "example-access-token"
	hash := sha256.Sum256([]byte(token))
	goodATH := base64.RawURLEncoding.EncodeToString(hash[:])

	tests := []struct {
		name   string
		ath    string
		token  string
		wantOK bool
	}{
		{"matching ath", goodATH, token, true},
		{"wrong ath", base64.RawURLEncoding.EncodeToString([]byte("nope")), token, false},
		{"missing ath with token presented", "", token, false},
		{"no token no ath required", "", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestValidator(t)

			opts := defaultProofOpts()
			opts.ath = tc.ath
			proof := signProof(t, key, opts)

			_, err := v.Verify(context.Background(), proof, "POST", testURL, tc.token)
			if tc.wantOK {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "ath")
			}
		})
	}
}

func TestVerifyEmptyAndOversized(t *testing.T) {
	v := newTestValidator(t)

	_, err := v.Verify(context.Background(), "", "POST", testURL, "")
	assert.Error(t, err)

	_, err = v.Verify(context.Background(), strings.Repeat("a", maxProofSize+1), "POST", testURL, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum size")
}

func TestVerifyCacheFullIsRejection(t *testing.T) {
	key := newTestKey(t)
	cache := NewMemoryReplayCache(WithMaxEntries(1), WithCleanupInterval(0))
	v := NewValidator(DefaultConfig(), cache)
	defer v.Close()

	_, err := v.Verify(context.Background(), signProof(t, key, defaultProofOpts()), "POST", testURL, "")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), signProof(t, key, defaultProofOpts()), "POST", testURL, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCacheFull))
	assert.False(t, IsProofError(err), "cache exhaustion is an internal failure, not a proof defect")
}
