// Package keys manages the server's JWT signing keys. A single goroutine
// owns the keyset; signing, rotation, retirement, and JWKS reads all pass
// through its mailbox, so no caller can ever observe a half-promoted key.
//
// Keys are ES256. A key is active (signs new tokens), retiring (no longer
// signs but still published for verification), or retired (removed once no
// token signed under it can still be live). Kid is the RFC 7638 thumbprint
// of the public key. Private material never leaves this package; durable
// rows carry the private key PEM, AES-GCM encrypted when an encryptor is
// configured.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/veridianlabs/oauth-core/security"
	"github.com/veridianlabs/oauth-core/storage"
)

// Key lifecycle states as stored in SigningKeyRecord.Status.
const (
	StatusActive   = "active"
	StatusRetiring = "retiring"
	StatusRetired  = "retired"
)

// SignatureAlgorithm is the only algorithm this manager signs with.
const SignatureAlgorithm = "ES256"

var (
	// ErrNoActiveKey indicates the keyset has no active signing key.
	ErrNoActiveKey = errors.New("keys: no active signing key")

	// ErrClosed indicates the manager has been shut down.
	ErrClosed = errors.New("keys: manager closed")
)

// SigningKey describes the current active key. It carries no private
// material.
type SigningKey struct {
	Kid       string
	Algorithm string
	NotBefore time.Time
	CreatedAt time.Time
}

// signingKey is the actor-private representation of one key.
type signingKey struct {
	kid       string
	private   *ecdsa.PrivateKey
	status    string
	notBefore time.Time
	notAfter  time.Time
	createdAt time.Time
}

type request interface{ isRequest() }

type signRequest struct {
	typ    string
	claims []any
	reply  chan signResult
}

type signResult struct {
	token string
	kid   string
	err   error
}

type signingKeyRequest struct {
	reply chan signingKeyResult
}

type signingKeyResult struct {
	key *SigningKey
	err error
}

type jwksRequest struct {
	reply chan jose.JSONWebKeySet
}

type rotateRequest struct {
	reply chan error
}

type retireRequest struct {
	maxTokenTTL time.Duration
	reply       chan retireResult
}

type retireResult struct {
	retired int
	err     error
}

func (signRequest) isRequest()       {}
func (signingKeyRequest) isRequest() {}
func (jwksRequest) isRequest()       {}
func (rotateRequest) isRequest()     {}
func (retireRequest) isRequest()     {}

// Manager owns the signing keyset.
type Manager struct {
	store     storage.KeyStore
	encryptor *security.Encryptor
	logger    *slog.Logger
	auditor   *security.Auditor
	now       func() time.Time

	requests  chan request
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithEncryptor sets the at-rest encryptor for private key rows.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(m *Manager) { m.encryptor = enc }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithAuditor sets the security audit logger for rotation events.
func WithAuditor(a *security.Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager loads the keyset from the store, generating an initial active
// key when the store holds none, and starts the owning goroutine.
func NewManager(ctx context.Context, store storage.KeyStore, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.encryptor == nil {
		enc, err := security.NewEncryptor(nil)
		if err != nil {
			return nil, err
		}
		m.encryptor = enc
	}

	keyset, err := m.loadKeyset(ctx)
	if err != nil {
		return nil, err
	}
	if activeOf(keyset) == nil {
		key, err := m.generateKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to generate initial signing key: %w", err)
		}
		keyset = append(keyset, key)
		m.logger.Info("Generated initial signing key", "kid", key.kid)
	}

	go m.run(keyset)
	return m, nil
}

// Close shuts the manager down. Pending requests fail with ErrClosed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// SigningKey returns a descriptor of the current active key.
func (m *Manager) SigningKey(ctx context.Context) (*SigningKey, error) {
	req := signingKeyRequest{reply: make(chan signingKeyResult, 1)}
	if err := m.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case res := <-req.reply:
		return res.key, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrClosed
	}
}

// Sign serializes the given claim sets into a signed compact JWT under the
// active key and returns the token and the kid that signed it. typ becomes
// the JOSE typ header ("at+jwt" for access tokens, "JWT" for ID tokens).
//
// Signing happens inside the owning goroutine, so a token is always signed
// by a fully promoted key even while a rotation is in flight.
func (m *Manager) Sign(ctx context.Context, typ string, claims ...any) (token, kid string, err error) {
	req := signRequest{typ: typ, claims: claims, reply: make(chan signResult, 1)}
	if err := m.send(ctx, req); err != nil {
		return "", "", err
	}
	select {
	case res := <-req.reply:
		return res.token, res.kid, res.err
	case <-ctx.Done():
		return "", "", ctx.Err()
	case <-m.done:
		return "", "", ErrClosed
	}
}

// PublicKeySet returns the JWKS of all verification keys: the active key
// plus any retiring keys whose tokens may still be live.
func (m *Manager) PublicKeySet(ctx context.Context) (jose.JSONWebKeySet, error) {
	req := jwksRequest{reply: make(chan jose.JSONWebKeySet, 1)}
	if err := m.send(ctx, req); err != nil {
		return jose.JSONWebKeySet{}, err
	}
	select {
	case set := <-req.reply:
		return set, nil
	case <-ctx.Done():
		return jose.JSONWebKeySet{}, ctx.Err()
	case <-m.done:
		return jose.JSONWebKeySet{}, ErrClosed
	}
}

// Rotate mints a fresh key, promotes it to active, and demotes the previous
// active key to retiring.
func (m *Manager) Rotate(ctx context.Context) error {
	req := rotateRequest{reply: make(chan error, 1)}
	if err := m.send(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// RetireExpired retires every retiring key whose NotAfter is more than
// maxTokenTTL in the past: at that point no token signed under it can still
// be within its lifetime. Returns the number of keys retired.
func (m *Manager) RetireExpired(ctx context.Context, maxTokenTTL time.Duration) (int, error) {
	req := retireRequest{maxTokenTTL: maxTokenTTL, reply: make(chan retireResult, 1)}
	if err := m.send(ctx, req); err != nil {
		return 0, err
	}
	select {
	case res := <-req.reply:
		return res.retired, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.done:
		return 0, ErrClosed
	}
}

func (m *Manager) send(ctx context.Context, req request) error {
	select {
	case m.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// run is the actor loop. keyset is owned exclusively by this goroutine.
func (m *Manager) run(keyset []*signingKey) {
	for {
		select {
		case <-m.done:
			return
		case req := <-m.requests:
			switch r := req.(type) {
			case signRequest:
				r.reply <- m.handleSign(keyset, r)
			case signingKeyRequest:
				r.reply <- m.handleSigningKey(keyset)
			case jwksRequest:
				r.reply <- publicKeySet(keyset)
			case rotateRequest:
				next, err := m.handleRotate(keyset)
				if err == nil {
					keyset = next
				}
				r.reply <- err
			case retireRequest:
				next, retired, err := m.handleRetire(keyset, r.maxTokenTTL)
				if err == nil {
					keyset = next
				}
				r.reply <- retireResult{retired: retired, err: err}
			}
		}
	}
}

func (m *Manager) handleSign(keyset []*signingKey, r signRequest) signResult {
	active := activeOf(keyset)
	if active == nil {
		return signResult{err: ErrNoActiveKey}
	}

	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(r.typ))
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.ES256,
		Key:       jose.JSONWebKey{Key: active.private, KeyID: active.kid, Algorithm: SignatureAlgorithm},
	}, opts)
	if err != nil {
		return signResult{err: fmt.Errorf("failed to create signer: %w", err)}
	}

	builder := jwt.Signed(signer)
	for _, c := range r.claims {
		builder = builder.Claims(c)
	}
	token, err := builder.Serialize()
	if err != nil {
		return signResult{err: fmt.Errorf("failed to sign token: %w", err)}
	}
	return signResult{token: token, kid: active.kid}
}

func (m *Manager) handleSigningKey(keyset []*signingKey) signingKeyResult {
	active := activeOf(keyset)
	if active == nil {
		return signingKeyResult{err: ErrNoActiveKey}
	}
	return signingKeyResult{key: &SigningKey{
		Kid:       active.kid,
		Algorithm: SignatureAlgorithm,
		NotBefore: active.notBefore,
		CreatedAt: active.createdAt,
	}}
}

func (m *Manager) handleRotate(keyset []*signingKey) ([]*signingKey, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Demote before promoting. A crash between the two writes then leaves
	// zero active rows, which a restart repairs by generating a fresh key;
	// the reverse order would leave two active rows durably.
	previous := activeOf(keyset)
	if previous != nil {
		previous.status = StatusRetiring
		previous.notAfter = m.now()
		if err := m.saveKey(ctx, previous); err != nil {
			previous.status = StatusActive
			previous.notAfter = time.Time{}
			return nil, fmt.Errorf("failed to demote previous key: %w", err)
		}
	}

	next, err := m.generateKey(ctx)
	if err != nil {
		// Roll back so the rotation fails as a unit and signing keeps
		// working with the previous key.
		if previous != nil {
			previous.status = StatusActive
			previous.notAfter = time.Time{}
			if saveErr := m.saveKey(ctx, previous); saveErr != nil {
				m.logger.Error("Failed to restore previous signing key after aborted rotation",
					"kid", previous.kid, "error", saveErr)
			}
		}
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	oldKid := ""
	if previous != nil {
		oldKid = previous.kid
	}
	m.logger.Info("Rotated signing key", "new_kid", next.kid, "old_kid", oldKid)
	if m.auditor != nil {
		m.auditor.LogKeyRotated(next.kid, oldKid)
	}

	return append(keyset, next), nil
}

func (m *Manager) handleRetire(keyset []*signingKey, maxTokenTTL time.Duration) ([]*signingKey, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := m.now()
	kept := keyset[:0]
	retired := 0
	for _, key := range keyset {
		if key.status == StatusRetiring && now.Sub(key.notAfter) > maxTokenTTL {
			if err := m.store.DeleteSigningKey(ctx, key.kid); err != nil {
				return nil, retired, fmt.Errorf("failed to delete retired key %s: %w", key.kid, err)
			}
			key.status = StatusRetired
			retired++
			m.logger.Info("Retired signing key", "kid", key.kid)
			continue
		}
		kept = append(kept, key)
	}
	return kept, retired, nil
}

func (m *Manager) loadKeyset(ctx context.Context) ([]*signingKey, error) {
	records, err := m.store.ListSigningKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}

	var keyset []*signingKey
	for _, rec := range records {
		if rec.Status == StatusRetired {
			continue
		}
		pemText, err := m.encryptor.Decrypt(rec.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt key %s: %w", rec.Kid, err)
		}
		private, err := parseECPrivateKeyPEM(pemText)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", rec.Kid, err)
		}
		keyset = append(keyset, &signingKey{
			kid:       rec.Kid,
			private:   private,
			status:    rec.Status,
			notBefore: rec.NotBefore,
			notAfter:  rec.NotAfter,
			createdAt: rec.CreatedAt,
		})
	}
	if err := m.repairKeyset(ctx, keyset); err != nil {
		return nil, err
	}
	return keyset, nil
}

// repairKeyset restores the at-most-one-active invariant after a crash or
// a concurrent instance left multiple active rows: the newest active key
// by creation time keeps signing, the rest are demoted to retiring and
// the demotion is persisted.
func (m *Manager) repairKeyset(ctx context.Context, keyset []*signingKey) error {
	var newest *signingKey
	for _, key := range keyset {
		if key.status != StatusActive {
			continue
		}
		if newest == nil || key.createdAt.After(newest.createdAt) {
			newest = key
		}
	}

	for _, key := range keyset {
		if key.status != StatusActive || key == newest {
			continue
		}
		key.status = StatusRetiring
		key.notAfter = m.now()
		if err := m.saveKey(ctx, key); err != nil {
			return fmt.Errorf("failed to demote stale active key %s: %w", key.kid, err)
		}
		m.logger.Warn("Demoted stale active signing key", "kid", key.kid, "kept_kid", newest.kid)
	}
	return nil
}

// generateKey mints a fresh active key and persists it.
func (m *Manager) generateKey(ctx context.Context) (*signingKey, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	kid, err := thumbprintKid(&private.PublicKey)
	if err != nil {
		return nil, err
	}

	now := m.now()
	key := &signingKey{
		kid:       kid,
		private:   private,
		status:    StatusActive,
		notBefore: now,
		createdAt: now,
	}
	if err := m.saveKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (m *Manager) saveKey(ctx context.Context, key *signingKey) error {
	pemText, err := marshalECPrivateKeyPEM(key.private)
	if err != nil {
		return err
	}
	encrypted, err := m.encryptor.Encrypt(pemText)
	if err != nil {
		return fmt.Errorf("failed to encrypt private key: %w", err)
	}
	return m.store.SaveSigningKey(ctx, &storage.SigningKeyRecord{
		Kid:           key.kid,
		Algorithm:     SignatureAlgorithm,
		Status:        key.status,
		PrivateKeyPEM: encrypted,
		NotBefore:     key.notBefore,
		NotAfter:      key.notAfter,
		CreatedAt:     key.createdAt,
	})
}

func activeOf(keyset []*signingKey) *signingKey {
	for _, key := range keyset {
		if key.status == StatusActive {
			return key
		}
	}
	return nil
}

func publicKeySet(keyset []*signingKey) jose.JSONWebKeySet {
	var set jose.JSONWebKeySet
	for _, key := range keyset {
		if key.status == StatusRetired {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       key.private.Public(),
			KeyID:     key.kid,
			Algorithm: SignatureAlgorithm,
			Use:       "sig",
		})
	}
	return set
}

// thumbprintKid derives the kid as the base64url RFC 7638 thumbprint of the
// public key.
func thumbprintKid(pub *ecdsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

func marshalECPrivateKeyPEM(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

func parseECPrivateKeyPEM(pemText string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}
