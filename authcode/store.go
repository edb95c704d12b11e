// Package authcode issues and redeems single-use authorization codes bound
// to a PKCE S256 challenge. Each live code is owned by one goroutine; all
// reads and writes of a code's state pass through that goroutine's mailbox,
// so concurrent redemption attempts serialize and exactly one can win. The
// registry map only routes requests to actors and holds no code state.
//
// A redeemed code is kept until its natural expiry so that a second
// redemption attempt is recognized as a reuse attack: the access token
// minted at the first redemption is revoked through the configured revoker
// and the caller still sees the same invalid_grant as for an unknown code.
package authcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/veridianlabs/oauth-core/instrumentation"
	"github.com/veridianlabs/oauth-core/internal/util"
	"github.com/veridianlabs/oauth-core/security"
	"github.com/veridianlabs/oauth-core/storage"
)

// DefaultTTL is the authorization code lifetime.
const DefaultTTL = 600 * time.Second

var (
	// ErrInvalidGrant covers every redemption failure visible to a client:
	// unknown, expired, or used codes, client or redirect mismatches, and
	// PKCE failures. Collapsing them denies an attacker an oracle.
	ErrInvalidGrant = errors.New("authcode: invalid grant")

	// ErrClosed indicates the store has been shut down.
	ErrClosed = errors.New("authcode: store closed")
)

// RevokeTokenFunc revokes an access token by jti when a code reuse attack
// fires. expiresAt bounds how long the denylist entry must be honored.
type RevokeTokenFunc func(ctx context.Context, jti string, expiresAt time.Time) error

// IssueRequest carries the parameters of a validated authorization request.
type IssueRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	SubjectID           string
	Nonce               string
	State               string
}

// RedeemRequest carries the token-endpoint parameters for a code exchange.
type RedeemRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string

	// IssuedJTI is the jti of the access token the caller will mint for
	// this grant. It is recorded in the same actor turn that consumes the
	// code, so a replay arriving before the token is even signed already
	// knows what to revoke.
	IssuedJTI string
}

// Grant is the result of a successful redemption.
type Grant struct {
	SubjectID string
	ClientID  string
	Scope     string
	Nonce     string
}

// Config configures a Store.
type Config struct {
	// TTL is the code lifetime. Default: 600 seconds.
	TTL time.Duration

	// AccessTokenTTL bounds the denylist window for tokens revoked on
	// reuse detection.
	AccessTokenTTL time.Duration

	// Now overrides the time source.
	Now func() time.Time
}

// Store issues and redeems authorization codes.
type Store struct {
	config  Config
	durable storage.CodeStore
	revoke  RevokeTokenFunc
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics

	mu     sync.Mutex
	actors map[string]*codeActor
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuditor sets the security audit logger.
func WithAuditor(a *security.Auditor) Option {
	return func(s *Store) { s.auditor = a }
}

// WithMetrics attaches counters for reuse attacks and PKCE failures.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates an authorization code store. durable receives one row
// per issuance and the used/issued-jti marks; revoke is called with the
// bound access-token jti when a reuse attack is detected.
func NewStore(config Config, durable storage.CodeStore, revoke RevokeTokenFunc, opts ...Option) *Store {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	s := &Store{
		config:  config,
		durable: durable,
		revoke:  revoke,
		logger:  slog.Default(),
		actors:  make(map[string]*codeActor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close shuts down all code actors. Pending requests fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	actors := make([]*codeActor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	s.wg.Wait()
}

// Issue mints a single-use code for the request and returns it with its
// lifetime in seconds. The challenge must already satisfy
// ValidateChallenge; Issue re-checks it as a last line of defense.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (string, int64, error) {
	if err := ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return "", 0, err
	}

	code := oauth2.GenerateVerifier()
	now := s.config.Now()
	record := &storage.AuthorizationCodeRecord{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		SubjectID:           req.SubjectID,
		Nonce:               req.Nonce,
		State:               req.State,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.TTL),
	}

	if err := s.saveWithRetry(ctx, record); err != nil {
		return "", 0, fmt.Errorf("failed to persist authorization code: %w", err)
	}

	actor := newCodeActor(s, record)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		actor.stop()
		return "", 0, ErrClosed
	}
	s.actors[code] = actor
	s.wg.Add(1)
	s.mu.Unlock()

	go actor.run()

	s.logger.Debug("Authorization code issued",
		"code_prefix", util.SafeTruncate(code, 8),
		"client_id", req.ClientID,
		"expires_in", int64(s.config.TTL.Seconds()))
	if s.auditor != nil {
		s.auditor.LogCodeIssued(req.SubjectID, req.ClientID, req.Scope)
	}

	return code, int64(s.config.TTL.Seconds()), nil
}

// Redeem exchanges a code for its grant, recording req.IssuedJTI as the
// token a later reuse must revoke. Every failure a client can trigger
// returns ErrInvalidGrant.
func (s *Store) Redeem(ctx context.Context, req RedeemRequest) (*Grant, error) {
	actor := s.lookup(req.Code)
	if actor == nil {
		return nil, ErrInvalidGrant
	}
	return actor.redeem(ctx, req)
}

func (s *Store) lookup(code string) *codeActor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actors[code]
}

func (s *Store) unregister(code string) {
	s.mu.Lock()
	if !s.closed {
		delete(s.actors, code)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// saveWithRetry persists the issuance row, retrying transient store
// failures with exponential backoff.
func (s *Store) saveWithRetry(ctx context.Context, record *storage.AuthorizationCodeRecord) error {
	const maxAttempts = 3

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 100 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = s.durable.SaveAuthorizationCode(ctx, record); err == nil {
			return nil
		}
		s.logger.Warn("Authorization code persist attempt failed",
			"attempt", attempt+1, "error", err)
	}
	return err
}
