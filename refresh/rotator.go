// Package refresh implements refresh-token rotation with theft detection.
//
// Tokens are tracked as families: one family per grant, rotated forward on
// every refresh. Families are partitioned across shard goroutines by an
// FNV-1a64 hash of (tenant, subject, client); the shard index and the
// shard-layout generation are baked into every jti, so a token issued
// under an older layout still routes to its original shard after the
// server scales its shard count. Presenting a superseded jti of a live
// family revokes the whole family.
//
// The durable index is written only at issuance and revocation; rotation
// itself never touches storage, which keeps the hot path actor-local.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veridianlabs/oauth-core/instrumentation"
	"github.com/veridianlabs/oauth-core/security"
	"github.com/veridianlabs/oauth-core/storage"
)

// Defaults applied by NewRotator.
const (
	DefaultFamilyTTL     = 30 * 24 * time.Hour
	DefaultShardCount    = 16
	DefaultSweepInterval = time.Minute
)

var (
	// ErrInvalidGrant covers unknown, expired, revoked, and replayed
	// refresh tokens. One error for all of them: no oracle.
	ErrInvalidGrant = errors.New("refresh: invalid grant")

	// ErrInvalidScope indicates a refresh requested scope beyond the
	// family's grant.
	ErrInvalidScope = errors.New("refresh: requested scope exceeds grant")

	// ErrClosed indicates the rotator has been shut down.
	ErrClosed = errors.New("refresh: rotator closed")
)

// IssueRequest creates a new token family.
type IssueRequest struct {
	TenantID  string
	SubjectID string
	ClientID  string
	Scope     string
}

// Rotation is the result of a successful refresh.
type Rotation struct {
	NewJTI    string
	FamilyID  string
	SubjectID string
	ClientID  string

	// Scope is what this rotation granted, possibly narrowed.
	Scope string

	// GrantedScope is the family's maximal scope; a later refresh may
	// broaden back up to it.
	GrantedScope string

	ExpiresAt time.Time
}

// Config configures a Rotator.
type Config struct {
	// Generation is the current shard-layout generation. New families are
	// created under it.
	Generation int

	// ShardCounts maps each generation ever used to its shard count.
	// Entries must never be removed while tokens from that generation can
	// still be live.
	ShardCounts map[int]int

	// FamilyTTL is the absolute lifetime of a token family.
	FamilyTTL time.Duration

	// SweepInterval is how often shard janitors drop expired families.
	SweepInterval time.Duration

	// Now overrides the time source.
	Now func() time.Time
}

type shardKey struct {
	generation int
	index      int
}

// Rotator issues and rotates refresh tokens across shard actors.
type Rotator struct {
	config  Config
	durable storage.FamilyStore
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics

	mu     sync.Mutex
	shards map[shardKey]*shardActor
	closed bool
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithLogger sets the rotator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Rotator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAuditor sets the security audit logger.
func WithAuditor(a *security.Auditor) Option {
	return func(r *Rotator) { r.auditor = a }
}

// WithMetrics attaches the theft-detection counter.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(r *Rotator) { r.metrics = m }
}

// NewRotator creates a refresh-token rotator. durable holds the family
// index that serves revoke-all-for-subject and survives restarts.
func NewRotator(config Config, durable storage.FamilyStore, opts ...Option) (*Rotator, error) {
	if config.FamilyTTL <= 0 {
		config.FamilyTTL = DefaultFamilyTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ShardCounts == nil {
		config.ShardCounts = map[int]int{config.Generation: DefaultShardCount}
	}
	count, ok := config.ShardCounts[config.Generation]
	if !ok || count <= 0 {
		return nil, fmt.Errorf("refresh: no shard count for current generation %d", config.Generation)
	}

	r := &Rotator{
		config:  config,
		durable: durable,
		logger:  slog.Default(),
		shards:  make(map[shardKey]*shardActor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close stops every shard actor.
func (r *Rotator) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	actors := make([]*shardActor, 0, len(r.shards))
	for _, a := range r.shards {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}

// Issue creates a token family under the current generation and returns
// the first refresh-token jti.
func (r *Rotator) Issue(ctx context.Context, req IssueRequest) (string, error) {
	generation := r.config.Generation
	index := Shard(req.TenantID, req.SubjectID, req.ClientID, r.config.ShardCounts[generation])

	actor, err := r.shard(generation, index)
	if err != nil {
		return "", err
	}

	msg := issueMessage{ctx: ctx, req: req, reply: make(chan issueResult, 1)}
	if err := actor.send(ctx, msg); err != nil {
		return "", err
	}
	select {
	case res := <-msg.reply:
		return res.jti, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Rotate exchanges a refresh token for its successor. requestedScope may
// narrow the grant; empty means the family's full granted scope.
func (r *Rotator) Rotate(ctx context.Context, jti, requestedScope string) (*Rotation, error) {
	actor, err := r.route(jti)
	if err != nil {
		return nil, err
	}

	msg := rotateMessage{ctx: ctx, jti: jti, requestedScope: requestedScope, reply: make(chan rotateResult, 1)}
	if err := actor.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case res := <-msg.reply:
		return res.rotation, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RevokeFamily revokes the family a refresh token belongs to. Any jti of
// the family, current or superseded, identifies it.
func (r *Rotator) RevokeFamily(ctx context.Context, jti string) error {
	actor, err := r.route(jti)
	if err != nil {
		return err
	}

	msg := revokeJTIMessage{ctx: ctx, jti: jti, reply: make(chan error, 1)}
	if err := actor.send(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RevokeAllForSubject revokes every live family of a subject and returns
// how many were revoked. It is served from the durable index, so it covers
// families created before the last restart and never touches rotation hot
// paths beyond a targeted revocation message per family.
func (r *Rotator) RevokeAllForSubject(ctx context.Context, subjectID string) (int, error) {
	records, err := r.durable.ListFamiliesBySubject(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to list families for subject: %w", err)
	}

	now := r.config.Now()
	revoked := 0
	for _, rec := range records {
		if rec.Revoked || now.After(rec.ExpiresAt) {
			continue
		}
		if err := r.durable.MarkFamilyRevoked(ctx, rec.FamilyID); err != nil {
			return revoked, fmt.Errorf("failed to revoke family %s: %w", rec.FamilyID, err)
		}
		revoked++

		// Reach into the owning shard so in-flight rotations see the
		// revocation immediately. The shard is recomputed from the row;
		// a missing generation means no live actor can hold it.
		count, ok := r.config.ShardCounts[rec.Generation]
		if !ok {
			continue
		}
		index := Shard(rec.TenantID, rec.SubjectID, rec.ClientID, count)
		if actor := r.lookupShard(rec.Generation, index); actor != nil {
			msg := revokeFamilyIDMessage{ctx: ctx, familyID: rec.FamilyID, reply: make(chan bool, 1)}
			if err := actor.send(ctx, msg); err != nil {
				return revoked, err
			}
			select {
			case <-msg.reply:
			case <-ctx.Done():
				return revoked, ctx.Err()
			}
		}
	}

	if r.auditor != nil && revoked > 0 {
		r.auditor.LogTokenRevoked(subjectID, "", "all_subject_families")
	}
	return revoked, nil
}

// route parses a jti and returns the shard actor that owns it.
func (r *Rotator) route(jti string) (*shardActor, error) {
	generation, index, err := parseJTI(jti)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	count, ok := r.config.ShardCounts[generation]
	if !ok || index >= count {
		return nil, ErrInvalidGrant
	}
	return r.shard(generation, index)
}

// shard returns the actor for a (generation, index) pair, starting it on
// first use. The mutex guards only this routing map, never family state.
func (r *Rotator) shard(generation, index int) (*shardActor, error) {
	key := shardKey{generation: generation, index: index}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if actor, ok := r.shards[key]; ok {
		return actor, nil
	}
	actor := newShardActor(r, generation, index)
	r.shards[key] = actor
	go actor.run()
	return actor, nil
}

func (r *Rotator) lookupShard(generation, index int) *shardActor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shards[shardKey{generation: generation, index: index}]
}
