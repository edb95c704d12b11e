package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/veridianlabs/oauth-core/internal/util"
	"github.com/veridianlabs/oauth-core/storage"
)

// family is the actor-private state of one refresh-token family. A family
// is created at first issuance and lives until revocation or expiry; every
// rotation moves currentJTI forward while superseded jtis stay resolvable
// for theft detection.
type family struct {
	id         string
	tenantID   string
	subjectID  string
	clientID   string
	generation int
	shard      int

	// grantedScope is the maximal scope of the grant. Individual tokens
	// may carry a narrowed scope, but the family never shrinks, so a
	// later refresh may broaden back up to this.
	grantedScope string

	currentJTI string
	revoked    bool
	createdAt  time.Time
	expiresAt  time.Time
}

// shardActor owns every family whose triple hashes to one (generation,
// shard) pair. All state transitions serialize through its mailbox.
type shardActor struct {
	rotator    *Rotator
	generation int
	index      int

	families map[string]*family // familyID -> family
	byJTI    map[string]*family // current and superseded jtis

	requests chan shardMessage
	stopCh   chan struct{}
	stopOnce sync.Once
}

type shardMessage interface{ isShardMessage() }

type issueMessage struct {
	ctx   context.Context
	req   IssueRequest
	reply chan issueResult
}

type issueResult struct {
	jti string
	err error
}

type rotateMessage struct {
	ctx            context.Context
	jti            string
	requestedScope string
	reply          chan rotateResult
}

type rotateResult struct {
	rotation *Rotation
	err      error
}

type revokeJTIMessage struct {
	ctx   context.Context
	jti   string
	reply chan error
}

type revokeFamilyIDMessage struct {
	ctx      context.Context
	familyID string
	reply    chan bool
}

func (issueMessage) isShardMessage()          {}
func (rotateMessage) isShardMessage()         {}
func (revokeJTIMessage) isShardMessage()      {}
func (revokeFamilyIDMessage) isShardMessage() {}

func newShardActor(r *Rotator, generation, index int) *shardActor {
	return &shardActor{
		rotator:    r,
		generation: generation,
		index:      index,
		families:   make(map[string]*family),
		byJTI:      make(map[string]*family),
		requests:   make(chan shardMessage),
		stopCh:     make(chan struct{}),
	}
}

func (a *shardActor) run() {
	sweep := time.NewTicker(a.rotator.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-sweep.C:
			a.sweepExpired()
		case msg := <-a.requests:
			switch m := msg.(type) {
			case issueMessage:
				m.reply <- a.handleIssue(m.ctx, m.req)
			case rotateMessage:
				m.reply <- a.handleRotate(m.ctx, m.jti, m.requestedScope)
			case revokeJTIMessage:
				m.reply <- a.handleRevokeJTI(m.ctx, m.jti)
			case revokeFamilyIDMessage:
				m.reply <- a.handleRevokeFamilyID(m.ctx, m.familyID)
			}
		}
	}
}

func (a *shardActor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *shardActor) send(ctx context.Context, msg shardMessage) error {
	select {
	case a.requests <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopCh:
		return ErrClosed
	}
}

func (a *shardActor) handleIssue(ctx context.Context, req IssueRequest) issueResult {
	r := a.rotator
	now := r.config.Now()

	fam := &family{
		id:           uuid.NewString(),
		tenantID:     req.TenantID,
		subjectID:    req.SubjectID,
		clientID:     req.ClientID,
		generation:   a.generation,
		shard:        a.index,
		grantedScope: req.Scope,
		currentJTI:   formatJTI(a.generation, a.index, oauth2.GenerateVerifier()),
		createdAt:    now,
		expiresAt:    now.Add(r.config.FamilyTTL),
	}

	// Durable index row first: if the write fails the family never
	// existed and the caller sees a server error.
	err := r.durable.RecordFamilyIssuance(ctx, &storage.TokenFamilyRecord{
		FamilyID:   fam.id,
		TenantID:   fam.tenantID,
		SubjectID:  fam.subjectID,
		ClientID:   fam.clientID,
		Generation: fam.generation,
		Scope:      fam.grantedScope,
		IssuedAt:   fam.createdAt,
		ExpiresAt:  fam.expiresAt,
	})
	if err != nil {
		return issueResult{err: err}
	}

	a.families[fam.id] = fam
	a.byJTI[fam.currentJTI] = fam

	r.logger.Debug("Refresh token family created",
		"family_id", fam.id,
		"client_id", fam.clientID,
		"generation", fam.generation,
		"shard", fam.shard)

	return issueResult{jti: fam.currentJTI}
}

func (a *shardActor) handleRotate(ctx context.Context, jti, requestedScope string) rotateResult {
	r := a.rotator

	fam, ok := a.byJTI[jti]
	if !ok {
		return rotateResult{err: ErrInvalidGrant}
	}

	if fam.revoked {
		if r.auditor != nil {
			r.auditor.LogAuthFailure(fam.subjectID, fam.clientID, "refresh_on_revoked_family")
		}
		return rotateResult{err: ErrInvalidGrant}
	}

	if r.config.Now().After(fam.expiresAt) {
		return rotateResult{err: ErrInvalidGrant}
	}

	if jti != fam.currentJTI {
		// A superseded jti on a live family means two parties hold tokens
		// from the same chain: one of them stole it. Kill the family.
		a.revokeFamily(ctx, fam)

		r.logger.Warn("Refresh token theft detected",
			"family_id", fam.id,
			"client_id", fam.clientID,
			"jti_prefix", util.SafeTruncate(jti, 16))
		if r.auditor != nil {
			r.auditor.LogReuseDetected(fam.subjectID, fam.clientID, "refresh_token", fam.id)
		}
		if r.metrics != nil {
			r.metrics.TheftDetected.Add(ctx, 1)
		}
		return rotateResult{err: ErrInvalidGrant}
	}

	scope := fam.grantedScope
	if requestedScope != "" {
		if !scopeSubset(requestedScope, fam.grantedScope) {
			return rotateResult{err: ErrInvalidScope}
		}
		scope = requestedScope
	}

	// Rotation stays inside the family's original generation so the new
	// jti routes back to this shard regardless of later resharding.
	newJTI := formatJTI(fam.generation, fam.shard, oauth2.GenerateVerifier())
	a.byJTI[newJTI] = fam
	fam.currentJTI = newJTI

	if r.auditor != nil {
		r.auditor.LogTokenRefreshed(fam.subjectID, fam.clientID, fam.generation)
	}

	return rotateResult{rotation: &Rotation{
		NewJTI:       newJTI,
		FamilyID:     fam.id,
		SubjectID:    fam.subjectID,
		ClientID:     fam.clientID,
		Scope:        scope,
		GrantedScope: fam.grantedScope,
		ExpiresAt:    fam.expiresAt,
	}}
}

func (a *shardActor) handleRevokeJTI(ctx context.Context, jti string) error {
	fam, ok := a.byJTI[jti]
	if !ok {
		return ErrInvalidGrant
	}
	if !fam.revoked {
		a.revokeFamily(ctx, fam)
		if a.rotator.auditor != nil {
			a.rotator.auditor.LogTokenRevoked(fam.subjectID, fam.clientID, "refresh_token_family")
		}
	}
	return nil
}

func (a *shardActor) handleRevokeFamilyID(ctx context.Context, familyID string) bool {
	fam, ok := a.families[familyID]
	if !ok || fam.revoked {
		return false
	}
	a.revokeFamily(ctx, fam)
	return true
}

// revokeFamily flips the in-memory flag and marks the durable index row.
// The index write is detached from the triggering request.
func (a *shardActor) revokeFamily(ctx context.Context, fam *family) {
	fam.revoked = true

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.rotator.durable.MarkFamilyRevoked(markCtx, fam.id); err != nil {
		a.rotator.logger.Error("Failed to mark family revoked in durable index",
			"family_id", fam.id, "error", err)
	}
}

// sweepExpired drops families past their absolute lifetime along with all
// jtis that resolve to them.
func (a *shardActor) sweepExpired() {
	now := a.rotator.config.Now()

	expired := make(map[string]bool)
	for id, fam := range a.families {
		if now.After(fam.expiresAt) {
			expired[id] = true
			delete(a.families, id)
		}
	}
	if len(expired) == 0 {
		return
	}

	for jti, fam := range a.byJTI {
		if expired[fam.id] {
			delete(a.byJTI, jti)
		}
	}

	a.rotator.logger.Debug("Swept expired refresh token families",
		"generation", a.generation,
		"shard", a.index,
		"families", len(expired))
}
