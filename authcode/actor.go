package authcode

import (
	"context"
	"sync"
	"time"

	"github.com/veridianlabs/oauth-core/internal/util"
	"github.com/veridianlabs/oauth-core/storage"
)

// codeActor owns the state of one authorization code. Its run loop is the
// only goroutine that touches the record, so redemption is serialized
// without locks.
type codeActor struct {
	store  *Store
	record *storage.AuthorizationCodeRecord

	requests chan codeMessage
	stopCh   chan struct{}
	stopOnce sync.Once
}

type codeMessage interface{ isCodeMessage() }

type redeemMessage struct {
	ctx   context.Context
	req   RedeemRequest
	reply chan redeemResult
}

type redeemResult struct {
	grant *Grant
	err   error
}

func (redeemMessage) isCodeMessage() {}

func newCodeActor(store *Store, record *storage.AuthorizationCodeRecord) *codeActor {
	return &codeActor{
		store:    store,
		record:   record,
		requests: make(chan codeMessage),
		stopCh:   make(chan struct{}),
	}
}

func (a *codeActor) run() {
	defer a.store.unregister(a.record.Code)

	expiry := time.NewTimer(time.Until(a.record.ExpiresAt))
	defer expiry.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-expiry.C:
			a.expire()
			return
		case msg := <-a.requests:
			switch m := msg.(type) {
			case redeemMessage:
				m.reply <- a.handleRedeem(m.ctx, m.req)
			}
		}
	}
}

func (a *codeActor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *codeActor) redeem(ctx context.Context, req RedeemRequest) (*Grant, error) {
	msg := redeemMessage{ctx: ctx, req: req, reply: make(chan redeemResult, 1)}
	select {
	case a.requests <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.stopCh:
		return nil, ErrInvalidGrant
	}
	select {
	case res := <-msg.reply:
		return res.grant, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *codeActor) handleRedeem(ctx context.Context, req RedeemRequest) redeemResult {
	rec := a.record
	now := a.store.config.Now()

	if now.After(rec.ExpiresAt) {
		return redeemResult{err: ErrInvalidGrant}
	}

	if rec.Used {
		a.handleReuse(ctx)
		return redeemResult{err: ErrInvalidGrant}
	}

	if req.ClientID != rec.ClientID || req.RedirectURI != rec.RedirectURI {
		a.store.logger.Warn("Authorization code redemption with mismatched client or redirect",
			"code_prefix", util.SafeTruncate(rec.Code, 8),
			"client_id", req.ClientID)
		if a.store.auditor != nil {
			a.store.auditor.LogAuthFailure(rec.SubjectID, req.ClientID, "code_binding_mismatch")
		}
		return redeemResult{err: ErrInvalidGrant}
	}

	if !verifyPKCE(req.CodeVerifier, rec.CodeChallenge) {
		if a.store.auditor != nil {
			a.store.auditor.LogAuthFailure(rec.SubjectID, req.ClientID, "pkce_verification_failed")
		}
		if a.store.metrics != nil {
			a.store.metrics.PKCEValidationFailed.Add(ctx, 1)
		}
		return redeemResult{err: ErrInvalidGrant}
	}

	// Used and IssuedJTI flip in the same actor turn, so a replay arriving
	// right after this reply already sees the jti it must revoke.
	rec.Used = true
	rec.IssuedJTI = req.IssuedJTI
	if err := a.store.durable.MarkAuthorizationCodeUsed(ctx, rec.Code, req.IssuedJTI); err != nil {
		a.store.logger.Warn("Failed to mark authorization code used in durable store",
			"code_prefix", util.SafeTruncate(rec.Code, 8), "error", err)
	}

	return redeemResult{grant: &Grant{
		SubjectID: rec.SubjectID,
		ClientID:  rec.ClientID,
		Scope:     rec.Scope,
		Nonce:     rec.Nonce,
	}}
}

// handleReuse fires on a second redemption of a used code. The access
// token minted at the first redemption is revoked; the attacker still sees
// a plain invalid_grant.
func (a *codeActor) handleReuse(ctx context.Context) {
	rec := a.record

	a.store.logger.Warn("Authorization code reuse detected",
		"code_prefix", util.SafeTruncate(rec.Code, 8),
		"client_id", rec.ClientID,
		"issued_jti", rec.IssuedJTI)

	if rec.IssuedJTI != "" && a.store.revoke != nil {
		// Detached from the attacker's request: their cancellation must
		// not abort the revocation.
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		until := a.store.config.Now().Add(a.store.config.AccessTokenTTL)
		if err := a.store.revoke(revokeCtx, rec.IssuedJTI, until); err != nil {
			a.store.logger.Error("Failed to revoke token issued for reused code",
				"jti", rec.IssuedJTI, "error", err)
		}
	}

	if a.store.auditor != nil {
		a.store.auditor.LogReuseDetected(rec.SubjectID, rec.ClientID, "authorization_code", "")
	}
	if a.store.metrics != nil {
		a.store.metrics.CodeReuseDetected.Add(ctx, 1)
	}
}

// expire runs when the code outlives its TTL: the durable row is removed
// and the actor shuts down.
func (a *codeActor) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.store.durable.DeleteAuthorizationCode(ctx, a.record.Code); err != nil {
		a.store.logger.Warn("Failed to delete expired authorization code",
			"code_prefix", util.SafeTruncate(a.record.Code, 8), "error", err)
	}
}
