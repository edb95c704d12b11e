package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veridianlabs/oauth-core/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode writes the issuance row with a TTL matching the
// code's lifetime, so expired rows vanish without a janitor.
func (s *Store) SaveAuthorizationCode(ctx context.Context, rec *storage.AuthorizationCodeRecord) (err error) {
	defer s.observe(ctx, "code.save", time.Now(), &err)

	if rec == nil || rec.Code == "" {
		return fmt.Errorf("invalid authorization code record")
	}

	data, err := json.Marshal(toCodeJSON(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(rec.Code)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// MarkAuthorizationCodeUsed flips the Used flag and records the issued jti
// on the durable row, keeping the row's original TTL.
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string, issuedJTI string) (err error) {
	defer s.observe(ctx, "code.mark_used", time.Now(), &err)

	key := s.codeKey(code)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrCodeNotFound
		}
		return fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j codeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	j.Used = true
	j.IssuedJTI = issuedJTI

	updated, err := json.Marshal(&j)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(updated)).Keepttl().Build()).Error(); err != nil {
		return fmt.Errorf("failed to mark authorization code used: %w", err)
	}
	return nil
}

// DeleteAuthorizationCode removes the row
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	defer s.observe(ctx, "code.delete", time.Now(), &err)

	key := s.codeKey(code)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
