package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veridianlabs/oauth-core/storage"
)

// ============================================================
// KeyStore Implementation
// ============================================================

// SaveSigningKey upserts a key row. Rows have no TTL: key lifecycle is
// driven by the key manager, not by expiry.
func (s *Store) SaveSigningKey(ctx context.Context, rec *storage.SigningKeyRecord) (err error) {
	defer s.observe(ctx, "key.save", time.Now(), &err)

	if rec == nil || rec.Kid == "" {
		return fmt.Errorf("invalid signing key record")
	}

	data, err := json.Marshal(toSigningKeyJSON(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal signing key: %w", err)
	}

	key := s.signingKeyKey(rec.Kid)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save signing key: %w", err)
	}

	s.logger.Debug("Saved signing key", "kid", rec.Kid, "status", rec.Status)
	return nil
}

// ListSigningKeys returns all key rows via SCAN.
func (s *Store) ListSigningKeys(ctx context.Context) (records []*storage.SigningKeyRecord, err error) {
	defer s.observe(ctx, "key.list", time.Now(), &err)

	pattern := s.signingKeyKey("*")

	seen := make(map[string]bool)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan signing keys: %w", err)
		}

		for _, key := range result.Elements {
			// SCAN can return duplicates across iterations.
			if seen[key] {
				continue
			}
			seen[key] = true

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue
				}
				return nil, fmt.Errorf("failed to get signing key %s: %w", key, err)
			}

			var j signingKeyJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal signing key, skipping",
					"key", key, "error", err)
				continue
			}
			records = append(records, fromSigningKeyJSON(&j))
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	return records, nil
}

// DeleteSigningKey removes a retired key row
func (s *Store) DeleteSigningKey(ctx context.Context, kid string) (err error) {
	defer s.observe(ctx, "key.delete", time.Now(), &err)

	key := s.signingKeyKey(kid)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete signing key: %w", err)
	}

	s.logger.Debug("Deleted signing key", "kid", kid)
	return nil
}

// ============================================================
// DenyList Implementation
// ============================================================

// RevokeJTI denies a jti until expiresAt. The entry's TTL matches the
// token's remaining lifetime, so the denylist is self-cleaning.
func (s *Store) RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) (err error) {
	defer s.observe(ctx, "denylist.revoke", time.Now(), &err)

	if jti == "" {
		return fmt.Errorf("jti cannot be empty")
	}

	ttl := calculateTTL(expiresAt)
	if ttl <= 0 {
		// The token is already past its lifetime; nothing to deny.
		return nil
	}

	key := s.denyKey(jti)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value("1").Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to revoke jti: %w", err)
	}

	s.logger.Debug("Revoked access token jti", "jti", jti)
	return nil
}

// IsJTIRevoked reports whether a jti has been denied. TTL handles expiry,
// so existence is the whole answer.
func (s *Store) IsJTIRevoked(ctx context.Context, jti string) (revoked bool, err error) {
	defer s.observe(ctx, "denylist.check", time.Now(), &err)

	key := s.denyKey(jti)

	count, err := s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check jti revocation: %w", err)
	}
	return count > 0, nil
}
