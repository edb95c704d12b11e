package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veridianlabs/oauth-core/storage"
)

// ============================================================
// FamilyStore Implementation
// ============================================================

// RecordFamilyIssuance writes the family index row and adds the family to
// the subject's set. The row's TTL covers the family lifetime plus the
// revoked-row retention window so a revocation near expiry stays visible
// for forensics.
func (s *Store) RecordFamilyIssuance(ctx context.Context, rec *storage.TokenFamilyRecord) (err error) {
	defer s.observe(ctx, "family.record", time.Now(), &err)

	if rec == nil || rec.FamilyID == "" {
		return fmt.Errorf("invalid token family record")
	}
	if err := validateIDLength(rec.SubjectID, "subjectID"); err != nil {
		return err
	}

	data, err := json.Marshal(toFamilyJSON(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal token family: %w", err)
	}

	ttl := calculateTTL(rec.ExpiresAt) + s.revokedFamilyRetention
	if ttl <= 0 {
		return fmt.Errorf("token family already expired")
	}

	key := s.familyKey(rec.FamilyID)
	setKey := s.subjectFamiliesKey(rec.SubjectID)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save token family: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Sadd().Key(setKey).Member(rec.FamilyID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index token family by subject: %w", err)
	}
	// The subject set outlives its longest-lived family; stale members are
	// skipped on read when their row is gone.
	if err := s.client.Do(ctx, s.client.B().Expire().Key(setKey).Seconds(int64(ttl.Seconds())).Build()).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on subject family index",
			"subject_id_len", len(rec.SubjectID), "error", err)
	}

	s.logger.Debug("Recorded token family issuance", "family_id", rec.FamilyID)
	return nil
}

// MarkFamilyRevoked marks a family revoked in the index, keeping the row's
// TTL.
func (s *Store) MarkFamilyRevoked(ctx context.Context, familyID string) (err error) {
	defer s.observe(ctx, "family.mark_revoked", time.Now(), &err)

	key := s.familyKey(familyID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrFamilyNotFound
		}
		return fmt.Errorf("failed to get token family: %w", err)
	}

	var j familyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return fmt.Errorf("failed to unmarshal token family: %w", err)
	}
	if j.Revoked {
		return nil
	}
	j.Revoked = true
	j.RevokedAt = time.Now()

	updated, err := json.Marshal(&j)
	if err != nil {
		return fmt.Errorf("failed to marshal token family: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(updated)).Keepttl().Build()).Error(); err != nil {
		return fmt.Errorf("failed to mark token family revoked: %w", err)
	}

	s.logger.Debug("Marked token family revoked", "family_id", familyID)
	return nil
}

// ListFamiliesBySubject returns all family rows for a subject, revoked
// ones included.
func (s *Store) ListFamiliesBySubject(ctx context.Context, subjectID string) (records []*storage.TokenFamilyRecord, err error) {
	defer s.observe(ctx, "family.list_by_subject", time.Now(), &err)

	setKey := s.subjectFamiliesKey(subjectID)

	familyIDs, err := s.client.Do(ctx, s.client.B().Smembers().Key(setKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list subject families: %w", err)
	}

	records = make([]*storage.TokenFamilyRecord, 0, len(familyIDs))
	for _, familyID := range familyIDs {
		data, err := s.client.Do(ctx, s.client.B().Get().Key(s.familyKey(familyID)).Build()).ToString()
		if err != nil {
			if isNilError(err) {
				// Row expired out from under the set; drop the stale member.
				if err := s.client.Do(ctx, s.client.B().Srem().Key(setKey).Member(familyID).Build()).Error(); err != nil {
					s.logger.Warn("Failed to prune stale family index member",
						"family_id", familyID, "error", err)
				}
				continue
			}
			return nil, fmt.Errorf("failed to get token family %s: %w", familyID, err)
		}

		var j familyJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Failed to unmarshal token family, skipping",
				"family_id", familyID, "error", err)
			continue
		}
		records = append(records, fromFamilyJSON(&j))
	}

	return records, nil
}
