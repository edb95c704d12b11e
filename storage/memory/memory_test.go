package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/veridianlabs/oauth-core/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func TestClientRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	require.NoError(t, s.SaveClient(ctx, &storage.Client{
		ClientID:         "app",
		ClientType:       "confidential",
		ClientSecretHash: string(hash),
		RedirectURIs:     []string{"https://app.example.com/cb"},
	}))

	client, err := s.GetClient(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, "confidential", client.ClientType)

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	assert.NoError(t, s.ValidateClientSecret(ctx, "app", "hunter2"))
	assert.Error(t, s.ValidateClientSecret(ctx, "app", "wrong"))
	assert.ErrorIs(t, s.ValidateClientSecret(ctx, "missing", "hunter2"), storage.ErrClientNotFound)
}

func TestCodeRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec := &storage.AuthorizationCodeRecord{
		Code:      "code-1",
		ClientID:  "app",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, s.SaveAuthorizationCode(ctx, rec))

	require.NoError(t, s.MarkAuthorizationCodeUsed(ctx, "code-1", "jti-1"))
	assert.ErrorIs(t, s.MarkAuthorizationCodeUsed(ctx, "missing", "jti-1"), storage.ErrCodeNotFound)

	// Mutating the saved record must not leak back into the store.
	rec.ClientID = "tampered"
	require.NoError(t, s.DeleteAuthorizationCode(ctx, "code-1"))
	assert.NoError(t, s.DeleteAuthorizationCode(ctx, "code-1"), "delete is idempotent")
}

func TestFamilyIndex(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"fam-1", "fam-2"} {
		require.NoError(t, s.RecordFamilyIssuance(ctx, &storage.TokenFamilyRecord{
			FamilyID:  id,
			SubjectID: "user-1",
			ClientID:  "app",
			ExpiresAt: time.Now().Add(time.Hour),
		}))
	}
	require.NoError(t, s.RecordFamilyIssuance(ctx, &storage.TokenFamilyRecord{
		FamilyID:  "fam-other",
		SubjectID: "user-2",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, s.MarkFamilyRevoked(ctx, "fam-1"))
	require.NoError(t, s.MarkFamilyRevoked(ctx, "fam-1"), "revocation is idempotent")
	assert.ErrorIs(t, s.MarkFamilyRevoked(ctx, "missing"), storage.ErrFamilyNotFound)

	rows, err := s.ListFamiliesBySubject(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	revoked := 0
	for _, row := range rows {
		if row.Revoked {
			revoked++
			assert.False(t, row.RevokedAt.IsZero())
		}
	}
	assert.Equal(t, 1, revoked)

	rows, err = s.ListFamiliesBySubject(ctx, "user-3")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSigningKeys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSigningKey(ctx, &storage.SigningKeyRecord{Kid: "kid-1", Status: "active"}))
	require.NoError(t, s.SaveSigningKey(ctx, &storage.SigningKeyRecord{Kid: "kid-2", Status: "retiring"}))

	// Upsert replaces in place.
	require.NoError(t, s.SaveSigningKey(ctx, &storage.SigningKeyRecord{Kid: "kid-1", Status: "retiring"}))

	rows, err := s.ListSigningKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, s.DeleteSigningKey(ctx, "kid-1"))
	rows, err = s.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "kid-2", rows[0].Kid)
}

func TestDenyList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.RevokeJTI(ctx, "jti-live", time.Now().Add(time.Hour)))
	require.NoError(t, s.RevokeJTI(ctx, "jti-stale", time.Now().Add(-time.Minute)))

	revoked, err := s.IsJTIRevoked(ctx, "jti-live")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsJTIRevoked(ctx, "jti-stale")
	require.NoError(t, err)
	assert.False(t, revoked, "entries past their expiry answer false")

	revoked, err = s.IsJTIRevoked(ctx, "jti-unknown")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestJanitorSweepsExpiredRows(t *testing.T) {
	s := NewWithInterval(10 * time.Millisecond)
	t.Cleanup(s.Stop)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCodeRecord{
		Code:      "expired",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCodeRecord{
		Code:      "live",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.RevokeJTI(ctx, "jti-stale", time.Now().Add(-time.Minute)))
	require.NoError(t, s.RecordFamilyIssuance(ctx, &storage.TokenFamilyRecord{
		FamilyID:  "fam-expired",
		SubjectID: "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	assert.Eventually(t, func() bool {
		codes, families, _, denied := s.Counts()
		return codes == 1 && families == 0 && denied == 0
	}, 2*time.Second, 20*time.Millisecond)

	rows, err := s.ListFamiliesBySubject(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, rows, "the subject index is pruned with the row")
}

func TestCounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCodeRecord{
		Code: "c", ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.SaveSigningKey(ctx, &storage.SigningKeyRecord{Kid: "k"}))

	codes, families, keys, denied := s.Counts()
	assert.Equal(t, int64(1), codes)
	assert.Equal(t, int64(0), families)
	assert.Equal(t, int64(1), keys)
	assert.Equal(t, int64(0), denied)
}
