package refresh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridianlabs/oauth-core/storage/memory"
)

func newTestRotator(t *testing.T, config Config) (*Rotator, *memory.Store) {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	r, err := NewRotator(config, store)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, store
}

func issueReq(subject string) IssueRequest {
	return IssueRequest{
		TenantID:  "tenant-1",
		SubjectID: subject,
		ClientID:  "client-1",
		Scope:     "openid profile email",
	}
}

func TestIssueProducesRoutableJTI(t *testing.T) {
	r, _ := newTestRotator(t, Config{Generation: 3, ShardCounts: map[int]int{3: 8}})

	jti, err := r.Issue(context.Background(), issueReq("user-1"))
	require.NoError(t, err)

	generation, shard, err := parseJTI(jti)
	require.NoError(t, err)
	assert.Equal(t, 3, generation)
	assert.Equal(t, Shard("tenant-1", "user-1", "client-1", 8), shard)
}

func TestRotateChain(t *testing.T) {
	r, _ := newTestRotator(t, Config{})

	t0, err := r.Issue(context.Background(), issueReq("user-1"))
	require.NoError(t, err)

	rot1, err := r.Rotate(context.Background(), t0, "")
	require.NoError(t, err)
	assert.NotEqual(t, t0, rot1.NewJTI)
	assert.Equal(t, "user-1", rot1.SubjectID)
	assert.Equal(t, "openid profile email", rot1.Scope)

	rot2, err := r.Rotate(context.Background(), rot1.NewJTI, "")
	require.NoError(t, err)
	assert.NotEqual(t, rot1.NewJTI, rot2.NewJTI)
	assert.Equal(t, rot1.FamilyID, rot2.FamilyID)
}

func TestReplayRevokesFamily(t *testing.T) {
	r, store := newTestRotator(t, Config{})

	t0, err := r.Issue(context.Background(), issueReq("user-1"))
	require.NoError(t, err)

	rot1, err := r.Rotate(context.Background(), t0, "")
	require.NoError(t, err)
	rot2, err := r.Rotate(context.Background(), rot1.NewJTI, "")
	require.NoError(t, err)

	// Replaying the superseded t0 is theft: the whole family dies.
	_, err = r.Rotate(context.Background(), t0, "")
	assert.ErrorIs(t, err, ErrInvalidGrant)

	// Neither the intermediate nor the newest token survives.
	_, err = r.Rotate(context.Background(), rot1.NewJTI, "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
	_, err = r.Rotate(context.Background(), rot2.NewJTI, "")
	assert.ErrorIs(t, err, ErrInvalidGrant)

	// The durable index row reflects the revocation.
	families, err := store.ListFamiliesBySubject(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.True(t, families[0].Revoked)
}

func TestRotateUnknownAndMalformedJTI(t *testing.T) {
	r, _ := newTestRotator(t, Config{})

	for _, jti := range []string{
		"",
		"not-a-jti",
		"0_0_",
		"x_0_abc",
		"0_x_abc",
		"0_99999_abcdef",
		"99_0_abcdef",
		"0_0_never-issued",
	} {
		_, err := r.Rotate(context.Background(), jti, "")
		assert.ErrorIs(t, err, ErrInvalidGrant, "jti %q", jti)
	}
}

func TestScopeNarrowingAndRebroadening(t *testing.T) {
	r, _ := newTestRotator(t, Config{})

	t0, err := r.Issue(context.Background(), issueReq("user-1"))
	require.NoError(t, err)

	narrowed, err := r.Rotate(context.Background(), t0, "openid")
	require.NoError(t, err)
	assert.Equal(t, "openid", narrowed.Scope)
	assert.Equal(t, "openid profile email", narrowed.GrantedScope)

	// The family keeps its maximal grant, so the next refresh may broaden
	// back up to it.
	broadened, err := r.Rotate(context.Background(), narrowed.NewJTI, "openid profile email")
	require.NoError(t, err)
	assert.Equal(t, "openid profile email", broadened.Scope)

	_, err = r.Rotate(context.Background(), broadened.NewJTI, "openid admin")
	assert.ErrorIs(t, err, ErrInvalidScope)

	// The rejected scope request must not have consumed the token.
	_, err = r.Rotate(context.Background(), broadened.NewJTI, "")
	assert.NoError(t, err)
}

func TestGenerationChangeKeepsOldTokensRoutable(t *testing.T) {
	r, _ := newTestRotator(t, Config{
		Generation:  0,
		ShardCounts: map[int]int{0: 4, 1: 16},
	})

	oldJTI, err := r.Issue(context.Background(), issueReq("user-1"))
	require.NoError(t, err)

	// Reshard: generation 1 becomes current, generation 0 families stay
	// owned by their original shards.
	r.config.Generation = 1

	newJTI, err := r.Issue(context.Background(), issueReq("user-2"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(newJTI, "1_"))

	rot, err := r.Rotate(context.Background(), oldJTI, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rot.NewJTI, "0_"),
		"rotation must stay inside the family's original generation")

	_, err = r.Rotate(context.Background(), rot.NewJTI, "")
	assert.NoError(t, err)
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	r, _ := newTestRotator(t, Config{})

	t0, err := r.Issue(context.Background(), issueReq("user-1"))
	require.NoError(t, err)

	const attempts = 16

	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Rotate(context.Background(), t0, ""); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent rotation may succeed")
}

func TestRevokeFamilyBySupersededJTI(t *testing.T) {
	r, _ := newTestRotator(t, Config{})

	t0, err := r.Issue(context.Background(), issueReq("user-1"))
	require.NoError(t, err)
	rot, err := r.Rotate(context.Background(), t0, "")
	require.NoError(t, err)

	// Any jti of the chain identifies the family.
	require.NoError(t, r.RevokeFamily(context.Background(), t0))

	_, err = r.Rotate(context.Background(), rot.NewJTI, "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRevokeAllForSubject(t *testing.T) {
	r, _ := newTestRotator(t, Config{})

	var jtis []string
	for i := 0; i < 3; i++ {
		req := issueReq("user-1")
		req.ClientID = fmt.Sprintf("client-%d", i)
		jti, err := r.Issue(context.Background(), req)
		require.NoError(t, err)
		jtis = append(jtis, jti)
	}
	otherJTI, err := r.Issue(context.Background(), issueReq("user-2"))
	require.NoError(t, err)

	revoked, err := r.RevokeAllForSubject(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, revoked)

	for _, jti := range jtis {
		_, err := r.Rotate(context.Background(), jti, "")
		assert.ErrorIs(t, err, ErrInvalidGrant)
	}

	// Other subjects are untouched.
	_, err = r.Rotate(context.Background(), otherJTI, "")
	assert.NoError(t, err)

	// A second sweep finds nothing live.
	revoked, err = r.RevokeAllForSubject(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, revoked)
}

func TestExpiredFamilyRejected(t *testing.T) {
	clock := struct {
		mu  sync.Mutex
		now time.Time
	}{now: time.Now()}

	r, _ := newTestRotator(t, Config{
		FamilyTTL: time.Hour,
		Now: func() time.Time {
			clock.mu.Lock()
			defer clock.mu.Unlock()
			return clock.now
		},
	})

	jti, err := r.Issue(context.Background(), issueReq("user-1"))
	require.NoError(t, err)

	clock.mu.Lock()
	clock.now = clock.now.Add(time.Hour + time.Minute)
	clock.mu.Unlock()

	_, err = r.Rotate(context.Background(), jti, "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestShardIsPureAndBounded(t *testing.T) {
	for i := 0; i < 100; i++ {
		subject := fmt.Sprintf("user-%d", i)
		first := Shard("t", subject, "c", 16)
		assert.Equal(t, first, Shard("t", subject, "c", 16))
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 16)
	}
}

func TestParseJTIWithUnderscoresInRandomPart(t *testing.T) {
	generation, shard, err := parseJTI("2_7_ab_cd_ef-gh")
	require.NoError(t, err)
	assert.Equal(t, 2, generation)
	assert.Equal(t, 7, shard)
}

func TestClosedRotatorRejectsRequests(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	r, err := NewRotator(Config{}, store)
	require.NoError(t, err)

	jti, err := r.Issue(context.Background(), issueReq("user-1"))
	require.NoError(t, err)

	r.Close()

	_, err = r.Issue(context.Background(), issueReq("user-1"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.Rotate(context.Background(), jti, "")
	assert.ErrorIs(t, err, ErrClosed)
}
