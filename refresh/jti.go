package refresh

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/veridianlabs/oauth-core/internal/util"
)

// Shard maps a (tenant, subject, client) triple to a shard index using
// FNV-1a64. The function is pure: the same triple and count always land on
// the same shard, so routing needs no lookup table.
func Shard(tenantID, subjectID, clientID string, shardCount int) int {
	h := fnv.New64a()
	h.Write([]byte(util.JoinNonEmpty("|", tenantID, subjectID, clientID)))
	return int(h.Sum64() % uint64(shardCount))
}

// formatJTI builds a refresh-token jti. The generation and shard prefix
// make the jti self-routing: a rotation request carries everything needed
// to find its shard actor, even after the current shard count has changed.
func formatJTI(generation, shard int, random string) string {
	return fmt.Sprintf("%d_%d_%s", generation, shard, random)
}

// parseJTI splits a jti into its routing prefix and random part. The
// random part is base64url and may itself contain underscores, so only the
// first two separators are structural.
func parseJTI(jti string) (generation, shard int, err error) {
	parts := strings.SplitN(jti, "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return 0, 0, fmt.Errorf("malformed jti")
	}
	generation, err = strconv.Atoi(parts[0])
	if err != nil || generation < 0 {
		return 0, 0, fmt.Errorf("malformed jti generation")
	}
	shard, err = strconv.Atoi(parts[1])
	if err != nil || shard < 0 {
		return 0, 0, fmt.Errorf("malformed jti shard")
	}
	return generation, shard, nil
}

// scopeSet parses a space-separated scope string.
func scopeSet(scope string) map[string]bool {
	set := make(map[string]bool)
	for _, s := range strings.Fields(scope) {
		set[s] = true
	}
	return set
}

// scopeSubset reports whether every scope in requested is present in
// granted.
func scopeSubset(requested, granted string) bool {
	grantedSet := scopeSet(granted)
	for s := range scopeSet(requested) {
		if !grantedSet[s] {
			return false
		}
	}
	return true
}
