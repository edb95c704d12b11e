package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeTruncate(t *testing.T) {
	assert.Equal(t, "3_7_dGhp", SafeTruncate("3_7_dGhpcy1pcy1hLWp0aQ", 8))
	assert.Equal(t, "short", SafeTruncate("short", 10))
	assert.Equal(t, "", SafeTruncate("anything", 0))
	assert.Equal(t, "", SafeTruncate("anything", -1))
	assert.Equal(t, "", SafeTruncate("", 5))
}

func TestJoinNonEmpty(t *testing.T) {
	assert.Equal(t, "a|b|c", JoinNonEmpty("|", "a", "b", "c"))
	assert.Equal(t, "a|c", JoinNonEmpty("|", "a", "", "c"))
	assert.Equal(t, "", JoinNonEmpty("|"))
	assert.Equal(t, "", JoinNonEmpty("|", "", ""))
}
