// Package util provides small helpers shared across the oauth-core library.
package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// It exists so that codes, token identifiers, and family IDs can be logged as
// short prefixes instead of full values. If maxLen is negative, it is treated
// as 0 and an empty string is returned.
//
// Example:
//
//	SafeTruncate("3_7_dGhpcy1pcy1hLWp0aQ", 8) // Returns: "3_7_dGhp"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// JoinNonEmpty joins the non-empty parts with sep. Used to build stable
// sharding keys and audit identifiers from optional components.
func JoinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
