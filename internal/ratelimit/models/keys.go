package models

import "strings"

// SanitizeKeySegment escapes the delimiter in key segments so a
// user-controlled identifier containing ':' cannot collide with another
// bucket's key.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// BucketKey builds the composite bucket key for an identity and a policy
// pattern. Different endpoint groups for the same identity get independent
// budgets.
func BucketKey(identity, pattern string) string {
	return SanitizeKeySegment(identity) + ":" + pattern
}
