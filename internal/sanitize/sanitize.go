// Package sanitize normalizes user-supplied names into identifiers that are
// safe for chromem collection names and NATS subject tokens.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength bounds collection names.
	MaxIdentifierLength = 64

	// HashSuffixLength is len("_") plus eight hex digits.
	HashSuffixLength = 9

	// DefaultIdentifier replaces names with no usable characters.
	DefaultIdentifier = "default"

	// EmptyToken stands in for an empty subject token.
	EmptyToken = "_"
)

// Identifier lowercases s, maps anything outside [a-z0-9_] to '_', collapses
// and trims underscores, and shortens names over MaxIdentifierLength with a
// hash suffix so distinct long names stay distinct.
//
//	"Verified Solutions" -> "verified_solutions"
//	"arbiter.v2"         -> "arbiter_v2"
//	"" or "!!!"          -> "default"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	id := b.String()
	for strings.Contains(id, "__") {
		id = strings.ReplaceAll(id, "__", "_")
	}
	id = strings.Trim(id, "_")
	if id == "" {
		return DefaultIdentifier
	}
	if len(id) > MaxIdentifierLength {
		id = truncateWithHash(id)
	}
	return id
}

func truncateWithHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	return strings.TrimRight(s[:MaxIdentifierLength-HashSuffixLength], "_") + suffix
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_", "\n", "_", "\r", "_")

// SubjectToken makes s usable as a single NATS subject token: no separators,
// no wildcards, no whitespace, never empty. Case is preserved.
func SubjectToken(s string) string {
	if s == "" {
		return EmptyToken
	}
	return subjectReplacer.Replace(s)
}
