// Package normalizer cleans text produced by document extraction before it is chunked.
package normalizer

import (
	"strings"
	"unicode"
)

// Normalize collapses every run of whitespace into a single space, trims the
// result and drops invisible extraction artifacts (control characters, BOM,
// soft hyphens, zero-width characters). Casing and punctuation are untouched.
//
// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	pendingSpace := false
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
			continue
		case isArtifact(r):
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isArtifact(r rune) bool {
	switch r {
	case '\uFEFF', '\u00AD', '\u200B', '\u200C', '\u200D', '\u2060', unicode.ReplacementChar:
		return true
	}
	return unicode.IsControl(r)
}
