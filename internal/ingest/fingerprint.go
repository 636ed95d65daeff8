package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"unicode"
)

// Fingerprint computes the normalized-title hash used for near-duplicate
// detection: lower-case, strip punctuation, collapse whitespace, md5 of the
// result. Titles differing only in case, punctuation or spacing collapse to
// the same fingerprint.
//
// This is deliberately best-effort: two genuinely distinct items from the
// same source that normalize to the same title will be merged. See the
// dedup notes in DESIGN.md.
func Fingerprint(title string) string {
	normalized := normalizeTitle(title)
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func normalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))

	lastSpace := true // trims leading whitespace
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
			lastSpace = false
		default:
			// punctuation and symbols are dropped
		}
	}
	return strings.TrimRight(b.String(), " ")
}
