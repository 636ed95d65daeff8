package ingest

import "strings"

// Candidate is a raw, unvalidated record proposed by a source fetch.
// It carries whatever the per-source extraction produced; validation and
// deduplication happen in the merge step.
type Candidate struct {
	Title   string
	Summary string
	Source  string
	URL     string
}

// DefaultMinTitleLen is the shortest title accepted by validation.
// Shorter titles are almost always extraction noise (nav labels, "...").
const DefaultMinTitleLen = 10

func (c Candidate) valid(minTitleLen int) bool {
	if strings.TrimSpace(c.URL) == "" {
		return false
	}
	return len(strings.TrimSpace(c.Title)) >= minTitleLen
}
