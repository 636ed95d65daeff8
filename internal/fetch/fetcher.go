package fetch

import (
	"context"
	"errors"
	"sort"

	"newspipe/internal/ingest"
)

// ErrUnknownSource rejects operations against a source id that was never
// registered.
var ErrUnknownSource = errors.New("unknown source")

// Fetcher returns the candidate records currently published by one source.
// A fetch is a single attempt: the caller performs no automatic retry, and
// failures surface as ordinary errors (network, timeout, parse).
//
// Implementations must observe ctx so in-flight fetches can be cancelled
// cooperatively.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]ingest.Candidate, error)
	Sources() []string
}

// FetchFunc fetches one source's candidates.
type FetchFunc func(ctx context.Context) ([]ingest.Candidate, error)

// FuncMap is a Fetcher built from per-source functions. Handy in tests and
// for sources whose transport is not plain HTTP.
type FuncMap map[string]FetchFunc

func (m FuncMap) Fetch(ctx context.Context, source string) ([]ingest.Candidate, error) {
	fn, ok := m[source]
	if !ok {
		return nil, ErrUnknownSource
	}
	return fn(ctx)
}

func (m FuncMap) Sources() []string {
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the fetcher knows the given source id.
func Has(f Fetcher, source string) bool {
	for _, s := range f.Sources() {
		if s == source {
			return true
		}
	}
	return false
}
