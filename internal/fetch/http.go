package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"newspipe/internal/ingest"
	logx "newspipe/pkg/logx"
)

const maxBodyBytes = 4 << 20 // 4 MiB is plenty for a listing page

// Source describes one HTTP-backed source: the listing URL to fetch and the
// parse function turning the response body into candidates. Parse funcs are
// black boxes to the orchestration core; ParseLinks is a workable default
// when no site-specific extraction is wired in.
type Source struct {
	URL   string
	Parse ParseFunc
}

// ParseFunc extracts candidate records from a fetched listing page.
type ParseFunc func(source string, body []byte) []ingest.Candidate

type Config struct {
	// UserAgent sent with every request.
	UserAgent string

	// Timeout bounds one fetch end to end. Defaults to 30s.
	Timeout time.Duration

	// RatePerSec throttles outbound requests across all sources
	// (politeness limiter). 0 disables throttling.
	RatePerSec float64
}

// HTTPFetcher fetches listing pages over HTTP. All sources share one client
// and one rate limiter; the rate limiter wait and the request itself are the
// cancellation points.
type HTTPFetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	sources map[string]Source
	log     logx.Logger
}

func NewHTTP(cfg Config, sources map[string]Source, log logx.Logger) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	cp := make(map[string]Source, len(sources))
	for id, s := range sources {
		if s.Parse == nil {
			s.Parse = ParseLinks
		}
		cp[id] = s
	}
	return &HTTPFetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		sources: cp,
		log:     log,
	}
}

func (f *HTTPFetcher) Sources() []string {
	out := make([]string, 0, len(f.sources))
	for id := range f.sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *HTTPFetcher) Fetch(ctx context.Context, source string) ([]ingest.Candidate, error) {
	src, ok := f.sources[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", source, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	candidates := src.Parse(source, body)
	f.log.Debug("source fetched",
		logx.String("source", source),
		logx.Int("candidates", len(candidates)),
		logx.Duration("took", time.Since(start)))
	return candidates, nil
}
