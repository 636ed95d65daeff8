package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"newspipe/internal/storage"
	logx "newspipe/pkg/logx"
)

// ErrPersistence marks a storage failure during a merge batch. The batch is
// rolled back and reported as {0,0}; callers record it per-source and move on.
var ErrPersistence = errors.New("persistence failure")

// BatchResult is the outcome of merging one source's candidate batch.
type BatchResult struct {
	Inserted int
	Updated  int
}

func (r BatchResult) Add(o BatchResult) BatchResult {
	return BatchResult{Inserted: r.Inserted + o.Inserted, Updated: r.Updated + o.Updated}
}

type MergerConfig struct {
	// MinTitleLen rejects candidates with shorter titles before merging.
	// Zero applies DefaultMinTitleLen.
	MinTitleLen int
}

// Merger upserts candidate batches into the canonical store under the
// url-then-(fingerprint,source) dedup rules.
type Merger struct {
	store       storage.Store
	log         logx.Logger
	minTitleLen int
}

func NewMerger(cfg MergerConfig, store storage.Store, log logx.Logger) *Merger {
	min := cfg.MinTitleLen
	if min <= 0 {
		min = DefaultMinTitleLen
	}
	return &Merger{store: store, log: log, minTitleLen: min}
}

// MergeBatch upserts the candidates fetched from one source, in input order.
//
// Per candidate:
//  1. an existing article with the same url is refreshed in place (updated);
//  2. otherwise an article with the same (fingerprint, source) had its url
//     changed upstream and is moved (updated); an identical url here means
//     an exact repeat and is a silent no-op;
//  3. otherwise a new article is inserted.
//
// Invalid candidates (missing url, short title) are dropped before the merge
// and counted nowhere. The whole batch runs in one store transaction: any
// persistence error rolls it back and MergeBatch reports {0,0} plus the error.
func (m *Merger) MergeBatch(ctx context.Context, source string, candidates []Candidate) (BatchResult, error) {
	var res BatchResult

	valid := candidates[:0:0]
	for _, c := range candidates {
		if c.valid(m.minTitleLen) {
			valid = append(valid, c)
		}
	}
	if dropped := len(candidates) - len(valid); dropped > 0 {
		m.log.Debug("candidates rejected by validation",
			logx.String("source", source), logx.Int("dropped", dropped))
	}
	if len(valid) == 0 {
		return res, nil
	}

	err := m.store.InTx(ctx, func(ops storage.Store) error {
		for _, c := range valid {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.mergeOne(ctx, ops, source, c, &res); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return BatchResult{}, err
		}
		m.log.Error("merge batch rolled back",
			logx.String("source", source), logx.Int("candidates", len(valid)), logx.Err(err))
		return BatchResult{}, fmt.Errorf("%w: source %s: %v", ErrPersistence, source, err)
	}

	m.log.Debug("merge batch done",
		logx.String("source", source),
		logx.Int("inserted", res.Inserted), logx.Int("updated", res.Updated))
	return res, nil
}

func (m *Merger) mergeOne(ctx context.Context, ops storage.Store, source string, c Candidate, res *BatchResult) error {
	hash := Fingerprint(c.Title)
	now := time.Now().UTC()

	byURL, err := ops.FindByURL(ctx, c.URL)
	if err != nil {
		return err
	}
	if byURL != nil {
		byURL.Title = c.Title
		byURL.Summary = c.Summary
		byURL.TitleHash = hash
		byURL.UpdatedAt = now
		if err := ops.Update(ctx, byURL); err != nil {
			return err
		}
		res.Updated++
		return nil
	}

	byHash, err := ops.FindByFingerprint(ctx, hash, source)
	if err != nil {
		return err
	}
	if byHash != nil {
		if byHash.URL == c.URL {
			// Exact repeat of a known item; nothing to do, nothing counted.
			return nil
		}
		// Same logical item moved to a new url.
		byHash.URL = c.URL
		byHash.Summary = c.Summary
		byHash.UpdatedAt = now
		if err := ops.Update(ctx, byHash); err != nil {
			return err
		}
		res.Updated++
		return nil
	}

	a := &storage.Article{
		Title:     c.Title,
		Summary:   c.Summary,
		Source:    source,
		URL:       c.URL,
		TitleHash: hash,
		ScrapedAt: now,
		UpdatedAt: now,
	}
	if err := ops.Insert(ctx, a); err != nil {
		return err
	}
	res.Inserted++
	return nil
}
