package ingest

import (
	"context"
	"errors"
	"testing"

	"newspipe/internal/storage"
	logx "newspipe/pkg/logx"
)

func newTestMerger(t *testing.T) (*Merger, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	return NewMerger(MergerConfig{}, store, logx.Nop()), store
}

func mustCount(t *testing.T, store storage.Store) int64 {
	t.Helper()
	n, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestMergeBatchInsertsNewArticles(t *testing.T) {
	t.Parallel()
	m, store := newTestMerger(t)

	res, err := m.MergeBatch(context.Background(), "idnes", []Candidate{
		{Title: "Government Approves New Budget", URL: "https://idnes.cz/a"},
		{Title: "Floods Expected In South Bohemia", URL: "https://idnes.cz/b"},
	})
	if err != nil {
		t.Fatalf("MergeBatch: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 {
		t.Fatalf("result = %+v, want 2 inserted", res)
	}
	if n := mustCount(t, store); n != 2 {
		t.Fatalf("store holds %d rows, want 2", n)
	}
}

func TestMergeBatchRefreshesByURL(t *testing.T) {
	t.Parallel()
	m, store := newTestMerger(t)
	ctx := context.Background()

	if _, err := m.MergeBatch(ctx, "idnes", []Candidate{
		{Title: "Government Approves New Budget", URL: "https://idnes.cz/a"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := m.MergeBatch(ctx, "idnes", []Candidate{
		{Title: "Government Approves Revised Budget", Summary: "updated lede", URL: "https://idnes.cz/a"},
	})
	if err != nil {
		t.Fatalf("MergeBatch: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Fatalf("result = %+v, want 1 updated", res)
	}
	if n := mustCount(t, store); n != 1 {
		t.Fatalf("store holds %d rows, want 1", n)
	}

	a, err := store.FindByURL(ctx, "https://idnes.cz/a")
	if err != nil || a == nil {
		t.Fatalf("FindByURL: %v %v", a, err)
	}
	if a.Title != "Government Approves Revised Budget" || a.Summary != "updated lede" {
		t.Fatalf("row not refreshed: %+v", a)
	}
	if a.TitleHash != Fingerprint(a.Title) {
		t.Fatalf("fingerprint not refreshed with the title")
	}
}

func TestMergeBatchMovesURLOnSameFingerprint(t *testing.T) {
	t.Parallel()
	m, store := newTestMerger(t)
	ctx := context.Background()

	if _, err := m.MergeBatch(ctx, "novinky", []Candidate{
		{Title: "President Signs The Pension Reform", URL: "https://novinky.cz/old-path"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Same normalized title, new url: the existing row moves.
	res, err := m.MergeBatch(ctx, "novinky", []Candidate{
		{Title: "PRESIDENT SIGNS the pension reform!", URL: "https://novinky.cz/new-path"},
	})
	if err != nil {
		t.Fatalf("MergeBatch: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Fatalf("result = %+v, want 1 updated", res)
	}
	if n := mustCount(t, store); n != 1 {
		t.Fatalf("store holds %d rows, want 1", n)
	}
	if a, _ := store.FindByURL(ctx, "https://novinky.cz/new-path"); a == nil {
		t.Fatalf("row did not move to the new url")
	}
	if a, _ := store.FindByURL(ctx, "https://novinky.cz/old-path"); a != nil {
		t.Fatalf("old url still present")
	}
}

func TestMergeBatchExactRepeatIsNoOp(t *testing.T) {
	t.Parallel()
	m, store := newTestMerger(t)
	ctx := context.Background()

	c := Candidate{Title: "President Signs The Pension Reform", URL: "https://novinky.cz/a"}
	if _, err := m.MergeBatch(ctx, "novinky", []Candidate{c}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The url already matches, so this resolves in step one as a refresh.
	res, err := m.MergeBatch(ctx, "novinky", []Candidate{c})
	if err != nil {
		t.Fatalf("MergeBatch: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Fatalf("result = %+v", res)
	}
	if n := mustCount(t, store); n != 1 {
		t.Fatalf("repeat created a row: %d", n)
	}
}

func TestMergeBatchSameFingerprintDifferentSourceInserts(t *testing.T) {
	t.Parallel()
	m, store := newTestMerger(t)
	ctx := context.Background()

	if _, err := m.MergeBatch(ctx, "idnes", []Candidate{
		{Title: "President Signs The Pension Reform", URL: "https://idnes.cz/a"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Fingerprint dedup is scoped per source; another outlet covering the
	// same story gets its own row.
	res, err := m.MergeBatch(ctx, "novinky", []Candidate{
		{Title: "President Signs The Pension Reform", URL: "https://novinky.cz/b"},
	})
	if err != nil {
		t.Fatalf("MergeBatch: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("result = %+v, want 1 inserted", res)
	}
	if n := mustCount(t, store); n != 2 {
		t.Fatalf("store holds %d rows, want 2", n)
	}
}

func TestMergeBatchDropsInvalidCandidates(t *testing.T) {
	t.Parallel()
	m, store := newTestMerger(t)

	res, err := m.MergeBatch(context.Background(), "blesk", []Candidate{
		{Title: "ok", URL: "https://blesk.cz/short-title"},
		{Title: "A perfectly fine headline", URL: ""},
		{Title: "Another perfectly fine headline", URL: "https://blesk.cz/kept"},
	})
	if err != nil {
		t.Fatalf("MergeBatch: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 {
		t.Fatalf("result = %+v, want only the valid candidate", res)
	}
	if n := mustCount(t, store); n != 1 {
		t.Fatalf("store holds %d rows, want 1", n)
	}
}

func TestMergeBatchEmptyAfterValidation(t *testing.T) {
	t.Parallel()
	m, _ := newTestMerger(t)

	res, err := m.MergeBatch(context.Background(), "blesk", []Candidate{
		{Title: "nope", URL: "https://blesk.cz/a"},
	})
	if err != nil {
		t.Fatalf("MergeBatch: %v", err)
	}
	if res != (BatchResult{}) {
		t.Fatalf("result = %+v, want zero", res)
	}
}

// failingStore delegates to a real store but fails Insert once a threshold
// of inserts has happened inside the active transaction.
type failingStore struct {
	storage.Store
	failAfter int
}

func (f *failingStore) InTx(ctx context.Context, fn func(ops storage.Store) error) error {
	return f.Store.InTx(ctx, func(ops storage.Store) error {
		return fn(&failingOps{Store: ops, failAfter: f.failAfter})
	})
}

type failingOps struct {
	storage.Store
	failAfter int
	inserts   int
}

func (f *failingOps) Insert(ctx context.Context, a *storage.Article) error {
	if f.inserts >= f.failAfter {
		return errors.New("disk full")
	}
	f.inserts++
	return f.Store.Insert(ctx, a)
}

func TestMergeBatchRollsBackOnPersistenceError(t *testing.T) {
	t.Parallel()

	backing := storage.NewMemory()
	m := NewMerger(MergerConfig{}, &failingStore{Store: backing, failAfter: 1}, logx.Nop())

	res, err := m.MergeBatch(context.Background(), "ct24", []Candidate{
		{Title: "First Headline That Goes In Fine", URL: "https://ct24.cz/a"},
		{Title: "Second Headline That Blows Up", URL: "https://ct24.cz/b"},
	})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if res != (BatchResult{}) {
		t.Fatalf("failed batch reported counts: %+v", res)
	}
	if n := mustCount(t, backing); n != 0 {
		t.Fatalf("rollback left %d rows", n)
	}
}

func TestMergeBatchContextCancellation(t *testing.T) {
	t.Parallel()
	m, store := newTestMerger(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := m.MergeBatch(ctx, "idnes", []Candidate{
		{Title: "A Headline That Never Lands", URL: "https://idnes.cz/a"},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrPersistence) {
		t.Fatalf("cancellation wrapped as persistence failure")
	}
	if res != (BatchResult{}) {
		t.Fatalf("cancelled batch reported counts: %+v", res)
	}
	if n := mustCount(t, store); n != 0 {
		t.Fatalf("cancelled batch left %d rows", n)
	}
}

func TestMergeBatchIdempotent(t *testing.T) {
	t.Parallel()
	m, store := newTestMerger(t)
	ctx := context.Background()

	batch := []Candidate{
		{Title: "Government Approves New Budget", URL: "https://idnes.cz/a"},
		{Title: "Floods Expected In South Bohemia", URL: "https://idnes.cz/b"},
	}
	if _, err := m.MergeBatch(ctx, "idnes", batch); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if _, err := m.MergeBatch(ctx, "idnes", batch); err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if n := mustCount(t, store); n != 2 {
		t.Fatalf("replaying a batch changed row count: %d", n)
	}
}
