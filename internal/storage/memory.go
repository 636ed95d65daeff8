package storage

import (
	"context"
	"sync"
	"time"
)

// memStore is a dependency-free in-memory backend.
//
// It exists for tests and for running the daemon without a database file;
// nothing stored here survives a restart. InTx holds the store lock for the
// whole transaction and restores a snapshot on error, which gives the same
// batch-rollback semantics the sqlite backend gets from sql.Tx.
type memStore struct {
	mu     sync.RWMutex
	rows   map[int64]*Article
	nextID int64
	closed bool
}

func NewMemory() Store {
	return &memStore{rows: map[int64]*Article{}, nextID: 1}
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) FindByURL(ctx context.Context, url string) (*Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.findByURL(url), nil
}

func (m *memStore) FindByFingerprint(ctx context.Context, hash, source string) (*Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.findByFingerprint(hash, source), nil
}

func (m *memStore) Insert(ctx context.Context, a *Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.insert(a)
	return nil
}

func (m *memStore) Update(ctx context.Context, a *Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.update(a)
	return nil
}

func (m *memStore) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.rows)), nil
}

func (m *memStore) InTx(ctx context.Context, fn func(ops Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	snapshot := make(map[int64]*Article, len(m.rows))
	for id, a := range m.rows {
		cp := *a
		snapshot[id] = &cp
	}
	snapID := m.nextID

	if err := fn(&memTx{m: m}); err != nil {
		m.rows = snapshot
		m.nextID = snapID
		return err
	}
	return nil
}

// ---- lock-free internals (caller holds m.mu) ----

func (m *memStore) findByURL(url string) *Article {
	for _, a := range m.rows {
		if a.URL == url {
			cp := *a
			return &cp
		}
	}
	return nil
}

func (m *memStore) findByFingerprint(hash, source string) *Article {
	for _, a := range m.rows {
		if a.TitleHash == hash && a.Source == source {
			cp := *a
			return &cp
		}
	}
	return nil
}

func (m *memStore) insert(a *Article) {
	now := time.Now().UTC()
	if a.ScrapedAt.IsZero() {
		a.ScrapedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.ScrapedAt
	}
	// Uniqueness backstop: an existing row with the same url is refreshed,
	// never duplicated (mirrors the sqlite ON CONFLICT clause).
	if prev := m.findByURL(a.URL); prev != nil {
		prev.Title = a.Title
		prev.Summary = a.Summary
		prev.TitleHash = a.TitleHash
		prev.UpdatedAt = a.UpdatedAt
		a.ID = prev.ID
		m.rows[prev.ID] = prev
		return
	}
	a.ID = m.nextID
	m.nextID++
	cp := *a
	m.rows[a.ID] = &cp
}

func (m *memStore) update(a *Article) {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	cp := *a
	m.rows[a.ID] = &cp
}

// memTx is the transactional view handed to InTx callbacks. The parent's
// lock is held for the lifetime of the callback, so direct access is safe.
type memTx struct{ m *memStore }

func (t *memTx) FindByURL(ctx context.Context, url string) (*Article, error) {
	return t.m.findByURL(url), nil
}

func (t *memTx) FindByFingerprint(ctx context.Context, hash, source string) (*Article, error) {
	return t.m.findByFingerprint(hash, source), nil
}

func (t *memTx) Insert(ctx context.Context, a *Article) error {
	t.m.insert(a)
	return nil
}

func (t *memTx) Update(ctx context.Context, a *Article) error {
	t.m.update(a)
	return nil
}

func (t *memTx) Count(ctx context.Context) (int64, error) {
	return int64(len(t.m.rows)), nil
}

func (t *memTx) InTx(ctx context.Context, fn func(ops Store) error) error {
	// Already transactional; run directly.
	return fn(t)
}

func (t *memTx) Close() error { return nil }
