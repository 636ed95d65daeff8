package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "newspipe/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx so the CRUD methods can
// serve plain calls and transactional views with one implementation.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteStore struct {
	db  *sql.DB
	q   querier
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, q: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const articleColumns = `id, title, summary, source, url, title_hash, scraped_at, updated_at`

func (s *sqliteStore) FindByURL(ctx context.Context, url string) (*Article, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE url = ?`, url)
	return scanArticle(row)
}

func (s *sqliteStore) FindByFingerprint(ctx context.Context, hash, source string) (*Article, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE title_hash = ? AND source = ?`, hash, source)
	return scanArticle(row)
}

func (s *sqliteStore) Insert(ctx context.Context, a *Article) error {
	if a.ScrapedAt.IsZero() {
		a.ScrapedAt = time.Now().UTC()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.ScrapedAt
	}
	// The ON CONFLICT clause is the uniqueness backstop: if a sibling batch
	// inserted the same url between our lookup and this write, the row is
	// refreshed instead of duplicated.
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO articles(title, summary, source, url, title_hash, scraped_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(url) DO UPDATE SET
		   title=excluded.title, summary=excluded.summary,
		   title_hash=excluded.title_hash, updated_at=excluded.updated_at`,
		a.Title, a.Summary, a.Source, a.URL, a.TitleHash,
		a.ScrapedAt.UTC().Format(time.RFC3339Nano), a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

func (s *sqliteStore) Update(ctx context.Context, a *Article) error {
	if a.ID == 0 {
		return errors.New("storage: update requires an id")
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE articles SET title=?, summary=?, source=?, url=?, title_hash=?, updated_at=?
		 WHERE id=?`,
		a.Title, a.Summary, a.Source, a.URL, a.TitleHash,
		a.UpdatedAt.UTC().Format(time.RFC3339Nano), a.ID,
	)
	return err
}

func (s *sqliteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n)
	return n, err
}

func (s *sqliteStore) InTx(ctx context.Context, fn func(ops Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		// Already transactional; run directly.
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	view := &sqliteStore{db: s.db, q: tx, log: s.log}
	if err := fn(view); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func scanArticle(row *sql.Row) (*Article, error) {
	var a Article
	var scrapedAt, updatedAt string
	err := row.Scan(&a.ID, &a.Title, &a.Summary, &a.Source, &a.URL, &a.TitleHash, &scrapedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, scrapedAt); err == nil {
		a.ScrapedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		a.UpdatedAt = t
	}
	return &a, nil
}
