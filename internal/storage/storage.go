package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "newspipe/pkg/logx"
)

// Article is the canonical, deduplicated record persisted by the merge layer.
//
// TitleHash is the normalized-title fingerprint used for near-duplicate
// detection; URL is globally unique.
type Article struct {
	ID        int64
	Title     string
	Summary   string
	Source    string
	URL       string
	TitleHash string
	ScrapedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence contract consumed by the merge layer.
//
// Find* return (nil, nil) when no row matches. Reads performed inside InTx
// observe writes made earlier in the same transaction.
type Store interface {
	FindByURL(ctx context.Context, url string) (*Article, error)
	FindByFingerprint(ctx context.Context, hash, source string) (*Article, error)
	Insert(ctx context.Context, a *Article) error
	Update(ctx context.Context, a *Article) error

	// InTx runs fn against a transactional view of the store. If fn returns
	// an error the whole transaction is rolled back.
	InTx(ctx context.Context, fn func(ops Store) error) error

	Count(ctx context.Context) (int64, error)
	Close() error
}

type Config struct {
	// Backend selects the persistence engine: "sqlite" (default) or "memory".
	Backend string

	// Path is the sqlite database file.
	Path string

	BusyTimeout time.Duration
}

var ErrClosed = errors.New("storage: store is closed")

// Open creates the configured store backend.
func Open(cfg Config, log logx.Logger) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "sqlite":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
