package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/hardrivetech/secdash/pkg/domain"
)

// well-known keys, kept compatible with the original dashboard's storage
const (
	KeyOverlay   = "qc.cve.state"
	KeyFilters   = "qc.cve.filters"
	KeySources   = "qc.rss.sources"
	KeyBookmarks = "qc.bookmarks"
	KeyNotes     = "qc.notes"
	KeyGistID    = "qc.gist.id"
	KeyToken     = "qc.gh.token"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store is a keyed blob store on SQLite. No transactions and no schema
// enforcement beyond what callers impose before writing.
type Store struct {
	db *sqlx.DB
}

// Config represents store configuration
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New opens the store and creates the schema
func New(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		cfg.DSN = "file:secdash.db?cache=shared&mode=rwc"
	}

	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying connection
func (s *Store) Close() error { return s.db.Close() }

// Get returns the blob for key, or nil without error when the key is absent
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `SELECT value FROM kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set stores the blob under key, replacing any previous value
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			INSERT INTO kv (key, value, updated_at) VALUES (?, ?, datetime('now'))
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`
		_, err := s.db.ExecContext(ctx, query, key, value)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("set %s: %w", key, err)}
		}
		return nil
	})
}

// Remove deletes the key; removing an absent key is not an error
func (s *Store) Remove(ctx context.Context, key string) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("remove %s: %w", key, err)}
		}
		return nil
	})
}

// Overlay loads the persisted triage overlay, empty when never saved
func (s *Store) Overlay(ctx context.Context) (domain.TriageOverlay, error) {
	var overlay domain.TriageOverlay
	err := s.getJSON(ctx, KeyOverlay, &overlay)
	return overlay, err
}

// SaveOverlay persists the triage overlay
func (s *Store) SaveOverlay(ctx context.Context, overlay domain.TriageOverlay) error {
	return s.setJSON(ctx, KeyOverlay, overlay)
}

// Filters loads the persisted filter spec, defaults when never saved
func (s *Store) Filters(ctx context.Context) (domain.FilterSpec, error) {
	blob, err := s.Get(ctx, KeyFilters)
	if err != nil {
		return domain.FilterSpec{}, err
	}
	if blob == nil {
		return domain.DefaultFilterSpec(), nil
	}
	var spec domain.FilterSpec
	if err := json.Unmarshal(blob, &spec); err != nil {
		return domain.FilterSpec{}, fmt.Errorf("decode %s: %w", KeyFilters, err)
	}
	return spec, nil
}

// SaveFilters persists the filter spec
func (s *Store) SaveFilters(ctx context.Context, spec domain.FilterSpec) error {
	return s.setJSON(ctx, KeyFilters, spec)
}

// Sources loads the persisted feed source list
func (s *Store) Sources(ctx context.Context) ([]domain.SourceSpec, error) {
	var sources []domain.SourceSpec
	err := s.getJSON(ctx, KeySources, &sources)
	return sources, err
}

// SaveSources persists the feed source list
func (s *Store) SaveSources(ctx context.Context, sources []domain.SourceSpec) error {
	return s.setJSON(ctx, KeySources, sources)
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	blob, err := s.Get(ctx, key)
	if err != nil || blob == nil {
		return err
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, blob)
}

// criticalError wraps an error to signal repeater to stop retrying
type criticalError struct {
	err error
}

func (e *criticalError) Error() string {
	return e.err.Error()
}

// isLockError checks if an error is a SQLite lock/busy error
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}
