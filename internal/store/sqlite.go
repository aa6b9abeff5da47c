package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string, opts ...Option) (*SQLiteStore, error) {
	o := applyOptions(opts)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every document write is a read-check-write transaction against one row.
	// A single connection serializes them and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	return &SQLiteStore{db: db, now: o.now}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			key TEXT PRIMARY KEY,
			revision INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS locks (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Documents

func (s *SQLiteStore) LoadDocument(ctx context.Context, key string) (*Document, error) {
	var (
		rev  int64
		data string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT revision, data FROM documents WHERE key = ?`, key).Scan(&rev, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", key, err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", key, err)
	}
	doc.Revision = rev
	return &doc, nil
}

func (s *SQLiteStore) SaveDocument(ctx context.Context, key string, doc *Document, g Guard) error {
	return s.writeDocument(ctx, key, doc, -1, g)
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, doc *Document, expected int64, g Guard) error {
	return s.writeDocument(ctx, key, doc, expected, g)
}

// writeDocument checks the guard lock and, when expected >= 0, the stored
// revision inside one transaction before writing.
func (s *SQLiteStore) writeDocument(ctx context.Context, key string, doc *Document, expected int64, g Guard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if g.Lock != "" {
		var (
			owner   string
			expires int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT owner, expires_at FROM locks WHERE name = ?`, g.Lock).Scan(&owner, &expires)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check lock: %w", err)
		}
		live := err == nil && expires > s.now().UnixNano()
		if !g.permits(owner, live) {
			return ErrLockHeld
		}
	}

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT revision FROM documents WHERE key = ?`, key).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read revision: %w", err)
	}
	if expected >= 0 && current != expected {
		return ErrConflict
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	next := current + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (key, revision, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET revision = excluded.revision, data = excluded.data, updated_at = excluded.updated_at`,
		key, next, string(data), s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write document %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	doc.Revision = next
	return nil
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key)
	return err
}

// Locks

func (s *SQLiteStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE locks.expires_at <= ?`,
		name, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock removes the lock if owned by owner. An empty owner releases it
// unconditionally.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, name, owner string) error {
	var err error
	if owner == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	}
	return err
}

func (s *SQLiteStore) LockHolder(ctx context.Context, name string) (string, bool, error) {
	var (
		owner   string
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT owner, expires_at FROM locks WHERE name = ?`, name).Scan(&owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if expires <= s.now().UnixNano() {
		return "", false, nil
	}
	return owner, true, nil
}

// Settings

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteStore) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}
