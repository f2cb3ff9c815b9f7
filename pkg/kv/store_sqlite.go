package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable backend. One database file holds the namespaces
// of every agent instance on the host.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the state database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single writer per process; one shared connection avoids SQLITE_BUSY
	// between goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS kv_entries (
			namespace TEXT NOT NULL,
			entry_key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (namespace, entry_key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init state db: %w", err)
		}
	}
	return nil
}

// Namespace returns a Store scoped to one agent instance.
func (s *SQLiteStore) Namespace(ns string) Store {
	return &namespacedStore{db: s.db, ns: ns}
}

type namespacedStore struct {
	db *sql.DB
	ns string
}

func (n *namespacedStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := n.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE namespace = ? AND entry_key = ?`,
		n.ns, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (n *namespacedStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := n.db.ExecContext(ctx,
		`INSERT INTO kv_entries(namespace, entry_key, value, updated_at_ms) VALUES(?, ?, ?, ?)
		 ON CONFLICT(namespace, entry_key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		n.ns, key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (n *namespacedStore) Delete(ctx context.Context, key string) error {
	if _, err := n.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE namespace = ? AND entry_key = ?`,
		n.ns, key,
	); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
