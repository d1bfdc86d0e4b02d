// Package sqlite provides an outbound.KVStore backed by a single SQLite
// table. It holds the larger documents (offline read cache spill) and can
// serve as the primary backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/Sentinel-Gate/portalguard/internal/port/outbound"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// KVStore implements outbound.KVStore on SQLite.
type KVStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path. Use ":memory:" for tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*KVStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`, schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}

	logger.Debug("sqlite store opened", "path", path)
	return &KVStore{db: db, logger: logger}, nil
}

// Get implements outbound.KVStore.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, outbound.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

// Set implements outbound.KVStore.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// Delete implements outbound.KVStore.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys implements outbound.Lister.
func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database.
func (s *KVStore) Close() error {
	return s.db.Close()
}

// Compile-time interface verification.
var (
	_ outbound.KVStore = (*KVStore)(nil)
	_ outbound.Lister  = (*KVStore)(nil)
)
