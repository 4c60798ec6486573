package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLiteStore persists keys in a single table. The caller owns the *sql.DB and registers
// the driver.
type SQLiteStore struct {
	db    *sql.DB
	table string

	schemaOnce sync.Once
	schemaErr  error
	watchers   watchers
}

// NewSQLiteStore builds a store over db using table, defaulting to "reorder_kv".
func NewSQLiteStore(db *sql.DB, table string) *SQLiteStore {
	if strings.TrimSpace(table) == "" {
		table = "reorder_kv"
	}
	return &SQLiteStore{db: db, table: table}
}

func (s *SQLiteStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s`, s.table))
		if err != nil {
			return nil, wrapFailure(err, "get")
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var value []byte
			if err := rows.Scan(&key, &value); err != nil {
				return nil, wrapFailure(err, "get")
			}
			out[key] = value
		}
		if err := rows.Err(); err != nil {
			return nil, wrapFailure(err, "get")
		}
		return out, nil
	}

	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.table)
	for _, key := range keys {
		var value []byte
		err := s.db.QueryRowContext(ctx, q, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, wrapFailure(err, "get", key)
		}
		out[key] = value
	}
	return out, nil
}

func (s *SQLiteStore) Set(ctx context.Context, values map[string][]byte) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	keys := sortedKeys(values)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapFailure(err, "set", keys...)
	}
	q := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, s.table)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	changes := make([]Change, 0, len(keys))
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, q, key, values[key], now); err != nil {
			_ = tx.Rollback()
			return wrapFailure(err, "set", key)
		}
		changes = append(changes, Change{Key: key, Value: cloneBytes(values[key])})
	}
	if err := tx.Commit(); err != nil {
		return wrapFailure(err, "set", keys...)
	}
	s.watchers.notify(changes...)
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, keys ...string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table)
	changes := make([]Change, 0, len(keys))
	for _, key := range keys {
		res, err := s.db.ExecContext(ctx, q, key)
		if err != nil {
			return wrapFailure(err, "remove", key)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changes = append(changes, Change{Key: key, Removed: true})
		}
	}
	s.watchers.notify(changes...)
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	values, err := s.Get(ctx)
	if err != nil {
		return err
	}
	return s.Remove(ctx, sortedKeys(values)...)
}

func (s *SQLiteStore) Watch(fn Listener) func() {
	return s.watchers.add(fn)
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return wrapFailure(errors.New("sqlite store not configured"), "schema")
	}
	s.schemaOnce.Do(func() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.table)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			s.schemaErr = wrapFailure(err, "schema")
		}
	})
	return s.schemaErr
}
