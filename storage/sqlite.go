package storage

import (
	"context"
	"database/sql"
	"sync"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

type sqliteStorage struct {
	db   *sql.DB
	cfg  config
	once sync.Once
}

var _ Storage = (*sqliteStorage)(nil)

// NewSQLite returns a Storage backed by SQLite through the pure Go
// modernc.org/sqlite driver. If dbPath is empty or ":memory:", an in-memory
// database is used.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Storage, error) {
	cfg := applyOptions(opts)
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, wrap(err, "open", dbPath)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	qctx, cancel := queryCtx(ctx, cfg.queryTimeout)
	defer cancel()

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(qctx, stmt); err != nil {
			db.Close()
			return nil, wrap(err, "init", dbPath)
		}
	}

	return &sqliteStorage{db: db, cfg: cfg}, nil
}

func (s *sqliteStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := queryCtx(ctx, s.cfg.queryTimeout)
	defer cancel()
	var data []byte
	err := s.db.QueryRowContext(qctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap(err, "get", key)
	}
	return data, true, nil
}

func (s *sqliteStorage) Set(ctx context.Context, key string, value []byte) error {
	qctx, cancel := queryCtx(ctx, s.cfg.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(qctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return wrap(err, "set", key)
}

func (s *sqliteStorage) Remove(ctx context.Context, key string) error {
	qctx, cancel := queryCtx(ctx, s.cfg.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `DELETE FROM kv WHERE key = ?`, key)
	return wrap(err, "remove", key)
}

func (s *sqliteStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	qctx, cancel := queryCtx(ctx, s.cfg.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(qctx,
		`SELECT key FROM kv WHERE substr(key, 1, length(?)) = ?`,
		prefix, prefix,
	)
	if err != nil {
		return nil, wrap(err, "keys", prefix)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, wrap(err, "keys", prefix)
		}
		keys = append(keys, k)
	}
	return keys, wrap(rows.Err(), "keys", prefix)
}

func (s *sqliteStorage) Close() error {
	var dbErr error
	s.once.Do(func() {
		dbErr = s.db.Close()
	})
	return dbErr
}
