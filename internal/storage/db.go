// Package storage persists call history, the request audit log and the
// mentors learned from presence in a local SQLite file.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the node's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database file at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; a single connection keeps PRAGMAs applied
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			session_id      TEXT PRIMARY KEY,
			mentor_id       TEXT DEFAULT '',
			remote_endpoint TEXT DEFAULT '',
			phase           TEXT NOT NULL,
			reason          TEXT DEFAULT '',
			started_at      INTEGER NOT NULL,
			connected_at    INTEGER DEFAULT 0,
			ended_at        INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS call_history_started ON call_history(started_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call history table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS request_log (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			mentor_id    TEXT NOT NULL,
			event        TEXT NOT NULL,
			at           INTEGER NOT NULL,
			window_start INTEGER DEFAULT 0,
			window_end   INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create request log table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mentor_cache (
			mentor_id   TEXT PRIMARY KEY,
			name        TEXT DEFAULT '',
			badge       TEXT DEFAULT '',
			endpoint_id TEXT DEFAULT '',
			last_seen   INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create mentor cache table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

// SetMeta stores a small key/value setting.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Meta returns a stored setting, or "" when unset.
func (d *DB) Meta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	_ = d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	return v
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
