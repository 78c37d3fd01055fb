// Package store provides SQLite-backed persistence for baseline generations,
// history snapshots and drift alerts.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
	hash    TEXT PRIMARY KEY,
	content BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS generations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id  INTEGER NOT NULL DEFAULT 0,
	kind       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS baseline_entries (
	generation_id INTEGER NOT NULL REFERENCES generations(id),
	path          TEXT NOT NULL,
	hash          TEXT NOT NULL,
	size          INTEGER NOT NULL,
	mode          INTEGER NOT NULL,
	uid           INTEGER NOT NULL,
	gid           INTEGER NOT NULL,
	mod_time      TEXT NOT NULL,
	captured_at   TEXT NOT NULL,
	content_ref   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (generation_id, path)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id       TEXT PRIMARY KEY,
	taken_at TEXT NOT NULL,
	revision TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS snapshot_entries (
	snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	path        TEXT NOT NULL,
	hash        TEXT NOT NULL,
	size        INTEGER NOT NULL,
	mode        INTEGER NOT NULL,
	uid         INTEGER NOT NULL,
	gid         INTEGER NOT NULL,
	mod_time    TEXT NOT NULL,
	content_ref TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (snapshot_id, path)
);

CREATE TABLE IF NOT EXISTS alerts (
	id            TEXT PRIMARY KEY,
	record        TEXT NOT NULL,
	path          TEXT NOT NULL,
	category      TEXT NOT NULL,
	severity      INTEGER NOT NULL,
	repeat_count  INTEGER NOT NULL DEFAULT 1,
	first_seen    TEXT NOT NULL,
	last_seen     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_last_seen ON alerts(last_seen);
CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON snapshots(taken_at);
`

const metaCurrentGeneration = "current_generation"

// DB wraps a sql.DB with driftwatch-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// putBlob stores content under its hash once.
func putBlob(tx *sql.Tx, hash string, content []byte) (string, error) {
	if content == nil {
		return "", nil
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO blobs (hash, content) VALUES (?, ?)`, hash, content); err != nil {
		return "", fmt.Errorf("store: put blob: %w", err)
	}
	return hash, nil
}

func getBlob(q querier, ref string) ([]byte, error) {
	if ref == "" {
		return nil, nil
	}
	var content []byte
	if err := q.QueryRow(`SELECT content FROM blobs WHERE hash = ?`, ref).Scan(&content); err != nil {
		return nil, fmt.Errorf("store: get blob %s: %w", ref, err)
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

// gcBlobs removes blobs no longer referenced by any baseline or snapshot entry.
func gcBlobs(tx *sql.Tx) error {
	_, err := tx.Exec(`
		DELETE FROM blobs WHERE hash NOT IN (
			SELECT content_ref FROM baseline_entries WHERE content_ref != ''
			UNION
			SELECT content_ref FROM snapshot_entries WHERE content_ref != ''
		)`)
	if err != nil {
		return fmt.Errorf("store: gc blobs: %w", err)
	}
	return nil
}
