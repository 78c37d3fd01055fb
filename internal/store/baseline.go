package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strconv"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/models"
)

// SaveGeneration persists gen with all its entries and marks it current, in
// one transaction. It returns the assigned generation ID. gen.ParentID must
// be the current generation (0 for none); otherwise another writer got there
// first and apperr.ErrConflict is returned with nothing saved.
func (db *DB) SaveGeneration(ctx context.Context, gen *models.Generation) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	// The insert takes the write lock, so the pointer read below cannot be
	// overtaken by another process before commit.
	res, err := tx.Exec(`INSERT INTO generations (parent_id, kind, created_at) VALUES (?, ?, ?)`,
		gen.ParentID, gen.Kind, formatTime(gen.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("store: insert generation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: generation id: %w", err)
	}

	cur, err := currentID(ctx, tx)
	if err != nil {
		return 0, err
	}
	if cur != gen.ParentID {
		return 0, fmt.Errorf("store: parent %d is not current generation %d: %w", gen.ParentID, cur, apperr.ErrConflict)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO baseline_entries
			(generation_id, path, hash, size, mode, uid, gid, mod_time, captured_at, content_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare entry insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range gen.Entries {
		ref, err := putBlob(tx, e.Hash, e.Content)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.Exec(id, e.Path, e.Hash, e.Size, uint32(e.Mode), e.UID, e.GID,
			formatTime(e.ModTime), formatTime(e.CapturedAt), ref); err != nil {
			return 0, fmt.Errorf("store: insert entry %s: %w", e.Path, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaCurrentGeneration, strconv.FormatInt(id, 10)); err != nil {
		return 0, fmt.Errorf("store: set current generation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit generation: %w", err)
	}
	return id, nil
}

// CurrentGenerationID returns the ID of the current generation, 0 when no
// baseline was ever established.
func (db *DB) CurrentGenerationID(ctx context.Context) (int64, error) {
	return currentID(ctx, db.conn)
}

// LoadCurrentGeneration returns the current generation, or nil when no
// baseline was ever established. Any inconsistency is reported as
// apperr.ErrCorruptState.
func (db *DB) LoadCurrentGeneration(ctx context.Context) (*models.Generation, error) {
	id, err := db.CurrentGenerationID(ctx)
	if err != nil || id == 0 {
		return nil, err
	}
	return db.LoadGeneration(ctx, id)
}

type contextQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentID(ctx context.Context, q contextQuerier) (int64, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaCurrentGeneration).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read current generation: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: generation pointer %q", apperr.ErrCorruptState, raw)
	}
	return id, nil
}

// LoadGeneration returns generation id with all its entries.
func (db *DB) LoadGeneration(ctx context.Context, id int64) (*models.Generation, error) {
	gen := &models.Generation{ID: id, Entries: make(map[string]models.BaselineEntry)}
	var created string
	err := db.conn.QueryRowContext(ctx, `SELECT parent_id, kind, created_at FROM generations WHERE id = ?`, id).
		Scan(&gen.ParentID, &gen.Kind, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: generation %d missing", apperr.ErrCorruptState, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load generation %d: %w", id, err)
	}
	if gen.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("%w: generation %d created_at: %v", apperr.ErrCorruptState, id, err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT path, hash, size, mode, uid, gid, mod_time, captured_at, content_ref
		FROM baseline_entries WHERE generation_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: load entries: %w", err)
	}
	defer rows.Close()

	type row struct {
		entry models.BaselineEntry
		ref   string
	}
	var loaded []row
	for rows.Next() {
		var r row
		var mode uint32
		var modTime, capturedAt string
		if err := rows.Scan(&r.entry.Path, &r.entry.Hash, &r.entry.Size, &mode, &r.entry.UID, &r.entry.GID,
			&modTime, &capturedAt, &r.ref); err != nil {
			return nil, fmt.Errorf("%w: entry scan: %v", apperr.ErrCorruptState, err)
		}
		r.entry.Mode = fs.FileMode(mode)
		r.entry.Generation = id
		if r.entry.ModTime, err = parseTime(modTime); err != nil {
			return nil, fmt.Errorf("%w: %s mod_time: %v", apperr.ErrCorruptState, r.entry.Path, err)
		}
		if r.entry.CapturedAt, err = parseTime(capturedAt); err != nil {
			return nil, fmt.Errorf("%w: %s captured_at: %v", apperr.ErrCorruptState, r.entry.Path, err)
		}
		loaded = append(loaded, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load entries: %w", err)
	}
	rows.Close()

	for _, r := range loaded {
		content, err := getBlob(db.conn, r.ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrCorruptState, err)
		}
		r.entry.Content = content
		gen.Entries[r.entry.Path] = r.entry
	}
	return gen, nil
}
