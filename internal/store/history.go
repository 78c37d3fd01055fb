package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/models"
)

// SaveSnapshot persists a snapshot and its entries. Content is stored once
// per distinct hash, so consecutive snapshots only add what changed.
func (db *DB) SaveSnapshot(ctx context.Context, snap models.HistorySnapshot) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`INSERT INTO snapshots (id, taken_at, revision) VALUES (?, ?, ?)`,
		snap.ID, formatTime(snap.TakenAt), snap.Revision); err != nil {
		return fmt.Errorf("store: insert snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO snapshot_entries
			(snapshot_id, path, hash, size, mode, uid, gid, mod_time, content_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare snapshot entry: %w", err)
	}
	defer stmt.Close()

	for _, e := range snap.Entries {
		ref, err := putBlob(tx, e.Hash, e.Content)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(snap.ID, e.Path, e.Hash, e.Size, uint32(e.Mode), e.UID, e.GID,
			formatTime(e.ModTime), ref); err != nil {
			return fmt.Errorf("store: insert snapshot entry %s: %w", e.Path, err)
		}
	}
	return tx.Commit()
}

// SetSnapshotRevision records the version-control revision of a snapshot.
func (db *DB) SetSnapshotRevision(ctx context.Context, id, revision string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE snapshots SET revision = ? WHERE id = ?`, revision, id)
	if err != nil {
		return fmt.Errorf("store: set revision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: snapshot %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// ListSnapshots returns every snapshot, newest first.
func (db *DB) ListSnapshots(ctx context.Context) ([]models.SnapshotInfo, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT s.id, s.taken_at, s.revision, COUNT(e.path)
		FROM snapshots s LEFT JOIN snapshot_entries e ON e.snapshot_id = s.id
		GROUP BY s.id
		ORDER BY s.taken_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.SnapshotInfo
	for rows.Next() {
		var info models.SnapshotInfo
		var taken string
		if err := rows.Scan(&info.ID, &taken, &info.Revision, &info.Files); err != nil {
			return nil, err
		}
		if info.TakenAt, err = parseTime(taken); err != nil {
			return nil, fmt.Errorf("%w: snapshot %s taken_at: %v", apperr.ErrCorruptState, info.ID, err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// LoadSnapshot returns a snapshot with all entries and their content.
func (db *DB) LoadSnapshot(ctx context.Context, id string) (models.HistorySnapshot, error) {
	snap := models.HistorySnapshot{ID: id, Entries: make(map[string]models.FileState)}
	var taken string
	err := db.conn.QueryRowContext(ctx, `SELECT taken_at, revision FROM snapshots WHERE id = ?`, id).
		Scan(&taken, &snap.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return models.HistorySnapshot{}, fmt.Errorf("store: snapshot %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.HistorySnapshot{}, fmt.Errorf("store: load snapshot: %w", err)
	}
	if snap.TakenAt, err = parseTime(taken); err != nil {
		return models.HistorySnapshot{}, fmt.Errorf("%w: snapshot %s: %v", apperr.ErrCorruptState, id, err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT e.path, e.hash, e.size, e.mode, e.uid, e.gid, e.mod_time, e.content_ref, b.content
		FROM snapshot_entries e LEFT JOIN blobs b ON b.hash = e.content_ref AND e.content_ref != ''
		WHERE e.snapshot_id = ?`, id)
	if err != nil {
		return models.HistorySnapshot{}, fmt.Errorf("store: load snapshot entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.FileState
		var mode uint32
		var modTime, ref string
		var content []byte
		if err := rows.Scan(&e.Path, &e.Hash, &e.Size, &mode, &e.UID, &e.GID, &modTime, &ref, &content); err != nil {
			return models.HistorySnapshot{}, err
		}
		e.Mode = fs.FileMode(mode)
		if e.ModTime, err = parseTime(modTime); err != nil {
			return models.HistorySnapshot{}, fmt.Errorf("%w: %s mod_time: %v", apperr.ErrCorruptState, e.Path, err)
		}
		if ref != "" {
			e.Content = content
			if e.Content == nil {
				e.Content = []byte{}
			}
		}
		snap.Entries[e.Path] = e
	}
	return snap, rows.Err()
}

// DeleteSnapshot removes a snapshot and releases content no longer referenced.
func (db *DB) DeleteSnapshot(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM snapshot_entries WHERE snapshot_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete snapshot entries: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: snapshot %s: %w", id, apperr.ErrNotFound)
	}
	if err := gcBlobs(tx); err != nil {
		return err
	}
	return tx.Commit()
}
