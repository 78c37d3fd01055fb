package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/starford/driftwatch/internal/models"
)

// RecordAlert inserts an alert or, when it already exists, raises its repeat
// count and last-seen time. Updates never move either value backwards.
func (db *DB) RecordAlert(ctx context.Context, a models.Alert) error {
	rec, err := json.Marshal(a.Record)
	if err != nil {
		return fmt.Errorf("store: encode alert: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO alerts (id, record, path, category, severity, repeat_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repeat_count = MAX(repeat_count, excluded.repeat_count),
			last_seen    = MAX(last_seen, excluded.last_seen)`,
		a.Record.ID, string(rec), a.Record.Path, string(a.Record.Category), uint8(a.Record.Severity),
		a.RepeatCount, formatTime(a.FirstSeen), formatTime(a.LastSeen))
	if err != nil {
		return fmt.Errorf("store: record alert: %w", err)
	}
	return nil
}

// ListAlerts returns the most recently seen alerts, newest first.
// path filters by exact path when non-empty.
func (db *DB) ListAlerts(ctx context.Context, path string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT record, repeat_count, first_seen, last_seen FROM alerts`
	args := []any{}
	if path != "" {
		q += ` WHERE path = ?`
		args = append(args, path)
	}
	q += ` ORDER BY last_seen DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list alerts: %w", err)
	}
	defer rows.Close()

	out := []models.Alert{}
	for rows.Next() {
		var a models.Alert
		var rec, first, last string
		if err := rows.Scan(&rec, &a.RepeatCount, &first, &last); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rec), &a.Record); err != nil {
			return nil, fmt.Errorf("store: decode alert: %w", err)
		}
		if a.FirstSeen, err = parseTime(first); err != nil {
			return nil, err
		}
		if a.LastSeen, err = parseTime(last); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
