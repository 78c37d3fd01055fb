// Package alert deduplicates drift records and hands the resulting alerts to
// notifiers.
package alert

import (
	"context"
	"errors"
	"log/slog"

	"github.com/starford/driftwatch/internal/models"
)

// Notifier delivers an alert. Implementations may block; the emitter calls
// them off its own loop and only logs their errors.
type Notifier interface {
	Deliver(ctx context.Context, a models.Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a models.Alert) error

func (f NotifierFunc) Deliver(ctx context.Context, a models.Alert) error { return f(ctx, a) }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Deliver(ctx context.Context, a models.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Deliver(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes each alert as a structured log line.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Deliver(_ context.Context, a models.Alert) error {
	r := a.Record
	level := slog.LevelWarn
	if r.Severity >= models.SeverityHigh {
		level = slog.LevelError
	} else if r.Severity <= models.SeverityInfo {
		level = slog.LevelInfo
	}
	attrs := []slog.Attr{
		slog.String("id", r.ID),
		slog.String("path", r.Path),
		slog.String("category", string(r.Category)),
		slog.String("severity", r.Severity.String()),
		slog.String("baseline_hash", r.Baseline.Hash),
		slog.String("observed_hash", r.Observed.Hash),
		slog.Time("detected_at", r.DetectedAt),
	}
	if r.DiffSummary != "" {
		attrs = append(attrs, slog.String("diff", r.DiffSummary))
	}
	if r.Reason != "" {
		attrs = append(attrs, slog.String("reason", r.Reason))
	}
	n.Logger.LogAttrs(context.Background(), level, "drift: "+string(r.Category), attrs...)
	return nil
}
