// Package classifier compares the current state of a changed file against
// its baseline entry and produces a drift record.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/models"
	"github.com/starford/driftwatch/internal/parser"
	"github.com/starford/driftwatch/internal/storage"
)

// DefaultRetryDelay is the pause before the single retry of a failed read.
const DefaultRetryDelay = 100 * time.Millisecond

const maxDiffLines = 40

// Baseline is the read side of the baseline store.
type Baseline interface {
	Lookup(path string) (models.BaselineEntry, bool)
}

// PathInfo answers per-path configuration questions.
type PathInfo interface {
	Sensitive(path string) bool
	Name(path string) string
}

// Classifier is stateless and safe for concurrent use.
type Classifier struct {
	baseline   Baseline
	reader     storage.Provider
	paths      PathInfo
	retryDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Classifier. retryDelay <= 0 selects DefaultRetryDelay.
func New(baseline Baseline, reader storage.Provider, paths PathInfo, retryDelay time.Duration, logger *slog.Logger) *Classifier {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Classifier{
		baseline:   baseline,
		reader:     reader,
		paths:      paths,
		retryDelay: retryDelay,
		logger:     logger,
		now:        time.Now,
	}
}

// Classify returns the drift record for intent, or nil when the change is
// not drift (an untracked file that is gone). The only error is a
// *apperr.ClassificationError when ctx ends while waiting to retry.
func (c *Classifier) Classify(ctx context.Context, intent models.ChangeIntent) (*models.DriftRecord, error) {
	entry, tracked := c.baseline.Lookup(intent.Path)

	if intent.Kind == models.KindDeleted {
		if !tracked {
			return nil, nil
		}
		return c.record(intent.Path, models.CategoryDeletedUnexpectedly, entry, tracked, models.StateValue{}), nil
	}

	st, err := c.reader.Stat(intent.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, os.ErrPermission) {
		c.logger.Debug("classifier: read failed, retrying",
			slog.String("path", intent.Path),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return nil, &apperr.ClassificationError{Path: intent.Path, Err: ctx.Err()}
		case <-time.After(c.retryDelay):
		}
		st, err = c.reader.Stat(intent.Path)
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		// Vanished between the intent firing and the read.
		if !tracked {
			return nil, nil
		}
		return c.record(intent.Path, models.CategoryDeletedUnexpectedly, entry, tracked, models.StateValue{}), nil
	case err != nil:
		rec := c.record(intent.Path, models.CategoryAccessDenied, entry, tracked, models.StateValue{})
		rec.Reason = (&apperr.ClassificationError{Path: intent.Path, Err: err}).Error()
		return rec, nil
	}

	if !tracked {
		return c.record(intent.Path, models.CategoryCreatedUnexpectedly, entry, tracked, st.Value()), nil
	}

	var rec *models.DriftRecord
	switch {
	case st.Hash != entry.Hash:
		rec = c.record(intent.Path, models.CategoryContentChanged, entry, tracked, st.Value())
		rec.DiffSummary = DiffSummary(entry.Content, st.Content)
	case !st.SamePermissions(entry.FileState):
		rec = c.record(intent.Path, models.CategoryPermissionChanged, entry, tracked, st.Value())
	default:
		rec = c.record(intent.Path, models.CategoryRestored, entry, tracked, st.Value())
	}
	return rec, nil
}

func (c *Classifier) record(path string, cat models.Category, entry models.BaselineEntry, tracked bool, observed models.StateValue) *models.DriftRecord {
	rec := &models.DriftRecord{
		ID:         uuid.NewString(),
		Path:       path,
		Name:       c.paths.Name(path),
		Category:   cat,
		Severity:   Severity(cat, c.paths.Sensitive(path)),
		Observed:   observed,
		DetectedAt: c.now(),
	}
	if tracked {
		rec.Baseline = entry.Value()
		rec.BaselineGeneration = entry.Generation
	}
	return rec
}

var baseSeverity = map[models.Category]models.Severity{
	models.CategoryContentChanged:      models.SeverityMedium,
	models.CategoryPermissionChanged:   models.SeverityLow,
	models.CategoryCreatedUnexpectedly: models.SeverityLow,
	models.CategoryDeletedUnexpectedly: models.SeverityMedium,
	models.CategoryRestored:            models.SeverityInfo,
	models.CategoryAccessDenied:        models.SeverityMedium,
}

// Severity is a pure function of category and sensitivity. Sensitive paths
// are raised one tier on the doubling ladder.
func Severity(cat models.Category, sensitive bool) models.Severity {
	s, ok := baseSeverity[cat]
	if !ok {
		s = models.SeverityMedium
	}
	if sensitive {
		s = s.Escalate()
	}
	return s
}

// DiffSummary describes how content changed. Structured YAML or JSON
// documents are compared by key path, anything else as a unified diff.
// It returns "" when either side's content was not retained.
func DiffSummary(before, after []byte) string {
	if before == nil || after == nil {
		return ""
	}
	if a, ok := parser.Flatten(before); ok {
		if b, ok := parser.Flatten(after); ok {
			return parser.Summary(a, b)
		}
	}
	if bytes.IndexByte(before, 0) >= 0 || bytes.IndexByte(after, 0) >= 0 {
		return "binary content differs"
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: "baseline",
		ToFile:   "observed",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > maxDiffLines {
		lines = append(lines[:maxDiffLines], "...")
	}
	return strings.Join(lines, "\n")
}
