// Package driftservice holds the operator-facing queries and actions shared
// by the HTTP API, the MCP server and the CLI.
package driftservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/baseline"
	"github.com/starford/driftwatch/internal/checksum"
	"github.com/starford/driftwatch/internal/history"
	"github.com/starford/driftwatch/internal/models"
	"github.com/starford/driftwatch/internal/pathspec"
	"github.com/starford/driftwatch/internal/storage"
)

// AlertLister reads persisted alerts.
type AlertLister interface {
	ListAlerts(ctx context.Context, path string, limit int) ([]models.Alert, error)
}

// BaselineItem is one approved file in a response.
type BaselineItem struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	UID        uint32    `json:"uid"`
	GID        uint32    `json:"gid"`
	Sensitive  bool      `json:"sensitive"`
	Generation int64     `json:"generation"`
	CapturedAt time.Time `json:"captured_at"`
}

// BaselineSummary describes the current generation.
type BaselineSummary struct {
	Generation int64          `json:"generation"`
	Kind       string         `json:"kind,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Entries    []BaselineItem `json:"entries"`
}

// RollbackResult is the historical content of one file.
type RollbackResult struct {
	Path     string `json:"path"`
	Snapshot string `json:"snapshot"`
	Hash     string `json:"hash"`
	Mode     string `json:"mode"`
	Content  string `json:"content"`
}

// Event names passed to the publish hook.
const (
	EventBaselineEstablished = "baseline.established"
	EventBaselineApproved    = "baseline.approved"
	EventBaselineRemoved     = "baseline.removed"
	EventSnapshotTaken       = "snapshot.taken"
	EventFileRestored        = "file.restored"
)

// PublishFunc receives operator-visible state changes.
type PublishFunc func(event string, data any)

// Service coordinates the baseline, history and alert stores.
type Service struct {
	baseline *baseline.Store
	history  *history.Manager
	alerts   AlertLister
	reader   storage.Provider
	paths    *pathspec.Set
	logger   *slog.Logger
	publish  PublishFunc

	establishing atomic.Bool
}

// NewService creates a new drift service.
func NewService(bl *baseline.Store, hist *history.Manager, alerts AlertLister, reader storage.Provider, paths *pathspec.Set, logger *slog.Logger) *Service {
	return &Service{
		baseline: bl,
		history:  hist,
		alerts:   alerts,
		reader:   reader,
		paths:    paths,
		logger:   logger,
		publish:  func(string, any) {},
	}
}

// OnChange sets the hook told about baseline and history changes. It must
// be called before the service is shared.
func (s *Service) OnChange(fn PublishFunc) {
	if fn != nil {
		s.publish = fn
	}
}

// ListDrift returns recent alerts, newest first, optionally for one path.
func (s *Service) ListDrift(ctx context.Context, path string, limit int) ([]models.Alert, error) {
	if path != "" {
		path = filepath.Clean(path)
	}
	return s.alerts.ListAlerts(ctx, path, limit)
}

// Baseline returns the current generation.
func (s *Service) Baseline(_ context.Context) BaselineSummary {
	gen := s.baseline.Current()
	out := BaselineSummary{
		Generation: gen.ID,
		Kind:       gen.Kind,
		CreatedAt:  gen.CreatedAt,
		Entries:    make([]BaselineItem, 0, len(gen.Entries)),
	}
	for _, p := range gen.Paths() {
		out.Entries = append(out.Entries, s.item(gen.Entries[p]))
	}
	return out
}

// LookupBaseline returns the approved state of one path.
func (s *Service) LookupBaseline(_ context.Context, path string) (*BaselineItem, error) {
	e, ok := s.baseline.Lookup(filepath.Clean(path))
	if !ok {
		return nil, apperr.ErrNotFound
	}
	item := s.item(e)
	return &item, nil
}

// Establish captures every watched file as a new generation.
func (s *Service) Establish(ctx context.Context) (BaselineSummary, error) {
	if !s.establishing.CompareAndSwap(false, true) {
		return BaselineSummary{}, apperr.ErrBusy
	}
	defer s.establishing.Store(false)

	if err := s.establish(ctx); err != nil {
		return BaselineSummary{}, err
	}
	return s.Baseline(ctx), nil
}

// EstablishAsync starts an establishment in the background and returns at
// once. Only one may run at a time.
func (s *Service) EstablishAsync(ctx context.Context) error {
	if !s.establishing.CompareAndSwap(false, true) {
		return apperr.ErrBusy
	}
	go func() {
		defer s.establishing.Store(false)
		if err := s.establish(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("driftservice: establish failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (s *Service) establish(ctx context.Context) error {
	files, err := storage.Collect(s.reader, s.paths)
	if err != nil {
		return &apperr.BaselineError{Err: err}
	}
	return s.establishWith(ctx, files, s.reader.Stat)
}

func (s *Service) establishWith(ctx context.Context, files []string, stat func(string) (models.FileState, error)) error {
	entries, err := s.baseline.EstablishFrom(ctx, files, stat)
	if err != nil {
		return err
	}
	s.publish(EventBaselineEstablished, map[string]any{
		"generation": s.baseline.Current().ID,
		"files":      len(entries),
	})
	return nil
}

// ReferenceFile is where the approved copy of a named file rule is kept.
func ReferenceFile(dir, name string) string {
	return filepath.Join(dir, name+".yaml")
}

// Import establishes a generation in which every named file rule takes its
// approved content from ReferenceFile(dir, name) and every other watched
// file is captured as it is on disk. Permissions and ownership of a named
// file come from the live file when it exists. A missing or unreadable
// reference fails the whole import and the current generation stays.
func (s *Service) Import(ctx context.Context, dir string) (BaselineSummary, error) {
	if dir == "" {
		return BaselineSummary{}, fmt.Errorf("%w: import directory is required", apperr.ErrBadRequest)
	}
	refs := make(map[string]string)
	for _, wp := range s.paths.Paths() {
		if !wp.Dir && wp.Name != "" {
			refs[wp.Path] = ReferenceFile(dir, wp.Name)
		}
	}
	if len(refs) == 0 {
		return BaselineSummary{}, fmt.Errorf("%w: no watched file rule has a name", apperr.ErrBadRequest)
	}

	if !s.establishing.CompareAndSwap(false, true) {
		return BaselineSummary{}, apperr.ErrBusy
	}
	defer s.establishing.Store(false)

	files, err := storage.Collect(s.reader, s.paths)
	if err != nil {
		return BaselineSummary{}, &apperr.BaselineError{Err: err}
	}
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f] = true
	}
	for p := range refs {
		if !seen[p] {
			files = append(files, p)
		}
	}
	sort.Strings(files)

	stat := func(path string) (models.FileState, error) {
		ref, ok := refs[path]
		if !ok {
			return s.reader.Stat(path)
		}
		st, err := s.reader.Stat(ref)
		if err != nil {
			return models.FileState{}, err
		}
		if live, err := s.reader.Stat(path); err == nil {
			st.Mode, st.UID, st.GID, st.ModTime = live.Mode, live.UID, live.GID, live.ModTime
		}
		return st, nil
	}
	if err := s.establishWith(ctx, files, stat); err != nil {
		return BaselineSummary{}, err
	}
	s.logger.Info("driftservice: baseline imported",
		slog.String("dir", dir),
		slog.Int("references", len(refs)))
	return s.Baseline(ctx), nil
}

// Approve accepts the current on-disk state of path as its baseline. A path
// that no longer exists is removed from the baseline and nil is returned.
func (s *Service) Approve(ctx context.Context, path string) (*BaselineItem, error) {
	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: path must be absolute", apperr.ErrBadRequest)
	}
	if _, ok := s.paths.Match(path); !ok {
		return nil, fmt.Errorf("%w: %s is not watched", apperr.ErrBadRequest, path)
	}

	st, err := s.reader.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.baseline.Remove(ctx, path); err != nil {
			return nil, err
		}
		s.publish(EventBaselineRemoved, map[string]string{"path": path})
		return nil, nil
	case err != nil:
		return nil, &apperr.BaselineError{Path: path, Err: err}
	}

	entry, err := s.baseline.Update(ctx, st)
	if err != nil {
		return nil, err
	}
	item := s.item(entry)
	s.publish(EventBaselineApproved, item)
	return &item, nil
}

// Snapshots lists retained snapshots, newest first.
func (s *Service) Snapshots(ctx context.Context) ([]models.SnapshotInfo, error) {
	return s.history.List(ctx)
}

// TakeSnapshot captures a snapshot now, outside the interval loop.
func (s *Service) TakeSnapshot(ctx context.Context) (models.SnapshotInfo, error) {
	snap, err := s.history.Snapshot(ctx)
	if err != nil {
		return models.SnapshotInfo{}, err
	}
	info := models.SnapshotInfo{ID: snap.ID, TakenAt: snap.TakenAt, Revision: snap.Revision, Files: len(snap.Entries)}
	s.publish(EventSnapshotTaken, info)
	return info, nil
}

// DiffSnapshots compares two snapshots given by ID or revision.
func (s *Service) DiffSnapshots(ctx context.Context, from, to string) ([]models.PathDiff, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("%w: both snapshots are required", apperr.ErrBadRequest)
	}
	return s.history.DiffRefs(ctx, from, to)
}

// Rollback returns the content path had in snapshot ref. Nothing is written.
func (s *Service) Rollback(ctx context.Context, path, ref string) (*RollbackResult, error) {
	st, err := s.history.Rollback(ctx, filepath.Clean(path), ref)
	if err != nil {
		return nil, err
	}
	return &RollbackResult{
		Path:     st.Path,
		Snapshot: ref,
		Hash:     st.Hash,
		Mode:     st.Mode.Perm().String(),
		Content:  string(st.Content),
	}, nil
}

// Restore writes the content path had in snapshot ref back to disk. This is
// the operator's explicit action; the monitor then sees the write like any
// other change.
func (s *Service) Restore(ctx context.Context, path, ref string) (models.FileState, error) {
	st, err := s.history.Rollback(ctx, filepath.Clean(path), ref)
	if err != nil {
		return models.FileState{}, err
	}
	if got := checksum.Sum(st.Content); got != st.Hash {
		return models.FileState{}, fmt.Errorf("driftservice: %s: %w", path, apperr.ErrCorruptState)
	}
	if err := storage.Write(st.Path, st.Content, st.Mode); err != nil {
		return models.FileState{}, err
	}
	s.logger.Info("driftservice: restored",
		slog.String("path", st.Path),
		slog.String("snapshot", ref),
		slog.String("hash", checksum.Short(st.Hash)))
	s.publish(EventFileRestored, map[string]string{"path": st.Path, "snapshot": ref})
	return st, nil
}

func (s *Service) item(e models.BaselineEntry) BaselineItem {
	return BaselineItem{
		Path:       e.Path,
		Name:       s.paths.Name(e.Path),
		Hash:       e.Hash,
		Size:       e.Size,
		Mode:       e.Mode.Perm().String(),
		UID:        e.UID,
		GID:        e.GID,
		Sensitive:  s.paths.Sensitive(e.Path),
		Generation: e.Generation,
		CapturedAt: e.CapturedAt,
	}
}
