// Package history captures periodic snapshots of the watched files and
// answers point-in-time diff and rollback queries against them.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/models"
	"github.com/starford/driftwatch/internal/pathspec"
	"github.com/starford/driftwatch/internal/storage"
)

// Store persists snapshots.
type Store interface {
	SaveSnapshot(ctx context.Context, snap models.HistorySnapshot) error
	SetSnapshotRevision(ctx context.Context, id, revision string) error
	ListSnapshots(ctx context.Context) ([]models.SnapshotInfo, error)
	LoadSnapshot(ctx context.Context, id string) (models.HistorySnapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// VersionStore is an external version-controlled copy of history.
type VersionStore interface {
	Commit(ctx context.Context, snap models.HistorySnapshot) (string, error)
	Retrieve(ctx context.Context, revision string) (models.HistorySnapshot, error)
}

// Config controls the snapshot cadence and retention.
type Config struct {
	Interval  time.Duration
	Retention Retention
}

// Manager owns every HistorySnapshot.
type Manager struct {
	store  Store
	vcs    VersionStore
	reader storage.Provider
	paths  *pathspec.Set
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// mu guards pins and serializes pruning against new pins.
	mu   sync.Mutex
	pins map[string]int
}

// New creates a Manager. vcs may be nil when version control is disabled.
func New(store Store, reader storage.Provider, paths *pathspec.Set, vcs VersionStore, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		vcs:    vcs,
		reader: reader,
		paths:  paths,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		pins:   make(map[string]int),
	}
}

// Snapshot captures the current state of every watched file. Files that
// vanish or cannot be read during the capture are left out. A failed
// version-control commit is logged; the local snapshot is kept.
func (m *Manager) Snapshot(ctx context.Context) (models.HistorySnapshot, error) {
	files, err := storage.Collect(m.reader, m.paths)
	if err != nil {
		return models.HistorySnapshot{}, &apperr.HistoryError{Op: "snapshot", Err: err}
	}
	snap := models.HistorySnapshot{
		ID:      uuid.NewString(),
		TakenAt: m.now().UTC(),
		Entries: make(map[string]models.FileState, len(files)),
	}
	for _, p := range files {
		st, err := m.reader.Stat(p)
		if err != nil {
			m.logger.Warn("history: skip file", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		snap.Entries[p] = st
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return models.HistorySnapshot{}, &apperr.HistoryError{Op: "snapshot", Err: err}
	}

	if m.vcs != nil {
		rev, err := m.vcs.Commit(ctx, snap)
		if err == nil {
			err = m.store.SetSnapshotRevision(ctx, snap.ID, rev)
		}
		if err != nil {
			m.logger.Warn("history: commit failed",
				slog.String("snapshot", snap.ID),
				slog.String("error", (&apperr.HistoryError{Op: "commit", Err: err}).Error()))
		} else {
			snap.Revision = rev
		}
	}

	m.logger.Info("history: snapshot taken",
		slog.String("snapshot", snap.ID),
		slog.Int("files", len(snap.Entries)),
		slog.String("revision", snap.Revision))
	return snap, nil
}

// List returns snapshot summaries, newest first.
func (m *Manager) List(ctx context.Context) ([]models.SnapshotInfo, error) {
	return m.store.ListSnapshots(ctx)
}

// Load returns a snapshot by local ID, falling back to the version store
// when ref is a revision.
func (m *Manager) Load(ctx context.Context, ref string) (models.HistorySnapshot, error) {
	snap, err := m.store.LoadSnapshot(ctx, ref)
	if err == nil || !errors.Is(err, apperr.ErrNotFound) || m.vcs == nil {
		return snap, err
	}
	return m.vcs.Retrieve(ctx, ref)
}

// DiffRefs loads two snapshots and diffs them.
func (m *Manager) DiffRefs(ctx context.Context, from, to string) ([]models.PathDiff, error) {
	a, err := m.Load(ctx, from)
	if err != nil {
		return nil, err
	}
	b, err := m.Load(ctx, to)
	if err != nil {
		return nil, err
	}
	return Diff(a, b), nil
}

// Diff returns the path-level differences from a to b, sorted by path. The
// two snapshots need not be consecutive.
func Diff(a, b models.HistorySnapshot) []models.PathDiff {
	paths := make(map[string]struct{}, len(a.Entries)+len(b.Entries))
	for p := range a.Entries {
		paths[p] = struct{}{}
	}
	for p := range b.Entries {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	out := []models.PathDiff{}
	for _, p := range sorted {
		from, inA := a.Entries[p]
		to, inB := b.Entries[p]
		d := models.PathDiff{Path: p}
		if inA {
			d.From = from.Value()
		}
		if inB {
			d.To = to.Value()
		}
		switch {
		case !inA:
			d.Kind = models.DiffAdded
		case !inB:
			d.Kind = models.DiffRemoved
		case from.Hash != to.Hash:
			d.Kind = models.DiffContent
		case !from.SamePermissions(to):
			d.Kind = models.DiffPermissions
		default:
			continue
		}
		out = append(out, d)
	}
	return out
}

// Rollback returns the state of path as captured in the snapshot named by
// ref, content included. It never writes to the watched file. The snapshot
// is pinned against pruning for the duration of the call.
func (m *Manager) Rollback(ctx context.Context, path, ref string) (models.FileState, error) {
	m.pin(ref)
	defer m.unpin(ref)

	snap, err := m.Load(ctx, ref)
	if err != nil {
		return models.FileState{}, err
	}
	st, ok := snap.Entries[path]
	if !ok {
		return models.FileState{}, fmt.Errorf("history: %s not in snapshot %s: %w", path, ref, apperr.ErrNotFound)
	}
	if st.Content == nil {
		return models.FileState{}, fmt.Errorf("history: %s in snapshot %s: %w", path, ref, apperr.ErrNoContent)
	}
	return st, nil
}

func (m *Manager) pin(id string) {
	m.mu.Lock()
	m.pins[id]++
	m.mu.Unlock()
}

func (m *Manager) unpin(id string) {
	m.mu.Lock()
	if m.pins[id]--; m.pins[id] <= 0 {
		delete(m.pins, id)
	}
	m.mu.Unlock()
}

// Prune deletes snapshots outside the retention policy, skipping any that
// a rollback in progress references. It returns the number deleted.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos, err := m.store.ListSnapshots(ctx)
	if err != nil {
		return 0, &apperr.HistoryError{Op: "prune", Err: err}
	}
	keep := m.cfg.Retention.Keep(infos)
	deleted := 0
	for _, info := range infos {
		if keep[info.ID] || m.pins[info.ID] > 0 {
			continue
		}
		if err := m.store.DeleteSnapshot(ctx, info.ID); err != nil {
			return deleted, &apperr.HistoryError{Op: "prune", Err: err}
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info("history: pruned", slog.Int("deleted", deleted), slog.Int("kept", len(infos)-deleted))
	}
	return deleted, nil
}

// Run takes a snapshot and prunes on every interval tick until ctx is done.
// A snapshot in progress when ctx ends is allowed to finish. Failures are
// logged and retried on the next tick.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("history: started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("history: stopped")
			return nil
		case <-ticker.C:
			work := context.WithoutCancel(ctx)
			if _, err := m.Snapshot(work); err != nil {
				m.logger.Error("history: snapshot skipped", slog.String("error", err.Error()))
				continue
			}
			if _, err := m.Prune(work); err != nil {
				m.logger.Error("history: prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
