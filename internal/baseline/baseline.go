// Package baseline holds the trusted reference state of every watched file.
//
// The current baseline is an immutable *models.Generation behind an atomic
// pointer. Readers load the pointer once per comparison and so always see a
// complete generation; writers build a new generation off to the side,
// persist it, and publish it with a single pointer swap.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/models"
	"github.com/starford/driftwatch/internal/storage"
)

// DefaultRefreshInterval is how often Watch looks for generations
// published by other processes.
const DefaultRefreshInterval = 5 * time.Second

// Persister stores generations durably. SaveGeneration must fail with
// apperr.ErrConflict when gen.ParentID is no longer the current generation.
type Persister interface {
	SaveGeneration(ctx context.Context, gen *models.Generation) (int64, error)
	LoadCurrentGeneration(ctx context.Context) (*models.Generation, error)
	CurrentGenerationID(ctx context.Context) (int64, error)
}

// Store is the baseline store.
type Store struct {
	current atomic.Pointer[models.Generation]
	writeMu sync.Mutex

	reader  storage.Provider
	persist Persister
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a store with an empty generation. persist may be nil, in which
// case generations live only in memory.
func New(reader storage.Provider, persist Persister, logger *slog.Logger) *Store {
	s := &Store{
		reader:  reader,
		persist: persist,
		logger:  logger,
		now:     time.Now,
	}
	s.current.Store(&models.Generation{Entries: map[string]models.BaselineEntry{}})
	return s
}

// Load publishes the persisted current generation. A store that was never
// established stays empty. Corruption is returned as apperr.ErrCorruptState
// and must be treated as fatal by the caller.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	gen, err := s.persist.LoadCurrentGeneration(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrCorruptState) {
			return err
		}
		return fmt.Errorf("%w: %v", apperr.ErrCorruptState, err)
	}
	if gen == nil {
		s.logger.Info("baseline: no generation persisted yet")
		return nil
	}
	s.current.Store(gen)
	s.logger.Info("baseline: loaded",
		slog.Int64("generation", gen.ID),
		slog.Int("entries", len(gen.Entries)))
	return nil
}

// Current returns the published generation. Callers must not modify it.
func (s *Store) Current() *models.Generation {
	return s.current.Load()
}

// Lookup returns the baseline entry for path from the current generation.
func (s *Store) Lookup(path string) (models.BaselineEntry, bool) {
	return s.current.Load().Lookup(path)
}

// Establish captures the on-disk state of paths as a new generation and
// publishes it atomically. If any path cannot be read, or the generation
// cannot be persisted, a *apperr.BaselineError is returned and the previous
// generation stays current.
func (s *Store) Establish(ctx context.Context, paths []string) ([]models.BaselineEntry, error) {
	return s.EstablishFrom(ctx, paths, s.reader.Stat)
}

// EstablishFrom is Establish with the state of each path produced by stat.
// It lets a baseline be seeded from reference files instead of the live
// ones. The all-or-nothing guarantee is the same.
func (s *Store) EstablishFrom(ctx context.Context, paths []string, stat func(path string) (models.FileState, error)) ([]models.BaselineEntry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	at := s.now()
	entries := make(map[string]models.BaselineEntry, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, &apperr.BaselineError{Err: err}
		}
		st, err := stat(p)
		if err != nil {
			return nil, &apperr.BaselineError{Path: p, Err: err}
		}
		st.Path = p
		entries[p] = models.BaselineEntry{FileState: st, CapturedAt: at}
	}

	gen, err := s.publish(ctx, func(parent *models.Generation) (*models.Generation, error) {
		next := &models.Generation{
			ParentID:  parent.ID,
			Kind:      models.GenerationEstablish,
			CreatedAt: at,
			Entries:   make(map[string]models.BaselineEntry, len(entries)),
		}
		for p, e := range entries {
			next.Entries[p] = e
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("baseline: established",
		slog.Int64("generation", gen.ID),
		slog.Int("entries", len(gen.Entries)))

	out := make([]models.BaselineEntry, 0, len(gen.Entries))
	for _, p := range gen.Paths() {
		out = append(out, gen.Entries[p])
	}
	return out, nil
}

// Update approves state as the new baseline for its path. The change is
// published as a generation derived from the current one, so entries are
// never modified in place.
func (s *Store) Update(ctx context.Context, state models.FileState) (models.BaselineEntry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	at := s.now()
	gen, err := s.publish(ctx, func(parent *models.Generation) (*models.Generation, error) {
		next := parent.Derive(models.GenerationUpdate, at)
		next.Entries[state.Path] = models.BaselineEntry{FileState: state, CapturedAt: at}
		return next, nil
	})
	if err != nil {
		return models.BaselineEntry{}, err
	}
	s.logger.Info("baseline: entry approved",
		slog.String("path", state.Path),
		slog.Int64("generation", gen.ID))
	return gen.Entries[state.Path], nil
}

// Remove approves the absence of path by deriving a generation without it.
func (s *Store) Remove(ctx context.Context, path string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	at := s.now()
	gen, err := s.publish(ctx, func(parent *models.Generation) (*models.Generation, error) {
		if _, ok := parent.Lookup(path); !ok {
			return nil, &apperr.BaselineError{Path: path, Err: apperr.ErrNotFound}
		}
		next := parent.Derive(models.GenerationUpdate, at)
		delete(next.Entries, path)
		return next, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("baseline: entry removed",
		slog.String("path", path),
		slog.Int64("generation", gen.ID))
	return nil
}

const publishAttempts = 3

// publish builds a generation on top of the current one, persists it, stamps
// its ID into every entry and swaps it in. When another process published
// first, the persisted generation is reloaded and build runs again on top
// of it, so no writer's change is lost. Must be called with writeMu held.
func (s *Store) publish(ctx context.Context, build func(parent *models.Generation) (*models.Generation, error)) (*models.Generation, error) {
	for attempt := 1; ; attempt++ {
		parent := s.current.Load()
		gen, err := build(parent)
		if err != nil {
			return nil, err
		}

		if s.persist == nil {
			gen.ID = parent.ID + 1
		} else {
			id, err := s.persist.SaveGeneration(ctx, gen)
			if errors.Is(err, apperr.ErrConflict) && attempt < publishAttempts {
				s.logger.Info("baseline: generation changed elsewhere, rebasing",
					slog.Int64("parent", parent.ID))
				if err := s.reload(ctx); err != nil {
					return nil, &apperr.BaselineError{Err: err}
				}
				continue
			}
			if err != nil {
				return nil, &apperr.BaselineError{Err: err}
			}
			gen.ID = id
		}

		for p, e := range gen.Entries {
			e.Generation = gen.ID
			gen.Entries[p] = e
		}
		s.current.Store(gen)
		return gen, nil
	}
}

// reload publishes the persisted current generation. Must be called with
// writeMu held.
func (s *Store) reload(ctx context.Context) error {
	gen, err := s.persist.LoadCurrentGeneration(ctx)
	if err != nil {
		return err
	}
	if gen == nil {
		gen = &models.Generation{Entries: map[string]models.BaselineEntry{}}
	}
	s.current.Store(gen)
	return nil
}

// Refresh picks up a generation published by another process sharing the
// same state, such as an operator approving a change from the CLI while the
// monitor runs. It reports whether the current generation changed.
func (s *Store) Refresh(ctx context.Context) (bool, error) {
	if s.persist == nil {
		return false, nil
	}
	id, err := s.persist.CurrentGenerationID(ctx)
	if err != nil {
		return false, err
	}
	if id == s.current.Load().ID {
		return false, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.reload(ctx); err != nil {
		return false, err
	}
	gen := s.current.Load()
	s.logger.Info("baseline: reloaded",
		slog.Int64("generation", gen.ID),
		slog.Int("entries", len(gen.Entries)))
	return true, nil
}

// Watch calls Refresh every interval until ctx is done. Failures are logged
// and retried on the next tick.
func (s *Store) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("baseline: refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}
