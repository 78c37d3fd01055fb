// Package watch turns fsnotify events for the watched paths into raw change
// signals.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/models"
	"github.com/starford/driftwatch/internal/pathspec"
	"github.com/starford/driftwatch/internal/storage"
)

// Source watches the directories of a pathspec.Set.
type Source struct {
	paths  *pathspec.Set
	reader storage.Provider
	known  func() []string
	logger *slog.Logger
	ready  chan struct{}
}

// NewSource creates a Source for paths. reader and known are used to
// resynchronise after the kernel drops events: every watched file found by
// reader is reported as modified and every path returned by known that no
// longer exists as deleted. known may be nil.
func NewSource(paths *pathspec.Set, reader storage.Provider, known func() []string, logger *slog.Logger) *Source {
	return &Source{
		paths:  paths,
		reader: reader,
		known:  known,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the initial watches are in place.
func (s *Source) Ready() <-chan struct{} {
	return s.ready
}

// Run sends a signal to out for every filesystem event on a watched path
// until ctx is cancelled. Directories created under recursive rules are
// added to the watch list at runtime and the files already in them are
// reported as created. If the underlying watcher stops delivering events,
// Run returns apperr.ErrWatchSourceLost.
func (s *Source) Run(ctx context.Context, out chan<- models.RawChangeSignal) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrWatchSourceLost, err)
	}
	defer w.Close()

	watched := 0
	for _, dir := range s.paths.WatchDirs() {
		if s.underRecursiveRule(dir) {
			err = addDirsRecursive(w, dir)
		} else {
			err = w.Add(dir)
		}
		if err != nil {
			s.logger.Warn("watch: add failed", slog.String("path", dir), slog.String("error", err.Error()))
			continue
		}
		watched++
	}
	s.logger.Info("watch: started", slog.Int("dirs", watched))
	close(s.ready)

	emit := func(path string, kind models.ChangeKind) bool {
		select {
		case out <- models.RawChangeSignal{Path: path, Kind: kind, At: time.Now()}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("watch: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return apperr.ErrWatchSourceLost
			}
			path := filepath.Clean(ev.Name)

			// New directories under a recursive rule join the watch list.
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
					if s.underRecursiveRule(path) {
						s.addNewDir(w, path, emit)
					}
					continue
				}
			}

			if _, ok := s.paths.Match(path); !ok {
				continue
			}
			kind, ok := kindOf(ev.Op)
			if !ok {
				continue
			}
			s.logger.Debug("watch: event", slog.String("path", path), slog.String("op", ev.Op.String()))
			if !emit(path, kind) {
				return nil
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return apperr.ErrWatchSourceLost
			}
			if !s.handleError(watchErr, emit) {
				return nil
			}
		}
	}
}

// handleError logs a watcher error. After a queue overflow the watched
// tree is rescanned, since the dropped events cannot be recovered. It
// returns false when ctx ended while signals were being sent.
func (s *Source) handleError(err error, emit func(string, models.ChangeKind) bool) bool {
	if !errors.Is(err, fsnotify.ErrEventOverflow) {
		s.logger.Error("watch: error", slog.String("error", err.Error()))
		return true
	}
	s.logger.Warn("watch: event queue overflow, rescanning")
	return s.resync(emit)
}

func (s *Source) resync(emit func(string, models.ChangeKind) bool) bool {
	files, err := storage.Collect(s.reader, s.paths)
	if err != nil {
		s.logger.Error("watch: rescan failed", slog.String("error", err.Error()))
		return true
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
		if !emit(f, models.KindModified) {
			return false
		}
	}
	var known []string
	if s.known != nil {
		known = s.known()
	}
	missing := 0
	for _, p := range known {
		if present[p] {
			continue
		}
		if _, statErr := os.Stat(p); !errors.Is(statErr, os.ErrNotExist) {
			continue
		}
		missing++
		if !emit(p, models.KindDeleted) {
			return false
		}
	}
	s.logger.Info("watch: rescan done", slog.Int("files", len(files)), slog.Int("missing", missing))
	return true
}

// kindOf maps an fsnotify op to a change kind. Chmod counts as a
// modification so permission drift is noticed.
func kindOf(op fsnotify.Op) (models.ChangeKind, bool) {
	switch {
	case op&fsnotify.Remove != 0:
		return models.KindDeleted, true
	case op&fsnotify.Rename != 0:
		return models.KindRenamed, true
	case op&fsnotify.Create != 0:
		return models.KindCreated, true
	case op&(fsnotify.Write|fsnotify.Chmod) != 0:
		return models.KindModified, true
	}
	return "", false
}

func (s *Source) underRecursiveRule(dir string) bool {
	for _, wp := range s.paths.Paths() {
		if !wp.Dir || !wp.Recursive {
			continue
		}
		rel, err := filepath.Rel(wp.Path, dir)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// addNewDir watches a directory created at runtime and reports the files
// that were already written into it before the watch was in place.
func (s *Source) addNewDir(w *fsnotify.Watcher, dir string, emit func(string, models.ChangeKind) bool) {
	if err := addDirsRecursive(w, dir); err != nil {
		s.logger.Warn("watch: add new dir failed", slog.String("path", dir), slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("watch: watching new dir", slog.String("path", dir))
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if _, ok := s.paths.Match(p); ok && !emit(p, models.KindCreated) {
			return filepath.SkipAll
		}
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
