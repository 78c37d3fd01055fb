package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/starford/driftwatch/internal/checksum"
	"github.com/starford/driftwatch/internal/models"
	"github.com/starford/driftwatch/internal/pathspec"
)

// DefaultMaxContent is the default content retention limit per file.
const DefaultMaxContent = 1 << 20

// FS implements Provider backed by the local file system.
type FS struct {
	maxContent int64
}

// NewFS creates a new FS provider. Files larger than maxContent bytes are
// hashed but their content is not retained; maxContent <= 0 selects the default.
func NewFS(maxContent int64) *FS {
	if maxContent <= 0 {
		maxContent = DefaultMaxContent
	}
	return &FS{maxContent: maxContent}
}

// Stat reads the file and returns its state. Errors wrap os.ErrNotExist and
// os.ErrPermission so callers can classify them with errors.Is.
func (f *FS) Stat(path string) (models.FileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.FileState{}, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return models.FileState{}, fmt.Errorf("storage: %s is not a regular file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.FileState{}, fmt.Errorf("storage: read %s: %w", path, err)
	}
	uid, gid, err := owner(path)
	if err != nil {
		return models.FileState{}, fmt.Errorf("storage: owner %s: %w", path, err)
	}
	st := models.FileState{
		Path:    path,
		Hash:    checksum.Sum(data),
		Size:    int64(len(data)),
		Mode:    info.Mode(),
		UID:     uid,
		GID:     gid,
		ModTime: info.ModTime(),
	}
	if st.Size <= f.maxContent {
		st.Content = data
	}
	return st, nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Walk lists the regular files covered by wp. A missing file rule yields no
// paths; a missing directory rule is an error.
func (f *FS) Walk(wp pathspec.WatchedPath) ([]string, error) {
	if !wp.Dir {
		info, err := os.Stat(wp.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("storage: stat %s: %w", wp.Path, err)
		}
		if !info.Mode().IsRegular() {
			return nil, nil
		}
		return []string{wp.Path}, nil
	}

	var out []string
	err := filepath.WalkDir(wp.Path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if p != wp.Path && !wp.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && wp.Matches(p) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: walk %s: %w", wp.Path, err)
	}
	return out, nil
}

// Collect walks every path of set and returns the sorted, de-duplicated union.
func Collect(p Provider, set *pathspec.Set) ([]string, error) {
	seen := make(map[string]struct{})
	for _, wp := range set.Paths() {
		files, err := p.Walk(wp)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			seen[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

// Write atomically writes content with the given mode: tmp file → fsync → rename.
// Only operator-driven rollback uses it; the engine never writes watched files.
func Write(path string, content []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".driftwatch-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		return fmt.Errorf("storage: chmod temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}
