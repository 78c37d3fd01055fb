// Package pathspec decides which filesystem paths are under monitoring.
package pathspec

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// Rule is the configured form of a watched path.
type Rule struct {
	Path      string   `yaml:"path"`
	Name      string   `yaml:"name"`
	Recursive bool     `yaml:"recursive"`
	Include   []string `yaml:"include"`
	Exclude   []string `yaml:"exclude"`
	Sensitive bool     `yaml:"sensitive"`
}

// WatchedPath is a compiled Rule. It is immutable once built.
type WatchedPath struct {
	Path      string
	Name      string
	Recursive bool
	Dir       bool
	Sensitive bool

	include []glob.Glob
	exclude []glob.Glob
}

// Compile resolves the rule path and compiles its globs. Whether the path is
// a directory is decided by stat; a missing path is treated as a file.
func Compile(r Rule) (WatchedPath, error) {
	abs, err := filepath.Abs(r.Path)
	if err != nil {
		return WatchedPath{}, fmt.Errorf("pathspec: resolve %s: %w", r.Path, err)
	}
	wp := WatchedPath{
		Path:      abs,
		Name:      r.Name,
		Recursive: r.Recursive,
		Sensitive: r.Sensitive,
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		wp.Dir = true
	}
	if wp.include, err = compileAll(r.Include); err != nil {
		return WatchedPath{}, err
	}
	if wp.exclude, err = compileAll(r.Exclude); err != nil {
		return WatchedPath{}, err
	}
	return wp, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("pathspec: bad glob %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Matches reports whether path (absolute, cleaned) falls under wp.
func (wp WatchedPath) Matches(path string) bool {
	if !wp.Dir {
		return path == wp.Path
	}
	rel, err := filepath.Rel(wp.Path, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	if !wp.Recursive && strings.ContainsRune(rel, filepath.Separator) {
		return false
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(path)
	if len(wp.include) > 0 && !anyMatch(wp.include, base, rel) {
		return false
	}
	return !anyMatch(wp.exclude, base, rel)
}

func anyMatch(globs []glob.Glob, candidates ...string) bool {
	for _, g := range globs {
		for _, c := range candidates {
			if g.Match(c) {
				return true
			}
		}
	}
	return false
}

// Set is the full collection of watched paths plus sensitivity tags.
type Set struct {
	paths     []WatchedPath
	sensitive []glob.Glob
}

// NewSet compiles every rule. sensitive holds extra glob patterns, matched
// against the absolute path and the base name, that mark paths as
// high-sensitivity.
func NewSet(rules []Rule, sensitive []string) (*Set, error) {
	s := &Set{}
	for _, r := range rules {
		wp, err := Compile(r)
		if err != nil {
			return nil, err
		}
		s.paths = append(s.paths, wp)
	}
	var err error
	if s.sensitive, err = compileAll(sensitive); err != nil {
		return nil, err
	}
	return s, nil
}

// Paths returns the watched paths in configuration order.
func (s *Set) Paths() []WatchedPath {
	return append([]WatchedPath(nil), s.paths...)
}

// Match returns the first watched path covering path.
func (s *Set) Match(path string) (WatchedPath, bool) {
	path = filepath.Clean(path)
	for _, wp := range s.paths {
		if wp.Matches(path) {
			return wp, true
		}
	}
	return WatchedPath{}, false
}

// Sensitive reports whether path is tagged high-sensitivity.
func (s *Set) Sensitive(path string) bool {
	path = filepath.Clean(path)
	if wp, ok := s.Match(path); ok && wp.Sensitive {
		return true
	}
	return anyMatch(s.sensitive, filepath.ToSlash(path), filepath.Base(path))
}

// Name returns the operator label for path: the rule name for file rules,
// otherwise the base name.
func (s *Set) Name(path string) string {
	if wp, ok := s.Match(path); ok && !wp.Dir && wp.Name != "" {
		return wp.Name
	}
	return filepath.Base(path)
}

// WatchDirs returns the directories a filesystem watcher must register:
// parents of file rules and the roots of directory rules.
func (s *Set) WatchDirs() []string {
	seen := make(map[string]struct{})
	for _, wp := range s.paths {
		dir := wp.Path
		if !wp.Dir {
			dir = filepath.Dir(wp.Path)
		}
		seen[dir] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
