package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/driftwatch/internal/checksum"
	"github.com/starford/driftwatch/internal/pathspec"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
}

func TestStat(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.conf")
	writeFile(t, p, "port: 80\n", 0o640)

	st, err := NewFS(0).Stat(p)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Hash != checksum.Sum([]byte("port: 80\n")) {
		t.Errorf("hash = %s", st.Hash)
	}
	if st.Size != 9 {
		t.Errorf("size = %d", st.Size)
	}
	if st.Mode.Perm() != 0o640 {
		t.Errorf("mode = %v", st.Mode)
	}
	if string(st.Content) != "port: 80\n" {
		t.Errorf("content = %q", st.Content)
	}
	if st.ModTime.IsZero() {
		t.Error("mod time not set")
	}
}

func TestStatDropsLargeContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "big.conf")
	writeFile(t, p, "0123456789", 0o644)

	st, err := NewFS(4).Stat(p)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Content != nil {
		t.Errorf("content should not be retained, got %q", st.Content)
	}
	if st.Hash != checksum.Sum([]byte("0123456789")) {
		t.Error("hash must cover full content")
	}
}

func TestStatMissing(t *testing.T) {
	_, err := NewFS(0).Stat(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestStatRejectsDirectory(t *testing.T) {
	if _, err := NewFS(0).Stat(t.TempDir()); err == nil {
		t.Fatal("expected error for directory")
	}
}

func TestWalkRecursiveWithGlobs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.conf"), "a", 0o644)
	writeFile(t, filepath.Join(dir, "b.swp"), "b", 0o644)
	writeFile(t, filepath.Join(dir, "sub", "c.conf"), "c", 0o644)

	wp, err := pathspec.Compile(pathspec.Rule{Path: dir, Recursive: true, Exclude: []string{"*.swp"}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := NewFS(0).Walk(wp)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []string{filepath.Join(dir, "a.conf"), filepath.Join(dir, "sub", "c.conf")}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestWalkNonRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.conf"), "a", 0o644)
	writeFile(t, filepath.Join(dir, "sub", "c.conf"), "c", 0o644)

	wp, _ := pathspec.Compile(pathspec.Rule{Path: dir})
	got, err := NewFS(0).Walk(wp)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(got) != 1 || got[0] != filepath.Join(dir, "a.conf") {
		t.Errorf("got %v", got)
	}
}

func TestWalkMissingFileRule(t *testing.T) {
	wp, _ := pathspec.Compile(pathspec.Rule{Path: filepath.Join(t.TempDir(), "absent.conf")})
	got, err := NewFS(0).Walk(wp)
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestCollectDeduplicates(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.conf")
	writeFile(t, p, "x", 0o644)

	set, err := pathspec.NewSet([]pathspec.Rule{{Path: dir}, {Path: p}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Collect(NewFS(0), set)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != p {
		t.Errorf("got %v", got)
	}
}

func TestWriteAtomicWithMode(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.conf")
	writeFile(t, p, "old", 0o644)

	if err := Write(p, []byte("new"), 0o600); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, _ := os.ReadFile(p)
	if string(data) != "new" {
		t.Errorf("content = %q", data)
	}
	info, _ := os.Stat(p)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", info.Mode())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
