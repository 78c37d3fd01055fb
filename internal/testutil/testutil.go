// Package testutil provides shared test helpers for setting up watched trees and databases.
package testutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/driftwatch/internal/baseline"
	"github.com/starford/driftwatch/internal/history"
	"github.com/starford/driftwatch/internal/pathspec"
	"github.com/starford/driftwatch/internal/storage"
	"github.com/starford/driftwatch/internal/store"
)

// Logger discards everything below error level.
var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "driftwatch-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestTree creates a temporary directory holding files (relative name to
// content) and a recursive rule covering it.
func TestTree(t *testing.T, files map[string]string) (string, *pathspec.Set) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		WriteFile(t, filepath.Join(dir, name), content)
	}
	set, err := pathspec.NewSet([]pathspec.Rule{{Path: dir, Recursive: true}}, []string{"*.key"})
	if err != nil {
		t.Fatal(err)
	}
	return dir, set
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// Stack is the persistent core of a running monitor.
type Stack struct {
	Dir      string
	Paths    *pathspec.Set
	DB       *store.DB
	Reader   storage.Provider
	Baseline *baseline.Store
	History  *history.Manager
}

// TestStack wires a baseline store and history manager over a fresh tree
// and database.
func TestStack(t *testing.T, files map[string]string) *Stack {
	t.Helper()
	dir, set := TestTree(t, files)
	db := TestDB(t)
	reader := storage.NewFS(0)
	return &Stack{
		Dir:      dir,
		Paths:    set,
		DB:       db,
		Reader:   reader,
		Baseline: baseline.New(reader, db, Logger),
		History: history.New(db, reader, set, nil, history.Config{
			Interval:  time.Hour,
			Retention: history.Retention{KeepRecent: 10},
		}, Logger),
	}
}
