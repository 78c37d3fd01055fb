package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/driftwatch/internal/models"
	"github.com/starford/driftwatch/internal/pathspec"
	"github.com/starford/driftwatch/internal/storage"
)

var testLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// startSource runs a Source over rules and returns its signal channel.
func startSource(t *testing.T, rules []pathspec.Rule) <-chan models.RawChangeSignal {
	t.Helper()
	set, err := pathspec.NewSet(rules, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan models.RawChangeSignal, 256)
	done := make(chan error, 1)
	src := NewSource(set, storage.NewFS(0), nil, testLogger)
	go func() { done <- src.Run(ctx, out) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	select {
	case <-src.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("source never became ready")
	}
	return out
}

// waitFor reads signals until one matches path and kind.
func waitFor(t *testing.T, ch <-chan models.RawChangeSignal, path string, kind models.ChangeKind) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case sig := <-ch:
			if sig.Path == path && sig.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("no %s signal for %s", kind, path)
		}
	}
}

// quiet asserts no signal for path arrives within d.
func quiet(t *testing.T, ch <-chan models.RawChangeSignal, path string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case sig := <-ch:
			if sig.Path == path {
				t.Fatalf("unexpected signal %+v", sig)
			}
		case <-deadline:
			return
		}
	}
}

func TestSource_FileRule(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, "app.conf")
	other := filepath.Join(dir, "other.conf")
	ch := startSource(t, []pathspec.Rule{{Path: app}})

	_ = os.WriteFile(app, []byte("a"), 0o644)
	waitFor(t, ch, app, models.KindCreated)

	_ = os.WriteFile(app, []byte("b"), 0o644)
	waitFor(t, ch, app, models.KindModified)

	_ = os.Chmod(app, 0o600)
	waitFor(t, ch, app, models.KindModified)

	_ = os.WriteFile(other, []byte("x"), 0o644)
	quiet(t, ch, other, 200*time.Millisecond)

	_ = os.Remove(app)
	waitFor(t, ch, app, models.KindDeleted)
}

func TestSource_RenameAway(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, "app.conf")
	_ = os.WriteFile(app, []byte("a"), 0o644)
	ch := startSource(t, []pathspec.Rule{{Path: app}})

	_ = os.Rename(app, filepath.Join(dir, "app.conf.bak"))
	waitFor(t, ch, app, models.KindRenamed)
}

func TestSource_RecursiveDirAndNewSubdir(t *testing.T) {
	dir := t.TempDir()
	ch := startSource(t, []pathspec.Rule{{Path: dir, Recursive: true, Include: []string{"*.conf"}}})

	sub := filepath.Join(dir, "nginx", "sites")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher time to register the new directories.
	time.Sleep(200 * time.Millisecond)

	site := filepath.Join(sub, "default.conf")
	_ = os.WriteFile(site, []byte("server {}"), 0o644)
	waitFor(t, ch, site, models.KindCreated)

	ignored := filepath.Join(sub, "notes.txt")
	_ = os.WriteFile(ignored, []byte("x"), 0o644)
	quiet(t, ch, ignored, 200*time.Millisecond)
}

func TestSource_NewDirWithExistingFiles(t *testing.T) {
	dir := t.TempDir()
	staging := t.TempDir()
	ch := startSource(t, []pathspec.Rule{{Path: dir, Recursive: true}})

	// Populate a directory elsewhere and move it in, so its files exist
	// before any watch is placed on it.
	if err := os.MkdirAll(filepath.Join(staging, "conf.d"), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(staging, "conf.d", "a.conf"), []byte("a"), 0o644)
	if err := os.Rename(filepath.Join(staging, "conf.d"), filepath.Join(dir, "conf.d")); err != nil {
		t.Skipf("cross-directory rename unsupported: %v", err)
	}
	waitFor(t, ch, filepath.Join(dir, "conf.d", "a.conf"), models.KindCreated)
}

func TestSource_FileRulesShareParentDir(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.conf")
	b := filepath.Join(dir, "b.conf")
	ch := startSource(t, []pathspec.Rule{{Path: a}, {Path: b}})

	_ = os.WriteFile(b, []byte("b"), 0o644)
	waitFor(t, ch, b, models.KindCreated)
	_ = os.WriteFile(a, []byte("a"), 0o644)
	waitFor(t, ch, a, models.KindCreated)
}

func TestSource_OverflowRescans(t *testing.T) {
	dir := t.TempDir()
	kept := filepath.Join(dir, "kept.conf")
	gone := filepath.Join(dir, "gone.conf")
	_ = os.WriteFile(kept, []byte("a"), 0o644)

	set, err := pathspec.NewSet([]pathspec.Rule{{Path: dir, Include: []string{"*.conf"}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	known := func() []string { return []string{kept, gone} }
	src := NewSource(set, storage.NewFS(0), known, testLogger)

	got := map[string]models.ChangeKind{}
	emit := func(path string, kind models.ChangeKind) bool {
		got[path] = kind
		return true
	}
	if !src.handleError(fsnotify.ErrEventOverflow, emit) {
		t.Fatal("handleError stopped early")
	}
	if len(got) != 2 || got[kept] != models.KindModified || got[gone] != models.KindDeleted {
		t.Errorf("rescan signals = %v", got)
	}
}

func TestSource_OtherErrorsOnlyLog(t *testing.T) {
	set, err := pathspec.NewSet([]pathspec.Rule{{Path: t.TempDir()}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	src := NewSource(set, storage.NewFS(0), nil, testLogger)
	emitted := 0
	ok := src.handleError(os.ErrPermission, func(string, models.ChangeKind) bool {
		emitted++
		return true
	})
	if !ok || emitted != 0 {
		t.Errorf("handleError = %v, emitted %d", ok, emitted)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		op   fsnotify.Op
		want models.ChangeKind
		ok   bool
	}{
		{fsnotify.Create, models.KindCreated, true},
		{fsnotify.Write, models.KindModified, true},
		{fsnotify.Chmod, models.KindModified, true},
		{fsnotify.Remove, models.KindDeleted, true},
		{fsnotify.Rename, models.KindRenamed, true},
		{fsnotify.Create | fsnotify.Remove, models.KindDeleted, true},
		{0, "", false},
	}
	for _, tc := range cases {
		got, ok := kindOf(tc.op)
		if got != tc.want || ok != tc.ok {
			t.Errorf("kindOf(%v) = %q, %v; want %q, %v", tc.op, got, ok, tc.want, tc.ok)
		}
	}
}
