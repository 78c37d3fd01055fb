package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/checksum"
	"github.com/starford/driftwatch/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "driftwatch-store-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := Open(dbFile.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func fileState(path, content string, mode os.FileMode) models.FileState {
	return models.FileState{
		Path:    path,
		Hash:    checksum.Sum([]byte(content)),
		Size:    int64(len(content)),
		Mode:    mode,
		UID:     1000,
		GID:     100,
		ModTime: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Content: []byte(content),
	}
}

func TestLoadCurrentGeneration_Empty(t *testing.T) {
	db := testDB(t)
	gen, err := db.LoadCurrentGeneration(context.Background())
	if err != nil {
		t.Fatalf("LoadCurrentGeneration: %v", err)
	}
	if gen != nil {
		t.Fatalf("expected nil generation, got %+v", gen)
	}
}

func TestGenerationRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	captured := time.Date(2026, 3, 2, 8, 30, 0, 42, time.UTC)

	gen := &models.Generation{
		Kind:      models.GenerationEstablish,
		CreatedAt: captured,
		Entries: map[string]models.BaselineEntry{
			"/etc/app.conf": {FileState: fileState("/etc/app.conf", "port: 80\n", 0o640), CapturedAt: captured},
			"/etc/empty":    {FileState: fileState("/etc/empty", "", 0o600|os.ModeSetuid), CapturedAt: captured},
		},
	}
	big := fileState("/etc/big.bin", "ignored", 0o644)
	big.Content = nil
	gen.Entries[big.Path] = models.BaselineEntry{FileState: big, CapturedAt: captured}

	id, err := db.SaveGeneration(ctx, gen)
	if err != nil {
		t.Fatalf("SaveGeneration: %v", err)
	}

	got, err := db.LoadCurrentGeneration(ctx)
	if err != nil {
		t.Fatalf("LoadCurrentGeneration: %v", err)
	}
	if got.ID != id || got.Kind != models.GenerationEstablish || !got.CreatedAt.Equal(captured) {
		t.Errorf("generation header = %+v", got)
	}
	if len(got.Entries) != 3 {
		t.Fatalf("entries = %d", len(got.Entries))
	}
	for path, want := range gen.Entries {
		e := got.Entries[path]
		if e.Hash != want.Hash || e.Size != want.Size || e.Mode != want.Mode ||
			e.UID != want.UID || e.GID != want.GID || e.Generation != id {
			t.Errorf("%s: got %+v, want %+v", path, e.FileState, want.FileState)
		}
		if !e.ModTime.Equal(want.ModTime) || !e.CapturedAt.Equal(want.CapturedAt) {
			t.Errorf("%s: times not preserved", path)
		}
		if (e.Content == nil) != (want.Content == nil) || string(e.Content) != string(want.Content) {
			t.Errorf("%s: content = %q, want %q", path, e.Content, want.Content)
		}
	}
}

func TestSaveGenerationMovesCurrentPointer(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := &models.Generation{Kind: models.GenerationEstablish, CreatedAt: time.Now(), Entries: map[string]models.BaselineEntry{}}
	id1, _ := db.SaveGeneration(ctx, first)

	second := &models.Generation{ParentID: id1, Kind: models.GenerationUpdate, CreatedAt: time.Now(), Entries: map[string]models.BaselineEntry{}}
	id2, err := db.SaveGeneration(ctx, second)
	if err != nil {
		t.Fatal(err)
	}

	got, err := db.LoadCurrentGeneration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != id2 || got.ParentID != id1 {
		t.Errorf("current = %d (parent %d), want %d (parent %d)", got.ID, got.ParentID, id2, id1)
	}
	old, err := db.LoadGeneration(ctx, id1)
	if err != nil || old.Kind != models.GenerationEstablish {
		t.Errorf("previous generation should remain: %v %+v", err, old)
	}
}

func TestSaveGenerationRejectsStaleParent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := &models.Generation{Kind: models.GenerationEstablish, CreatedAt: time.Now(), Entries: map[string]models.BaselineEntry{}}
	id1, err := db.SaveGeneration(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := db.SaveGeneration(ctx, &models.Generation{ParentID: id1, Kind: models.GenerationUpdate, CreatedAt: time.Now(), Entries: map[string]models.BaselineEntry{}})
	if err != nil {
		t.Fatal(err)
	}

	// A writer still holding id1 as its parent must not move the pointer.
	stale := &models.Generation{ParentID: id1, Kind: models.GenerationUpdate, CreatedAt: time.Now(), Entries: map[string]models.BaselineEntry{}}
	if _, err := db.SaveGeneration(ctx, stale); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	cur, err := db.CurrentGenerationID(ctx)
	if err != nil || cur != id2 {
		t.Errorf("current = %d (%v), want %d", cur, err, id2)
	}
}

func TestLoadCurrentGeneration_Corrupt(t *testing.T) {
	db := testDB(t)
	if _, err := db.conn.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, metaCurrentGeneration, "garbage"); err != nil {
		t.Fatal(err)
	}
	_, err := db.LoadCurrentGeneration(context.Background())
	if !errors.Is(err, apperr.ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}

	if _, err := db.conn.Exec(`UPDATE meta SET value = '999' WHERE key = ?`, metaCurrentGeneration); err != nil {
		t.Fatal(err)
	}
	_, err = db.LoadCurrentGeneration(context.Background())
	if !errors.Is(err, apperr.ErrCorruptState) {
		t.Fatalf("dangling pointer: expected ErrCorruptState, got %v", err)
	}
}

func TestSnapshotRoundTripAndList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	a := models.HistorySnapshot{ID: "a", TakenAt: t0, Entries: map[string]models.FileState{
		"/etc/app.conf": fileState("/etc/app.conf", "v1", 0o644),
	}}
	b := models.HistorySnapshot{ID: "b", TakenAt: t0.Add(500 * time.Millisecond), Revision: "rev-b", Entries: map[string]models.FileState{
		"/etc/app.conf": fileState("/etc/app.conf", "v1", 0o644),
		"/etc/db.conf":  fileState("/etc/db.conf", "v2", 0o600),
	}}
	if err := db.SaveSnapshot(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSnapshot(ctx, b); err != nil {
		t.Fatal(err)
	}

	infos, err := db.ListSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[0].ID != "b" || infos[0].Files != 2 || infos[0].Revision != "rev-b" {
		t.Fatalf("infos = %+v", infos)
	}

	got, err := db.LoadSnapshot(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if !got.TakenAt.Equal(b.TakenAt) || len(got.Entries) != 2 {
		t.Fatalf("snapshot = %+v", got)
	}
	e := got.Entries["/etc/db.conf"]
	if string(e.Content) != "v2" || e.Mode != 0o600 || e.UID != 1000 || !e.ModTime.Equal(b.Entries["/etc/db.conf"].ModTime) {
		t.Errorf("entry = %+v", e)
	}
}

func TestDeleteSnapshotKeepsSharedBlobs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	shared := fileState("/etc/app.conf", "same", 0o644)

	_ = db.SaveSnapshot(ctx, models.HistorySnapshot{ID: "one", TakenAt: time.Now(), Entries: map[string]models.FileState{shared.Path: shared}})
	_ = db.SaveSnapshot(ctx, models.HistorySnapshot{ID: "two", TakenAt: time.Now(), Entries: map[string]models.FileState{shared.Path: shared}})

	if err := db.DeleteSnapshot(ctx, "one"); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	got, err := db.LoadSnapshot(ctx, "two")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Entries[shared.Path].Content) != "same" {
		t.Error("shared blob was collected")
	}
	if _, err := db.LoadSnapshot(ctx, "one"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := db.DeleteSnapshot(ctx, "one"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestRecordAlertRepeatCountMonotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	a := models.Alert{
		Record: models.DriftRecord{
			ID:       "r1",
			Path:     "/etc/app.conf",
			Category: models.CategoryContentChanged,
			Severity: models.SeverityMedium,
			Observed: models.StateValue{Exists: true, Hash: "h2"},
		},
		RepeatCount: 1,
		FirstSeen:   t0,
		LastSeen:    t0,
	}
	if err := db.RecordAlert(ctx, a); err != nil {
		t.Fatal(err)
	}
	a.RepeatCount, a.LastSeen = 3, t0.Add(time.Second)
	_ = db.RecordAlert(ctx, a)
	a.RepeatCount, a.LastSeen = 2, t0.Add(500*time.Millisecond)
	_ = db.RecordAlert(ctx, a)

	got, err := db.ListAlerts(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("alerts = %d", len(got))
	}
	if got[0].RepeatCount != 3 || !got[0].LastSeen.Equal(t0.Add(time.Second)) {
		t.Errorf("alert = %+v", got[0])
	}
	if got[0].Record.Severity != models.SeverityMedium || got[0].Record.Observed.Hash != "h2" {
		t.Errorf("record not preserved: %+v", got[0].Record)
	}

	filtered, _ := db.ListAlerts(ctx, "/etc/other.conf", 10)
	if len(filtered) != 0 {
		t.Errorf("path filter returned %d", len(filtered))
	}
}
