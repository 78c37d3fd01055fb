// Package vcs is a content-addressed revision store for history snapshots.
//
// Every committed snapshot is written as a JSON document named by the
// BLAKE3 digest of its bytes, so a revision ID both names and verifies
// its content. HEAD holds the most recent revision.
package vcs

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/checksum"
	"github.com/starford/driftwatch/internal/models"
	"github.com/starford/driftwatch/internal/storage"
)

const headFile = "HEAD"

// Repository stores revisions under a directory.
type Repository struct {
	dir string
	mu  sync.Mutex
}

// Open creates the repository layout under dir if needed.
func Open(dir string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Join(dir, "revisions"), 0o750); err != nil {
		return nil, fmt.Errorf("vcs: init %s: %w", dir, err)
	}
	return &Repository{dir: dir}, nil
}

// Commit writes snap and advances HEAD. Committing identical content twice
// yields the same revision.
func (r *Repository) Commit(ctx context.Context, snap models.HistorySnapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	snap.Revision = ""
	doc, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("vcs: encode snapshot %s: %w", snap.ID, err)
	}
	rev := strings.TrimPrefix(checksum.Sum(doc), checksum.Prefix)

	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.revPath(rev)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := storage.Write(path, doc, 0o640); err != nil {
			return "", fmt.Errorf("vcs: write revision: %w", err)
		}
	}
	if err := storage.Write(filepath.Join(r.dir, headFile), []byte(rev+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("vcs: update head: %w", err)
	}
	return rev, nil
}

// Retrieve loads a revision and verifies it against its name.
func (r *Repository) Retrieve(ctx context.Context, rev string) (models.HistorySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.HistorySnapshot{}, err
	}
	if _, err := hex.DecodeString(rev); err != nil || rev == "" {
		return models.HistorySnapshot{}, fmt.Errorf("vcs: revision %q: %w", rev, apperr.ErrNotFound)
	}
	doc, err := os.ReadFile(r.revPath(rev))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.HistorySnapshot{}, fmt.Errorf("vcs: revision %s: %w", rev, apperr.ErrNotFound)
		}
		return models.HistorySnapshot{}, fmt.Errorf("vcs: read revision %s: %w", rev, err)
	}
	if got := strings.TrimPrefix(checksum.Sum(doc), checksum.Prefix); got != rev {
		return models.HistorySnapshot{}, fmt.Errorf("vcs: revision %s digest mismatch: %w", rev, apperr.ErrCorruptState)
	}
	var snap models.HistorySnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return models.HistorySnapshot{}, fmt.Errorf("vcs: decode revision %s: %w", rev, apperr.ErrCorruptState)
	}
	snap.Revision = rev
	return snap, nil
}

// Head returns the latest committed revision, or "" for an empty repository.
func (r *Repository) Head() (string, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, headFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("vcs: read head: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *Repository) revPath(rev string) string {
	return filepath.Join(r.dir, "revisions", rev+".json")
}
