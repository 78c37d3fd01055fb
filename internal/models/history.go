package models

import (
	"sort"
	"time"
)

// HistorySnapshot is a timestamped capture of every watched file.
// Paths absent at capture time have no entry.
type HistorySnapshot struct {
	ID       string               `json:"id"`
	TakenAt  time.Time            `json:"taken_at"`
	Revision string               `json:"revision,omitempty"`
	Entries  map[string]FileState `json:"entries"`
}

// Paths returns the sorted paths captured in the snapshot.
func (s HistorySnapshot) Paths() []string {
	out := make([]string, 0, len(s.Entries))
	for p := range s.Entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SnapshotInfo is the lightweight listing form of a snapshot.
type SnapshotInfo struct {
	ID       string    `json:"id"`
	TakenAt  time.Time `json:"taken_at"`
	Revision string    `json:"revision,omitempty"`
	Files    int       `json:"files"`
}

// DiffKind is the kind of a path-level difference between two snapshots.
type DiffKind string

const (
	DiffAdded       DiffKind = "added"
	DiffRemoved     DiffKind = "removed"
	DiffContent     DiffKind = "content"
	DiffPermissions DiffKind = "permissions"
)

// PathDiff is one path-level difference between two snapshots.
type PathDiff struct {
	Path string     `json:"path"`
	Kind DiffKind   `json:"kind"`
	From StateValue `json:"from"`
	To   StateValue `json:"to"`
}
