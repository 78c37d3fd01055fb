// Package models defines the domain types for driftwatch.
package models

import (
	"io/fs"
	"sort"
	"time"
)

// ChangeKind is the kind of a filesystem change.
type ChangeKind string

const (
	KindCreated  ChangeKind = "created"
	KindModified ChangeKind = "modified"
	KindDeleted  ChangeKind = "deleted"
	KindRenamed  ChangeKind = "renamed"
)

// RawChangeSignal is an unprocessed notification from the watch source.
type RawChangeSignal struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
	At   time.Time  `json:"at"`
}

// ChangeIntent says that Path likely reached a stable new state at At.
// Kind is the net effect of every signal coalesced into it.
type ChangeIntent struct {
	Path    string     `json:"path"`
	Kind    ChangeKind `json:"kind"`
	At      time.Time  `json:"at"`
	Signals int        `json:"signals"`
}

// PermMask selects the mode bits that count as permissions.
const PermMask = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// FileState is the observed on-disk state of one regular file.
// Content is nil when the file exceeds the configured content limit.
type FileState struct {
	Path    string      `json:"path"`
	Hash    string      `json:"hash"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	UID     uint32      `json:"uid"`
	GID     uint32      `json:"gid"`
	ModTime time.Time   `json:"mod_time"`
	Content []byte      `json:"content,omitempty"`
}

// SamePermissions reports whether permission bits and ownership match.
func (s FileState) SamePermissions(o FileState) bool {
	return s.Mode&PermMask == o.Mode&PermMask && s.UID == o.UID && s.GID == o.GID
}

// Value returns the comparable summary of the state.
func (s FileState) Value() StateValue {
	return StateValue{
		Exists: true,
		Hash:   s.Hash,
		Size:   s.Size,
		Mode:   s.Mode & PermMask,
		UID:    s.UID,
		GID:    s.GID,
	}
}

// StateValue is the part of a file state that drift records carry.
// The zero value describes an absent file.
type StateValue struct {
	Exists bool        `json:"exists"`
	Hash   string      `json:"hash,omitempty"`
	Size   int64       `json:"size,omitempty"`
	Mode   fs.FileMode `json:"mode,omitempty"`
	UID    uint32      `json:"uid,omitempty"`
	GID    uint32      `json:"gid,omitempty"`
}

// BaselineEntry is the approved state of one file within a generation.
type BaselineEntry struct {
	FileState
	Generation int64     `json:"generation"`
	CapturedAt time.Time `json:"captured_at"`
}

// Generation kinds.
const (
	GenerationEstablish = "establish"
	GenerationUpdate    = "update"
)

// Generation is one immutable version of the complete baseline.
// A Generation must not be modified once published.
type Generation struct {
	ID        int64                    `json:"id"`
	ParentID  int64                    `json:"parent_id,omitempty"`
	Kind      string                   `json:"kind"`
	CreatedAt time.Time                `json:"created_at"`
	Entries   map[string]BaselineEntry `json:"entries"`
}

// Lookup returns the entry for path.
func (g *Generation) Lookup(path string) (BaselineEntry, bool) {
	if g == nil {
		return BaselineEntry{}, false
	}
	e, ok := g.Entries[path]
	return e, ok
}

// Paths returns the sorted paths of the generation.
func (g *Generation) Paths() []string {
	if g == nil {
		return nil
	}
	out := make([]string, 0, len(g.Entries))
	for p := range g.Entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Derive returns a copy of g with kind and parent set, ready to be mutated
// before publication.
func (g *Generation) Derive(kind string, at time.Time) *Generation {
	next := &Generation{
		Kind:      kind,
		CreatedAt: at,
		Entries:   make(map[string]BaselineEntry),
	}
	if g != nil {
		next.ParentID = g.ID
		for p, e := range g.Entries {
			next.Entries[p] = e
		}
	}
	return next
}
