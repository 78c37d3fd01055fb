// Package storage reads the state of watched files from the local file system.
package storage

import (
	"github.com/starford/driftwatch/internal/models"
	"github.com/starford/driftwatch/internal/pathspec"
)

// Provider is the interface for reading watched file state.
type Provider interface {
	// Stat returns the current state of the regular file at path, content included
	// when it fits the content limit.
	Stat(path string) (models.FileState, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Walk returns every existing regular file covered by wp, sorted.
	Walk(wp pathspec.WatchedPath) ([]string, error)
}
