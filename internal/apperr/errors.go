// Package apperr holds the error taxonomy shared across driftwatch.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrCorruptState    = errors.New("corrupt persisted state")
	ErrWatchSourceLost = errors.New("watch source lost")
	ErrNoContent       = errors.New("content not retained")
	ErrClosed          = errors.New("closed")
	ErrBusy            = errors.New("operation already in progress")
	ErrBadRequest      = errors.New("bad request")
	// ErrConflict means another writer published a generation first.
	ErrConflict = errors.New("generation conflict")
)

// BaselineError reports a failed establishment or update. The previous
// generation stays current when it is returned.
type BaselineError struct {
	Path string
	Err  error
}

func (e *BaselineError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("baseline: %v", e.Err)
	}
	return fmt.Sprintf("baseline: %s: %v", e.Path, e.Err)
}

func (e *BaselineError) Unwrap() error { return e.Err }

// ClassificationError reports a read failure while classifying a path.
type ClassificationError struct {
	Path string
	Err  error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: %v", e.Path, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// HistoryError reports a failed snapshot, commit or prune. It is never fatal.
type HistoryError struct {
	Op  string
	Err error
}

func (e *HistoryError) Error() string {
	return fmt.Sprintf("history: %s: %v", e.Op, e.Err)
}

func (e *HistoryError) Unwrap() error { return e.Err }
