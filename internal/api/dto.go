package api

import (
	"github.com/starford/driftwatch/internal/driftservice"
	"github.com/starford/driftwatch/internal/models"
)

// BaselineItem is one approved file (aliased from the domain layer).
type BaselineItem = driftservice.BaselineItem

// BaselineSummary is the current generation (aliased from the domain layer).
type BaselineSummary = driftservice.BaselineSummary

// RollbackResult is historical file content (aliased from the domain layer).
type RollbackResult = driftservice.RollbackResult

// DriftListResponse wraps alert listings.
type DriftListResponse struct {
	Alerts []models.Alert `json:"alerts" validate:"required"`
}

// SnapshotListResponse wraps snapshot listings.
type SnapshotListResponse struct {
	Snapshots []models.SnapshotInfo `json:"snapshots" validate:"required"`
}

// DiffResponse wraps the differences between two snapshots.
type DiffResponse struct {
	From    string            `json:"from" example:"3f2a..." validate:"required"`
	To      string            `json:"to" example:"9c1b..." validate:"required"`
	Changes []models.PathDiff `json:"changes" validate:"required"`
}

// StatusResponse acknowledges an accepted background operation.
type StatusResponse struct {
	Status string `json:"status" example:"establishing" validate:"required"`
}
