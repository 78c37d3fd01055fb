package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/driftwatch/internal/apperr"
	"github.com/starford/driftwatch/internal/driftservice"
	"github.com/starford/driftwatch/internal/engine"
)

// StatsProvider reports pipeline counters.
type StatsProvider interface {
	Stats() engine.Stats
}

// Handler holds API route handlers.
type Handler struct {
	svc   *driftservice.Service
	stats StatsProvider
}

// NewHandler creates a new Handler. stats may be nil.
func NewHandler(svc *driftservice.Service, stats StatsProvider) *Handler {
	return &Handler{svc: svc, stats: stats}
}

// watchedPath extracts the absolute file path from the URL wildcard
// (/api/baseline/etc/app.conf -> /etc/app.conf). Encoded slashes are
// accepted.
func watchedPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}
	return "/" + strings.TrimPrefix(decoded, "/")
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, err error, msg string, attrs ...any) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrBusy):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrNoContent):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("content not retained for this snapshot"))
	default:
		var be *apperr.BaselineError
		if errors.As(err, &be) {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody(be.Error()))
			return
		}
		slog.Error(msg, append(attrs, slog.String("error", err.Error()))...)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// ListDrift handles GET /api/drift.
//
//	@Summary		List recent drift alerts, newest first
//	@Tags			drift
//	@Produce		json
//	@Param			limit	query		int		false	"Max alerts"
//	@Param			path	query		string	false	"Filter by path"
//	@Success		200		{object}	DriftListResponse
//	@Security		BearerAuth
//	@Router			/drift [get]
func (h *Handler) ListDrift(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	alerts, err := h.svc.ListDrift(r.Context(), q.Get("path"), limit)
	if err != nil {
		writeError(w, err, "list drift failed")
		return
	}
	writeJSON(w, http.StatusOK, DriftListResponse{Alerts: alerts})
}

// GetBaseline handles GET /api/baseline.
//
//	@Summary		Get the current baseline generation
//	@Tags			baseline
//	@Produce		json
//	@Success		200	{object}	BaselineSummary
//	@Security		BearerAuth
//	@Router			/baseline [get]
func (h *Handler) GetBaseline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Baseline(r.Context()))
}

// LookupBaseline handles GET /api/baseline/*.
//
//	@Summary		Get the approved state of one file
//	@Tags			baseline
//	@Produce		json
//	@Param			path	path		string	true	"Absolute file path"
//	@Success		200		{object}	BaselineItem
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/baseline/{path} [get]
func (h *Handler) LookupBaseline(w http.ResponseWriter, r *http.Request) {
	path := watchedPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	item, err := h.svc.LookupBaseline(r.Context(), path)
	if err != nil {
		writeError(w, err, "lookup baseline failed", slog.String("path", path))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// EstablishBaseline handles POST /api/baseline/establish. Establishment can
// take a while on large trees, so it runs in the background.
//
//	@Summary		Re-establish the baseline from the current files
//	@Tags			baseline
//	@Produce		json
//	@Success		202	{object}	StatusResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/baseline/establish [post]
func (h *Handler) EstablishBaseline(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.EstablishAsync(r.Context()); err != nil {
		writeError(w, err, "establish baseline failed")
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "establishing"})
}

// ApproveBaseline handles POST /api/baseline/approve/*.
//
//	@Summary		Approve the current state of one file
//	@Tags			baseline
//	@Produce		json
//	@Param			path	path		string	true	"Absolute file path"
//	@Success		200		{object}	BaselineItem
//	@Success		204		"Deletion approved"
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/baseline/approve/{path} [post]
func (h *Handler) ApproveBaseline(w http.ResponseWriter, r *http.Request) {
	path := watchedPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	item, err := h.svc.Approve(r.Context(), path)
	if err != nil {
		writeError(w, err, "approve baseline failed", slog.String("path", path))
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ListSnapshots handles GET /api/snapshots.
//
//	@Summary		List retained history snapshots
//	@Tags			history
//	@Produce		json
//	@Success		200	{object}	SnapshotListResponse
//	@Security		BearerAuth
//	@Router			/snapshots [get]
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	infos, err := h.svc.Snapshots(r.Context())
	if err != nil {
		writeError(w, err, "list snapshots failed")
		return
	}
	writeJSON(w, http.StatusOK, SnapshotListResponse{Snapshots: infos})
}

// TakeSnapshot handles POST /api/snapshots.
//
//	@Summary		Take a snapshot now
//	@Tags			history
//	@Produce		json
//	@Success		201	{object}	models.SnapshotInfo
//	@Security		BearerAuth
//	@Router			/snapshots [post]
func (h *Handler) TakeSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.TakeSnapshot(r.Context())
	if err != nil {
		writeError(w, err, "take snapshot failed")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// DiffSnapshots handles GET /api/snapshots/diff.
//
//	@Summary		Path-level differences between two snapshots
//	@Tags			history
//	@Produce		json
//	@Param			from	query		string	true	"Snapshot ID or revision"
//	@Param			to		query		string	true	"Snapshot ID or revision"
//	@Success		200		{object}	DiffResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/snapshots/diff [get]
func (h *Handler) DiffSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	diffs, err := h.svc.DiffSnapshots(r.Context(), from, to)
	if err != nil {
		writeError(w, err, "diff snapshots failed", slog.String("from", from), slog.String("to", to))
		return
	}
	writeJSON(w, http.StatusOK, DiffResponse{From: from, To: to, Changes: diffs})
}

// Rollback handles GET /api/rollback/*. It only returns the historical
// content; writing it back is up to the caller.
//
//	@Summary		Historical content of a file
//	@Tags			history
//	@Produce		json
//	@Param			path		path		string	true	"Absolute file path"
//	@Param			snapshot	query		string	true	"Snapshot ID or revision"
//	@Success		200			{object}	RollbackResult
//	@Failure		404			{object}	errResponse
//	@Failure		422			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/rollback/{path} [get]
func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	path := watchedPath(r)
	ref := r.URL.Query().Get("snapshot")
	if path == "" || ref == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path and snapshot are required"))
		return
	}
	res, err := h.svc.Rollback(r.Context(), path, ref)
	if err != nil {
		writeError(w, err, "rollback failed", slog.String("path", path), slog.String("snapshot", ref))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stats handles GET /api/stats.
//
//	@Summary		Pipeline counters
//	@Tags			drift
//	@Produce		json
//	@Success		200	{object}	engine.Stats
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusOK, engine.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, h.stats.Stats())
}
