package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/driftwatch/internal/driftservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *driftservice.Service, stats StatsProvider, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc, stats)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/drift", h.ListDrift)
	r.Get("/stats", h.Stats)

	// Baseline.
	r.Get("/baseline", h.GetBaseline)
	r.Post("/baseline/establish", h.EstablishBaseline)
	r.Post("/baseline/approve/*", h.ApproveBaseline)
	r.Get("/baseline/*", h.LookupBaseline)

	// History.
	r.Get("/snapshots", h.ListSnapshots)
	r.Post("/snapshots", h.TakeSnapshot)
	r.Get("/snapshots/diff", h.DiffSnapshots)
	r.Get("/rollback/*", h.Rollback)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
