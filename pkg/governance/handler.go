// Package governance serves the read-only cross-artifact/cross-environment
// views a governance dashboard needs: an aggregate summary, the list of
// versions awaiting approval, and runs that have gone stale ahead of the
// expiry sweeper actually transitioning them.
package governance

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/reqctx"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// Handler serves /v1/governance/{summary,approvals,staleness}.
type Handler struct {
	logger         *slog.Logger
	store          *store.PostgresStore
	stalenessAfter time.Duration
}

// NewHandler builds a governance Handler. stalenessAfter is the same
// confirmation-timeout duration the expiry sweeper uses, so the dashboard's
// "stale" view matches what the sweeper will act on next tick.
func NewHandler(logger *slog.Logger, s *store.PostgresStore, stalenessAfter time.Duration) *Handler {
	return &Handler{logger: logger, store: s, stalenessAfter: stalenessAfter}
}

// Summary is the aggregate governance dashboard payload.
type Summary struct {
	PendingApprovals   int `json:"pendingApprovals"`
	StaleRuns          int `json:"staleRuns"`
	LockedEnvironments int `json:"lockedEnvironments"`
	ActiveEnvironments int `json:"activeEnvironments"`
}

// Routes returns a chi.Router mounted at /v1/governance.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/summary", h.HandleSummary)
	r.Get("/approvals", h.HandleApprovals)
	r.Get("/staleness", h.HandleStaleness)
	return r
}

// HandleSummary serves GET /v1/governance/summary.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	team := reqctx.Team(r.Context())

	approvals, err := h.store.ListPendingApprovals(r.Context(), team)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	stale, err := h.store.ListStaleModuleRuns(r.Context(), team, time.Now().Add(-h.stalenessAfter))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	environments, err := h.store.ListEnvironments(r.Context(), team, false)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	locked := 0
	for _, e := range environments {
		if e.Locked {
			locked++
		}
	}

	httpserver.Respond(w, http.StatusOK, Summary{
		PendingApprovals:   len(approvals),
		StaleRuns:          len(stale),
		LockedEnvironments: locked,
		ActiveEnvironments: len(environments),
	})
}

// HandleApprovals serves GET /v1/governance/approvals.
func (h *Handler) HandleApprovals(w http.ResponseWriter, r *http.Request) {
	team := reqctx.Team(r.Context())
	items, err := h.store.ListPendingApprovals(r.Context(), team)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

// HandleStaleness serves GET /v1/governance/staleness.
func (h *Handler) HandleStaleness(w http.ResponseWriter, r *http.Request) {
	team := reqctx.Team(r.Context())
	items, err := h.store.ListStaleModuleRuns(r.Context(), team, time.Now().Add(-h.stalenessAfter))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}
