// Package runqueue serves the module run queue: creating runs against the
// per-module placement rules (queued if idle, pending with a queue position
// otherwise, with cascade runs coalescing), and the read/lifecycle endpoints
// a BYOC bridge or operator uses to drive a run to completion.
package runqueue

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/store"
	"github.com/butlerdotdev/butler-registry/internal/telemetry"
)

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Handler serves the run-queue HTTP surface over a Store.
type Handler struct {
	logger *slog.Logger
	store  *store.PostgresStore
}

// NewHandler builds a run-queue Handler.
func NewHandler(logger *slog.Logger, s *store.PostgresStore) *Handler {
	return &Handler{logger: logger, store: s}
}

// ModuleRunsRoutes returns the router mounted at
// /v1/environments/{envID}/modules/{moduleID}/runs.
func (h *Handler) ModuleRunsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListModuleRuns)
	r.Post("/", h.handleCreateRun)
	return r
}

// RunRoutes returns the router mounted at /v1/module-runs/{id}.
func (h *Handler) RunRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGetRun)
	r.Get("/logs", h.handleLogs)
	r.Get("/plan", h.handlePlan)
	r.Get("/outputs", h.handleOutputs)
	r.Post("/confirm", h.handleConfirm)
	r.Post("/discard", h.handleDiscard)
	r.Post("/cancel", h.handleCancel)
	return r
}

// CreateRunRequest is the body for POST .../modules/{moduleID}/runs.
type CreateRunRequest struct {
	Operation    store.RunOperation `json:"operation" validate:"required,oneof=plan apply destroy validate test"`
	Variables    map[string]any     `json:"variables"`
	EnvVars      map[string]string  `json:"envVars"`
	StartPending bool               `json:"startPending"`
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	moduleID, err := uuid.Parse(chi.URLParam(r, "moduleID"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	module, err := h.store.GetModule(r.Context(), moduleID)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if err := h.store.RequireUnlocked(r.Context(), module.EnvironmentID); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	var req CreateRunRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	run, err := h.store.CreateModuleRun(r.Context(), store.CreateModuleRunParams{
		ModuleID:             moduleID,
		EnvironmentID:        module.EnvironmentID,
		Operation:            req.Operation,
		Mode:                 module.ExecutionMode,
		Priority:             store.PriorityUser,
		VariablesSnapshot:    req.Variables,
		EnvVarsSnapshot:      req.EnvVars,
		StateBackendSnapshot: module.StateBackend,
		StartPending:         req.StartPending,
	})
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	h.observeQueueDepth(r, run)
	httpserver.Respond(w, http.StatusCreated, run)
}

// observeQueueDepth refreshes the queue-depth gauge for the run's priority
// class after a mutation. Cheap best-effort: a failed recount only means a
// stale gauge reading until the next mutation, not a request failure.
func (h *Handler) observeQueueDepth(r *http.Request, run store.ModuleRun) {
	runs, err := h.store.ListModuleRuns(r.Context(), run.ModuleID, 100)
	if err != nil {
		return
	}
	var depth int
	for _, candidate := range runs {
		if candidate.Status == store.RunStatusPending || candidate.Status == store.RunStatusQueued {
			depth++
		}
	}
	telemetry.QueueDepth.WithLabelValues(string(run.Priority)).Set(float64(depth))
}

func (h *Handler) handleListModuleRuns(w http.ResponseWriter, r *http.Request) {
	moduleID, err := uuid.Parse(chi.URLParam(r, "moduleID"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	runs, err := h.store.ListModuleRuns(r.Context(), moduleID, queryInt(r, "limit", 25))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, runs)
}

func (h *Handler) runID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module run id"))
		return
	}
	run, err := h.store.GetModuleRun(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, run)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module run id"))
		return
	}
	after := queryInt(r, "after", 0)
	logs, err := h.store.ListRunLogs(r.Context(), id, int64(after), queryInt(r, "limit", 1000))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, logs)
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module run id"))
		return
	}
	format := r.URL.Query().Get("format")
	outputType := store.OutputTypePlanText
	if format == "json" {
		outputType = store.OutputTypePlanJSON
	}
	output, err := h.store.GetRunOutput(r.Context(), id, outputType)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, output)
}

func (h *Handler) handleOutputs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module run id"))
		return
	}
	outputs, err := h.store.ListRunOutputs(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, outputs)
}

// ConfirmRunRequest is the body for POST /v1/module-runs/{id}/confirm.
type ConfirmRunRequest struct {
	ConfirmedBy string `json:"confirmedBy" validate:"required"`
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module run id"))
		return
	}
	var req ConfirmRunRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	run, err := h.store.ConfirmModuleRun(r.Context(), id, req.ConfirmedBy)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, run)
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module run id"))
		return
	}
	run, err := h.store.DiscardModuleRun(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, run)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module run id"))
		return
	}
	run, err := h.store.CancelModuleRun(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, run)
}
