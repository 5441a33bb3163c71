package dag

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// Handler serves the environment-run HTTP surface: starting a DAG-ordered
// run across an environment's modules, and confirming/cancelling it.
type Handler struct {
	logger   *slog.Logger
	store    *store.PostgresStore
	executor *Executor
}

// NewHandler builds a dag Handler.
func NewHandler(logger *slog.Logger, s *store.PostgresStore) *Handler {
	return &Handler{logger: logger, store: s, executor: NewExecutor(s)}
}

// EnvironmentRunsRoutes returns the router mounted at
// /v1/environments/{envID}/runs.
func (h *Handler) EnvironmentRunsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleStart)
	return r
}

// RunRoutes returns the router mounted at /v1/environment-runs/{id}.
func (h *Handler) RunRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGet)
	r.Post("/confirm", h.handleConfirm)
	r.Post("/cancel", h.handleCancel)
	return r
}

// StartEnvironmentRunRequest is the body for POST .../environments/{id}/runs.
type StartEnvironmentRunRequest struct {
	Operation        store.EnvironmentRunOperation `json:"operation" validate:"required,oneof=plan-all apply-all destroy-all"`
	ExcludeModuleIDs []uuid.UUID                   `json:"excludeModuleIds"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	environmentID, err := uuid.Parse(chi.URLParam(r, "envID"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	var req StartEnvironmentRunRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	run, err := h.executor.StartEnvironmentRun(r.Context(), environmentID, req.Operation, req.ExcludeModuleIDs)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, run)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	environmentID, err := uuid.Parse(chi.URLParam(r, "envID"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	runs, err := h.store.ListEnvironmentRuns(r.Context(), environmentID, 25)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, runs)
}

func (h *Handler) envRunID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.envRunID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment run id"))
		return
	}
	run, err := h.store.GetEnvironmentRun(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, run)
}

// ConfirmEnvironmentRunRequest is the body for POST .../environment-runs/{id}/confirm.
type ConfirmEnvironmentRunRequest struct {
	ConfirmedBy string `json:"confirmedBy" validate:"required"`
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.envRunID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment run id"))
		return
	}
	var req ConfirmEnvironmentRunRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	run, err := h.store.ConfirmEnvironmentRun(r.Context(), id, req.ConfirmedBy)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, run)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.envRunID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment run id"))
		return
	}
	run, err := h.store.CancelEnvironmentRun(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, run)
}
