// Package environment serves environment CRUD and the lock/unlock
// operations that gate every mutating run against a given environment.
package environment

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/reqctx"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// Handler serves environment CRUD and locking.
type Handler struct {
	logger *slog.Logger
	store  *store.PostgresStore
}

// NewHandler builds an environment Handler.
func NewHandler(logger *slog.Logger, s *store.PostgresStore) *Handler {
	return &Handler{logger: logger, store: s}
}

// Routes returns a chi.Router mounted at /v1/environments.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleRename)
		r.Post("/archive", h.handleArchive)
		r.Post("/lock", h.handleLock)
		r.Post("/unlock", h.handleUnlock)
		r.Get("/graph", h.handleGraph)
	})
	return r
}

// EnvironmentGraph is the module dependency graph for one environment: its
// modules as nodes, its dependency edges, and a valid topological order —
// what a UI needs to render the DAG without re-deriving the sort itself.
type EnvironmentGraph struct {
	Modules      []store.EnvironmentModule `json:"modules"`
	Dependencies []store.ModuleDependency  `json:"dependencies"`
	Order        []uuid.UUID               `json:"order"`
}

func (h *Handler) handleGraph(w http.ResponseWriter, r *http.Request) {
	id, ok := h.environmentID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	modules, err := h.store.ListModules(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	dependencies, err := h.store.ListDependencies(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	order, err := h.store.TopologicalSort(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, EnvironmentGraph{
		Modules:      modules,
		Dependencies: dependencies,
		Order:        order,
	})
}

func (h *Handler) environmentID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// CreateEnvironmentRequest is the body for POST /v1/environments.
type CreateEnvironmentRequest struct {
	Name string `json:"name" validate:"required"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvironmentRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	e, err := h.store.CreateEnvironment(r.Context(), reqctx.Team(r.Context()), req.Name)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, e)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("includeArchived") == "true"
	items, err := h.store.ListEnvironments(r.Context(), reqctx.Team(r.Context()), includeArchived)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.environmentID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	e, err := h.store.GetEnvironment(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, e)
}

// RenameEnvironmentRequest is the body for PUT /v1/environments/{id}.
type RenameEnvironmentRequest struct {
	Name string `json:"name" validate:"required"`
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	id, ok := h.environmentID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	var req RenameEnvironmentRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	e, err := h.store.UpdateEnvironmentName(r.Context(), id, req.Name)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, e)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.environmentID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	if err := h.store.ArchiveEnvironment(r.Context(), id); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// LockEnvironmentRequest is the body for POST /v1/environments/{id}/lock.
type LockEnvironmentRequest struct {
	LockedBy string `json:"lockedBy" validate:"required"`
	Reason   string `json:"reason"`
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.environmentID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	var req LockEnvironmentRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	e, err := h.store.LockEnvironment(r.Context(), id, req.LockedBy, req.Reason)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, e)
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.environmentID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	e, err := h.store.UnlockEnvironment(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, e)
}
