// Package module serves environment-module CRUD and the dependency-graph
// endpoints (set edges, list edges, topological order) that back the DAG
// executor's plan/apply ordering.
package module

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// Handler serves module CRUD and dependency-graph management.
type Handler struct {
	logger *slog.Logger
	store  *store.PostgresStore
}

// NewHandler builds a module Handler.
func NewHandler(logger *slog.Logger, s *store.PostgresStore) *Handler {
	return &Handler{logger: logger, store: s}
}

// EnvironmentModulesRoutes returns the router mounted at
// /v1/environments/{envID}/modules.
func (h *Handler) EnvironmentModulesRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	return r
}

// ModuleRoutes returns the router mounted at /v1/modules/{id}.
func (h *Handler) ModuleRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGet)
	r.Patch("/", h.handleUpdate)
	r.Delete("/", h.handleDelete)
	return r
}

// ModuleVariablesRoutes returns the router mounted at
// /v1/modules/{id}/variables — the direct, module-local layer of the
// output resolver's three-layer variable merge.
func (h *Handler) ModuleVariablesRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListVariables)
	r.Put("/", h.handleReplaceVariables)
	r.Patch("/{key}", h.handleUpsertVariable)
	r.Delete("/{key}", h.handleDeleteVariable)
	return r
}

// DependenciesRoutes returns the router mounted at
// /v1/environments/{envID}/dependencies.
func (h *Handler) DependenciesRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListDependencies)
	r.Get("/order", h.handleTopologicalSort)
	return r
}

// ModuleDependenciesRoutes returns the router mounted at
// /v1/modules/{id}/dependencies.
func (h *Handler) ModuleDependenciesRoutes() chi.Router {
	r := chi.NewRouter()
	r.Put("/", h.handleSetDependencies)
	return r
}

func (h *Handler) moduleID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

func (h *Handler) environmentID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "envID"))
	return id, err == nil
}

// CreateModuleRequest is the body for POST .../environments/{envID}/modules.
type CreateModuleRequest struct {
	Name                   string                   `json:"name" validate:"required"`
	ArtifactID             uuid.UUID                `json:"artifactId" validate:"required"`
	ArtifactNamespace      string                   `json:"artifactNamespace" validate:"required"`
	ArtifactName           string                   `json:"artifactName" validate:"required"`
	PinnedVersion          string                   `json:"pinnedVersion" validate:"required"`
	ExecutionMode          store.ExecutionMode      `json:"executionMode" validate:"required,oneof=managed byoc"`
	TFVersion              string                   `json:"tfVersion"`
	WorkingDirectory       string                   `json:"workingDirectory"`
	StateBackend           store.StateBackendConfig `json:"stateBackend" validate:"required"`
	AutoPlanOnModuleUpdate bool                     `json:"autoPlanOnModuleUpdate"`
	AutoPlanOnPush         bool                     `json:"autoPlanOnPush"`
	VCSTrigger             *store.VCSTrigger        `json:"vcsTrigger"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	environmentID, ok := h.environmentID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	if err := h.store.RequireUnlocked(r.Context(), environmentID); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	var req CreateModuleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	m, err := h.store.CreateModule(r.Context(), store.CreateModuleParams{
		EnvironmentID:          environmentID,
		Name:                   req.Name,
		ArtifactID:             req.ArtifactID,
		ArtifactNamespace:      req.ArtifactNamespace,
		ArtifactName:           req.ArtifactName,
		PinnedVersion:          req.PinnedVersion,
		ExecutionMode:          req.ExecutionMode,
		TFVersion:              req.TFVersion,
		WorkingDirectory:       req.WorkingDirectory,
		StateBackend:           req.StateBackend,
		AutoPlanOnModuleUpdate: req.AutoPlanOnModuleUpdate,
		AutoPlanOnPush:         req.AutoPlanOnPush,
		VCSTrigger:             req.VCSTrigger,
	})
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, m)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	environmentID, ok := h.environmentID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	items, err := h.store.ListModules(r.Context(), environmentID)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.moduleID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	m, err := h.store.GetModule(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, m)
}

// UpdateModuleRequest is the body for PATCH /v1/modules/{id}. Every field is
// optional; an absent field leaves the existing value untouched.
type UpdateModuleRequest struct {
	PinnedVersion          *string                   `json:"pinnedVersion"`
	TFVersion              *string                   `json:"tfVersion"`
	WorkingDirectory       *string                   `json:"workingDirectory"`
	StateBackend           *store.StateBackendConfig `json:"stateBackend"`
	AutoPlanOnModuleUpdate *bool                     `json:"autoPlanOnModuleUpdate"`
	AutoPlanOnPush         *bool                     `json:"autoPlanOnPush"`
	VCSTrigger             *store.VCSTrigger         `json:"vcsTrigger"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.moduleID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	m, err := h.store.GetModule(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if err := h.store.RequireUnlocked(r.Context(), m.EnvironmentID); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	var req UpdateModuleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	updated, err := h.store.UpdateModule(r.Context(), store.UpdateModuleParams{
		ID:                     id,
		PinnedVersion:          req.PinnedVersion,
		TFVersion:              req.TFVersion,
		WorkingDirectory:       req.WorkingDirectory,
		StateBackend:           req.StateBackend,
		AutoPlanOnModuleUpdate: req.AutoPlanOnModuleUpdate,
		AutoPlanOnPush:         req.AutoPlanOnPush,
		VCSTrigger:             req.VCSTrigger,
	})
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, updated)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.moduleID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	m, err := h.store.GetModule(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if err := h.store.RequireUnlocked(r.Context(), m.EnvironmentID); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if err := h.store.DeleteModule(r.Context(), id); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// SetDependenciesRequest is the body for PUT /v1/modules/{id}/dependencies.
type SetDependenciesRequest struct {
	DependsOn []DependencyEdgeRequest `json:"dependsOn"`
}

// DependencyEdgeRequest is one proposed dependency edge.
type DependencyEdgeRequest struct {
	DependsOnID    uuid.UUID             `json:"dependsOnId" validate:"required"`
	OutputMappings []store.OutputMapping `json:"outputMappings"`
}

func (h *Handler) handleSetDependencies(w http.ResponseWriter, r *http.Request) {
	id, ok := h.moduleID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	m, err := h.store.GetModule(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if err := h.store.RequireUnlocked(r.Context(), m.EnvironmentID); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	var req SetDependenciesRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	edges := make([]store.DependencyEdge, len(req.DependsOn))
	for i, e := range req.DependsOn {
		edges[i] = store.DependencyEdge{DependsOnID: e.DependsOnID, OutputMappings: e.OutputMappings}
	}

	if err := h.store.SetModuleDependencies(r.Context(), store.SetModuleDependenciesParams{
		ModuleID:      id,
		EnvironmentID: m.EnvironmentID,
		DependsOn:     edges,
	}); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListDependencies(w http.ResponseWriter, r *http.Request) {
	environmentID, ok := h.environmentID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	items, err := h.store.ListDependencies(r.Context(), environmentID)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleTopologicalSort(w http.ResponseWriter, r *http.Request) {
	environmentID, ok := h.environmentID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid environment id"))
		return
	}
	order, err := h.store.TopologicalSort(r.Context(), environmentID)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, order)
}

func (h *Handler) handleListVariables(w http.ResponseWriter, r *http.Request) {
	id, ok := h.moduleID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	items, err := h.store.ListModuleVariables(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

// ModuleVariableRequest is one entry of a PUT/PATCH variables body.
type ModuleVariableRequest struct {
	Key       string                 `json:"key" validate:"required"`
	Value     string                 `json:"value"`
	Sensitive bool                   `json:"sensitive"`
	SecretRef string                 `json:"secretRef"`
	Category  store.VariableCategory `json:"category" validate:"required,oneof=terraform env"`
}

// ReplaceVariablesRequest is the body for PUT /v1/modules/{id}/variables —
// a full replace, so a dropped key in the request removes that variable.
type ReplaceVariablesRequest struct {
	Variables []ModuleVariableRequest `json:"variables"`
}

func (h *Handler) handleReplaceVariables(w http.ResponseWriter, r *http.Request) {
	id, ok := h.moduleID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	m, err := h.store.GetModule(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if err := h.store.RequireUnlocked(r.Context(), m.EnvironmentID); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	var req ReplaceVariablesRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	entries := make([]store.ModuleVariableInput, len(req.Variables))
	for i, v := range req.Variables {
		entries[i] = store.ModuleVariableInput{
			Key: v.Key, Value: v.Value, Sensitive: v.Sensitive, SecretRef: v.SecretRef, Category: v.Category,
		}
	}

	items, err := h.store.ReplaceModuleVariables(r.Context(), id, entries)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleUpsertVariable(w http.ResponseWriter, r *http.Request) {
	id, ok := h.moduleID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	m, err := h.store.GetModule(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if err := h.store.RequireUnlocked(r.Context(), m.EnvironmentID); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	key := chi.URLParam(r, "key")
	var req ModuleVariableRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	v, err := h.store.UpsertModuleVariable(r.Context(), id, key, req.Value, req.Sensitive, req.SecretRef, req.Category)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, v)
}

func (h *Handler) handleDeleteVariable(w http.ResponseWriter, r *http.Request) {
	id, ok := h.moduleID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	m, err := h.store.GetModule(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if err := h.store.RequireUnlocked(r.Context(), m.EnvironmentID); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	key := chi.URLParam(r, "key")
	if err := h.store.DeleteModuleVariable(r.Context(), id, key); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}
