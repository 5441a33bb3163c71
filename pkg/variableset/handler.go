// Package variableset serves the team-scoped credential/variable catalog —
// cloud integrations and variable sets — and the binding endpoints that
// attach them to an environment or module at a given precedence, the wire
// surface over the CRUD internal/store/bindings.go already implements.
package variableset

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

// Handler serves cloud-integration and variable-set CRUD plus bindings.
type Handler struct {
	logger *slog.Logger
	store  *store.PostgresStore
}

// NewHandler builds a variableset Handler.
func NewHandler(logger *slog.Logger, s *store.PostgresStore) *Handler {
	return &Handler{logger: logger, store: s}
}

// CloudIntegrationsRoutes returns the router mounted at /v1/cloud-integrations.
func (h *Handler) CloudIntegrationsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListCloudIntegrations)
	r.Post("/", h.handleCreateCloudIntegration)
	r.Delete("/{id}", h.handleDeleteCloudIntegration)
	return r
}

// VariableSetsRoutes returns the router mounted at /v1/variable-sets.
func (h *Handler) VariableSetsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleListVariableSets)
	r.Post("/", h.handleCreateVariableSet)
	r.Delete("/{id}", h.handleDeleteVariableSet)
	r.Route("/{id}/entries", func(r chi.Router) {
		r.Get("/", h.handleListEntries)
		r.Put("/{key}", h.handleUpsertEntry)
		r.Delete("/{key}", h.handleDeleteEntry)
	})
	return r
}

// EnvironmentBindingsRoutes returns the router mounted at
// /v1/environments/{envID}/bindings.
func (h *Handler) EnvironmentBindingsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/cloud-integrations", h.handleListCloudBindings(store.BindingTargetEnvironment))
	r.Post("/cloud-integrations", h.handleBindCloud(store.BindingTargetEnvironment))
	r.Delete("/cloud-integrations/{bindingID}", h.handleUnbindCloud)
	r.Get("/variable-sets", h.handleListVariableSetBindings(store.BindingTargetEnvironment))
	r.Post("/variable-sets", h.handleBindVariableSet(store.BindingTargetEnvironment))
	r.Delete("/variable-sets/{bindingID}", h.handleUnbindVariableSet)
	return r
}

// ModuleBindingsRoutes returns the router mounted at
// /v1/modules/{id}/bindings.
func (h *Handler) ModuleBindingsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/cloud-integrations", h.handleListCloudBindings(store.BindingTargetModule))
	r.Post("/cloud-integrations", h.handleBindCloud(store.BindingTargetModule))
	r.Delete("/cloud-integrations/{bindingID}", h.handleUnbindCloud)
	r.Get("/variable-sets", h.handleListVariableSetBindings(store.BindingTargetModule))
	r.Post("/variable-sets", h.handleBindVariableSet(store.BindingTargetModule))
	r.Delete("/variable-sets/{bindingID}", h.handleUnbindVariableSet)
	return r
}

// CreateCloudIntegrationRequest is the body for POST /v1/cloud-integrations.
type CreateCloudIntegrationRequest struct {
	Name       string                 `json:"name" validate:"required"`
	Credential store.CredentialConfig `json:"credential" validate:"required"`
}

func (h *Handler) handleCreateCloudIntegration(w http.ResponseWriter, r *http.Request) {
	var req CreateCloudIntegrationRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	team := reqctx.Team(r.Context())
	c, err := h.store.CreateCloudIntegration(r.Context(), team, req.Name, req.Credential)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, c)
}

func (h *Handler) handleListCloudIntegrations(w http.ResponseWriter, r *http.Request) {
	team := reqctx.Team(r.Context())
	items, err := h.store.ListCloudIntegrations(r.Context(), team)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleDeleteCloudIntegration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid cloud integration id"))
		return
	}
	if err := h.store.DeleteCloudIntegration(r.Context(), id); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// CreateVariableSetRequest is the body for POST /v1/variable-sets.
type CreateVariableSetRequest struct {
	Name string `json:"name" validate:"required"`
}

func (h *Handler) handleCreateVariableSet(w http.ResponseWriter, r *http.Request) {
	var req CreateVariableSetRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	team := reqctx.Team(r.Context())
	v, err := h.store.CreateVariableSet(r.Context(), team, req.Name)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, v)
}

func (h *Handler) handleListVariableSets(w http.ResponseWriter, r *http.Request) {
	team := reqctx.Team(r.Context())
	items, err := h.store.ListVariableSets(r.Context(), team)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleDeleteVariableSet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid variable set id"))
		return
	}
	if err := h.store.DeleteVariableSet(r.Context(), id); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid variable set id"))
		return
	}
	items, err := h.store.ListVariableSetEntries(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

// UpsertEntryRequest is the body for PUT .../entries/{key}.
type UpsertEntryRequest struct {
	Value        string                 `json:"value"`
	Sensitive    bool                   `json:"sensitive"`
	CISecretName string                 `json:"ciSecretName"`
	Category     store.VariableCategory `json:"category" validate:"required,oneof=terraform env"`
}

func (h *Handler) handleUpsertEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid variable set id"))
		return
	}
	key := chi.URLParam(r, "key")
	var req UpsertEntryRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	e, err := h.store.UpsertVariableSetEntry(r.Context(), id, key, req.Value, req.Sensitive, req.CISecretName, req.Category)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, e)
}

func (h *Handler) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid variable set id"))
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.store.DeleteVariableSetEntry(r.Context(), id, key); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) targetID(r *http.Request) (uuid.UUID, bool) {
	param := "envID"
	if chi.URLParam(r, "id") != "" {
		param = "id"
	}
	id, err := uuid.Parse(chi.URLParam(r, param))
	return id, err == nil
}

// BindCloudIntegrationRequest is the body for POST .../bindings/cloud-integrations.
type BindCloudIntegrationRequest struct {
	CloudIntegrationID uuid.UUID `json:"cloudIntegrationId" validate:"required"`
	Priority           int       `json:"priority"`
}

func (h *Handler) handleBindCloud(kind store.BindingScopeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID, ok := h.targetID(r)
		if !ok {
			httpserver.RespondError(w, r, apierror.Validation("invalid target id"))
			return
		}
		var req BindCloudIntegrationRequest
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
		b, err := h.store.BindCloudIntegration(r.Context(), req.CloudIntegrationID, kind, targetID, req.Priority)
		if err != nil {
			httpserver.RespondError(w, r, err)
			return
		}
		httpserver.Respond(w, http.StatusCreated, b)
	}
}

func (h *Handler) handleUnbindCloud(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bindingID"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid binding id"))
		return
	}
	if err := h.store.UnbindCloudIntegration(r.Context(), id); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListCloudBindings(kind store.BindingScopeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID, ok := h.targetID(r)
		if !ok {
			httpserver.RespondError(w, r, apierror.Validation("invalid target id"))
			return
		}
		items, err := h.store.ListCloudIntegrationBindingsForTarget(r.Context(), kind, targetID)
		if err != nil {
			httpserver.RespondError(w, r, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, items)
	}
}

// BindVariableSetRequest is the body for POST .../bindings/variable-sets.
type BindVariableSetRequest struct {
	VariableSetID uuid.UUID `json:"variableSetId" validate:"required"`
	Priority      int       `json:"priority"`
}

func (h *Handler) handleBindVariableSet(kind store.BindingScopeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID, ok := h.targetID(r)
		if !ok {
			httpserver.RespondError(w, r, apierror.Validation("invalid target id"))
			return
		}
		var req BindVariableSetRequest
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
		b, err := h.store.BindVariableSet(r.Context(), req.VariableSetID, kind, targetID, req.Priority)
		if err != nil {
			httpserver.RespondError(w, r, err)
			return
		}
		httpserver.Respond(w, http.StatusCreated, b)
	}
}

func (h *Handler) handleUnbindVariableSet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bindingID"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid binding id"))
		return
	}
	if err := h.store.UnbindVariableSet(r.Context(), id); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListVariableSetBindings(kind store.BindingScopeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID, ok := h.targetID(r)
		if !ok {
			httpserver.RespondError(w, r, apierror.Validation("invalid target id"))
			return
		}
		items, err := h.store.ListVariableSetBindingsForTarget(r.Context(), kind, targetID)
		if err != nil {
			httpserver.RespondError(w, r, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, items)
	}
}
