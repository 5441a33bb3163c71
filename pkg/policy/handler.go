package policy

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// Handler serves policy-template CRUD, binding management, and the
// effective-policy/evaluations read endpoints.
type Handler struct {
	logger   *slog.Logger
	store    *store.PostgresStore
	resolver *Resolver
}

// NewHandler builds a policy Handler.
func NewHandler(logger *slog.Logger, s *store.PostgresStore) *Handler {
	return &Handler{logger: logger, store: s, resolver: NewResolver(s)}
}

// Routes returns a chi.Router mounted at /v1/policies.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleUpdate)
		r.Delete("/", h.handleDelete)
	})
	r.Get("/bindings", h.handleListBindings)
	r.Post("/bindings", h.handleBind)
	r.Delete("/bindings/{bindingID}", h.handleUnbind)
	return r
}

// CreatePolicyTemplateRequest is the body for POST /v1/policies.
type CreatePolicyTemplateRequest struct {
	Name             string                 `json:"name" validate:"required"`
	EnforcementLevel store.EnforcementLevel `json:"enforcementLevel" validate:"required,oneof=block warn audit"`
	Rules            store.PolicyRules      `json:"rules"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyTemplateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	p, err := h.store.CreatePolicyTemplate(r.Context(), req.Name, req.EnforcementLevel, req.Rules)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, p)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListPolicyTemplates(r.Context())
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid policy template id"))
		return
	}
	p, err := h.store.GetPolicyTemplate(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, p)
}

// UpdatePolicyTemplateRequest is the body for PUT /v1/policies/{id}.
type UpdatePolicyTemplateRequest struct {
	EnforcementLevel store.EnforcementLevel `json:"enforcementLevel" validate:"required,oneof=block warn audit"`
	Rules            store.PolicyRules      `json:"rules"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid policy template id"))
		return
	}
	var req UpdatePolicyTemplateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	p, err := h.store.UpdatePolicyTemplate(r.Context(), id, req.EnforcementLevel, req.Rules)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, p)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid policy template id"))
		return
	}
	if err := h.store.DeletePolicyTemplate(r.Context(), id); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// BindPolicyTemplateRequest is the body for POST /v1/policies/bindings.
type BindPolicyTemplateRequest struct {
	TemplateID uuid.UUID             `json:"templateId" validate:"required"`
	ScopeType  store.PolicyScopeKind `json:"scopeType" validate:"required,oneof=artifact namespace team global"`
	ScopeValue string                `json:"scopeValue"`
}

func (h *Handler) handleBind(w http.ResponseWriter, r *http.Request) {
	var req BindPolicyTemplateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.ScopeType != store.ScopeGlobal && req.ScopeValue == "" {
		httpserver.RespondError(w, r, apierror.Validation("scopeValue is required for scope %s", req.ScopeType))
		return
	}
	b, err := h.store.BindPolicyTemplate(r.Context(), req.TemplateID, req.ScopeType, req.ScopeValue)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, b)
}

func (h *Handler) handleUnbind(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bindingID"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid binding id"))
		return
	}
	if err := h.store.UnbindPolicyTemplate(r.Context(), id); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleListBindings(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	team := r.URL.Query().Get("team")
	items, err := h.store.ListApplicablePolicyBindings(r.Context(), namespace, team)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

// ArtifactHandler exposes the artifact-scoped read endpoints
// (GET .../effective-policy and GET .../evaluations) that need both an
// artifact lookup and the resolver, so they're kept separate from the
// template/binding CRUD mounted at /v1/policies.
type ArtifactHandler struct {
	store    *store.PostgresStore
	resolver *Resolver
	gate     *Gate
}

// NewArtifactHandler builds an ArtifactHandler.
func NewArtifactHandler(s *store.PostgresStore) *ArtifactHandler {
	resolver := NewResolver(s)
	return &ArtifactHandler{store: s, resolver: resolver, gate: NewGate(s, resolver)}
}

// HandleEffectivePolicy serves GET /v1/artifacts/{ns}/{name}/effective-policy.
func (h *ArtifactHandler) HandleEffectivePolicy(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.store.GetArtifact(r.Context(), chi.URLParam(r, "ns"), chi.URLParam(r, "name"))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	eff, err := h.resolver.Resolve(r.Context(), artifact)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, eff)
}

// HandleEvaluations serves GET /v1/artifacts/{ns}/{name}/evaluations.
func (h *ArtifactHandler) HandleEvaluations(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.store.GetArtifact(r.Context(), chi.URLParam(r, "ns"), chi.URLParam(r, "name"))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	items, err := h.store.ListPolicyEvaluations(r.Context(), artifact.ID, 0)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}
