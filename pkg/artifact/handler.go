// Package artifact serves the top-level artifact catalog: creating artifacts,
// listing/searching them with facet counts, and the namespace/name-scoped
// lifecycle operations (update, deprecate, archive).
package artifact

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/reqctx"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// Handler serves artifact CRUD and catalog search.
type Handler struct {
	logger *slog.Logger
	store  *store.PostgresStore
}

// NewHandler builds an artifact Handler.
func NewHandler(logger *slog.Logger, s *store.PostgresStore) *Handler {
	return &Handler{logger: logger, store: s}
}

// Routes returns a chi.Router mounted at /v1/artifacts.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/facets", h.handleFacets)
	r.Route("/{ns}/{name}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleUpdate)
		r.Post("/deprecate", h.handleDeprecate)
		r.Post("/archive", h.handleArchive)
	})
	return r
}

// CreateArtifactRequest is the body for POST /v1/artifacts.
type CreateArtifactRequest struct {
	Namespace      string                `json:"namespace" validate:"required"`
	Name           string                `json:"name" validate:"required"`
	Provider       string                `json:"provider"`
	Type           store.ArtifactType    `json:"type" validate:"required,oneof=iac-module iac-provider chart policy-bundle"`
	StorageConfig  store.StorageConfig   `json:"storageConfig" validate:"required"`
	ApprovalPolicy *store.ApprovalPolicy `json:"approvalPolicy"`
	SourceConfig   *store.SourceConfig   `json:"sourceConfig"`
	Tags           []string              `json:"tags"`
	Category       string                `json:"category"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateArtifactRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	team := reqctx.Team(r.Context())
	a, err := h.store.CreateArtifact(r.Context(), store.CreateArtifactParams{
		Namespace:      req.Namespace,
		Name:           req.Name,
		Provider:       req.Provider,
		Type:           req.Type,
		Team:           team,
		StorageConfig:  req.StorageConfig,
		ApprovalPolicy: req.ApprovalPolicy,
		SourceConfig:   req.SourceConfig,
		Tags:           req.Tags,
		Category:       req.Category,
	})
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, a)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	cursorParams, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("%s", err))
		return
	}

	params := store.ListArtifactsParams{
		Team:            r.URL.Query().Get("team"),
		Type:            store.ArtifactType(r.URL.Query().Get("type")),
		Category:        r.URL.Query().Get("category"),
		Tag:             r.URL.Query().Get("tag"),
		IncludeArchived: r.URL.Query().Get("includeArchived") == "true",
		Limit:           cursorParams.Limit + 1,
	}
	if cursorParams.After != nil {
		params.Cursor = &store.CursorKey{SortValue: cursorParams.After.CreatedAt, ID: cursorParams.After.ID}
	}

	items, err := h.store.ListArtifacts(r.Context(), params)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	page := httpserver.NewCursorPage(items, cursorParams.Limit, func(a store.Artifact) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: a.CreatedAt, ID: a.ID}
	})
	httpserver.Respond(w, http.StatusOK, page)
}

func (h *Handler) handleFacets(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.ListFacets(r.Context(), r.URL.Query().Get("team"))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, counts)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetArtifact(r.Context(), chi.URLParam(r, "ns"), chi.URLParam(r, "name"))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

// UpdateArtifactRequest is the body for PUT /v1/artifacts/{ns}/{name}.
type UpdateArtifactRequest struct {
	Team           string                `json:"team"`
	StorageConfig  store.StorageConfig   `json:"storageConfig" validate:"required"`
	ApprovalPolicy *store.ApprovalPolicy `json:"approvalPolicy"`
	SourceConfig   *store.SourceConfig   `json:"sourceConfig"`
	Tags           []string              `json:"tags"`
	Category       string                `json:"category"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	existing, err := h.store.GetArtifact(r.Context(), chi.URLParam(r, "ns"), chi.URLParam(r, "name"))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	var req UpdateArtifactRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	a, err := h.store.UpdateArtifact(r.Context(), store.UpdateArtifactParams{
		ID:             existing.ID,
		Team:           req.Team,
		StorageConfig:  req.StorageConfig,
		ApprovalPolicy: req.ApprovalPolicy,
		SourceConfig:   req.SourceConfig,
		Tags:           req.Tags,
		Category:       req.Category,
	})
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

func (h *Handler) handleDeprecate(w http.ResponseWriter, r *http.Request) {
	existing, err := h.store.GetArtifact(r.Context(), chi.URLParam(r, "ns"), chi.URLParam(r, "name"))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	a, err := h.store.DeprecateArtifact(r.Context(), existing.ID)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	existing, err := h.store.GetArtifact(r.Context(), chi.URLParam(r, "ns"), chi.URLParam(r, "name"))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if err := h.store.ArchiveArtifact(r.Context(), existing.ID); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}
