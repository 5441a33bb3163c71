// Package version serves artifact version publishing and the approval
// workflow: submit a pending version, record reviewer approvals, and
// transition it to approved (triggering the cascade manager) or rejected.
package version

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Masterminds/semver/v3"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/background"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/reqctx"
	"github.com/butlerdotdev/butler-registry/internal/store"
	"github.com/butlerdotdev/butler-registry/pkg/cascade"
	"github.com/butlerdotdev/butler-registry/pkg/notify"
)

// Handler serves version publishing, approval, and yank operations.
type Handler struct {
	logger   *slog.Logger
	store    *store.PostgresStore
	cascade  *cascade.Manager
	notifier *notify.Notifier
	queue    *background.Queue
}

// NewHandler builds a version Handler.
func NewHandler(logger *slog.Logger, s *store.PostgresStore, cascadeMgr *cascade.Manager, notifier *notify.Notifier, queue *background.Queue) *Handler {
	return &Handler{logger: logger, store: s, cascade: cascadeMgr, notifier: notifier, queue: queue}
}

// ArtifactVersionsRoutes returns the router mounted at
// /v1/artifacts/{ns}/{name}/versions.
func (h *Handler) ArtifactVersionsRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handlePublish)
	return r
}

// VersionRoutes returns the router mounted at /v1/versions/{id}.
func (h *Handler) VersionRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGet)
	r.Post("/approve", h.handleApprove)
	r.Post("/reject", h.handleReject)
	r.Post("/yank", h.handleYank)
	r.Get("/approvals", h.handleListApprovals)
	r.Post("/approvals", h.handleRecordApproval)
	return r
}

func (h *Handler) artifactByPath(r *http.Request) (store.Artifact, error) {
	return h.store.GetArtifact(r.Context(), chi.URLParam(r, "ns"), chi.URLParam(r, "name"))
}

func (h *Handler) versionID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// PublishVersionRequest is the body for POST .../versions.
type PublishVersionRequest struct {
	Version      string                `json:"version" validate:"required"`
	Metadata     store.VersionMetadata `json:"metadata"`
	StorageRef   string                `json:"storageRef" validate:"required"`
	Examples     []string              `json:"examples"`
	Dependencies []string              `json:"dependencies"`
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.artifactByPath(r)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	var req PublishVersionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	sv, err := semver.NewVersion(req.Version)
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid semantic version %q: %s", req.Version, err))
		return
	}

	v, err := h.store.CreateVersion(r.Context(), store.CreateVersionParams{
		ArtifactID:   artifact.ID,
		Version:      sv.String(),
		Major:        int(sv.Major()),
		Minor:        int(sv.Minor()),
		Patch:        int(sv.Patch()),
		Prerelease:   sv.Prerelease(),
		PublishedBy:  reqctx.Team(r.Context()),
		Metadata:     req.Metadata,
		StorageRef:   req.StorageRef,
		Examples:     req.Examples,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	if h.notifier.IsEnabled() {
		ev := notify.VersionEvent{
			ArtifactName: artifact.Namespace + "/" + artifact.Name,
			Version:      v.Version,
			SubmittedBy:  v.PublishedBy,
		}
		h.queue.Enqueue(func(ctx context.Context) {
			if err := h.notifier.NotifyVersionPendingApproval(ctx, ev); err != nil {
				h.logger.ErrorContext(ctx, "posting version-pending slack notification failed", "error", err)
			}
		})
	}

	httpserver.Respond(w, http.StatusCreated, v)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.artifactByPath(r)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	items, err := h.store.ListVersions(r.Context(), artifact.ID)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.versionID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid version id"))
		return
	}
	v, err := h.store.GetVersionByID(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, v)
}

// handleApprove transitions a pending version to approved. On the
// transition actually occurring (not a no-op replay), it fires the cascade
// manager so every auto-plan module pinning this artifact gets a plan run
// queued for the new version.
func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.versionID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid version id"))
		return
	}
	v, approved, err := h.store.ApproveVersion(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if approved {
		h.cascade.OnVersionApproved(v.ArtifactID)
	}
	httpserver.Respond(w, http.StatusOK, v)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.versionID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid version id"))
		return
	}
	v, err := h.store.RejectVersion(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, v)
}

// YankVersionRequest is the body for POST /v1/versions/{id}/yank.
type YankVersionRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) handleYank(w http.ResponseWriter, r *http.Request) {
	id, ok := h.versionID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid version id"))
		return
	}
	var req YankVersionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	v, err := h.store.YankVersion(r.Context(), id, req.Reason)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, v)
}

func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.versionID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid version id"))
		return
	}
	items, err := h.store.ListApprovals(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

// RecordApprovalRequest is the body for POST /v1/versions/{id}/approvals.
type RecordApprovalRequest struct {
	Actor string `json:"actor" validate:"required"`
}

func (h *Handler) handleRecordApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := h.versionID(r)
	if !ok {
		httpserver.RespondError(w, r, apierror.Validation("invalid version id"))
		return
	}
	var req RecordApprovalRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	count, err := h.store.RecordApproval(r.Context(), id, req.Actor)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, struct {
		ApproverCount int `json:"approverCount"`
	}{ApproverCount: count})
}
