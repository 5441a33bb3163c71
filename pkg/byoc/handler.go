package byoc

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// Handler serves the BYOC runner protocol: claiming runs and posting back
// logs, outputs, and status. Every route under RunRoutes authenticates the
// caller against the targeted run's own callback token, not a team-scoped
// registry token — a runner only ever has standing to act on the one run it
// claimed.
type Handler struct {
	logger *slog.Logger
	bridge *Bridge
}

// NewHandler builds a BYOC Handler.
func NewHandler(logger *slog.Logger, s *store.PostgresStore) *Handler {
	return &Handler{logger: logger, bridge: NewBridge(s)}
}

// ClaimRoutes returns the router mounted at /byoc/modules/{moduleID}.
func (h *Handler) ClaimRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/claim", h.handleClaim)
	return r
}

// RunRoutes returns the router mounted at /byoc/runs/{id}.
func (h *Handler) RunRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGetRun)
	r.Get("/logs", h.handleListLogs)
	r.Post("/logs", h.handleAppendLog)
	r.Post("/plan", h.handlePlan)
	r.Post("/outputs", h.handleRecordOutputs)
	r.Post("/status", h.handleReportStatus)
	r.Get("/config", h.handleConfig)
	return r
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return r.Header.Get("X-Callback-Token")
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	moduleID, err := uuid.Parse(chi.URLParam(r, "moduleID"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid module id"))
		return
	}
	run, token, err := h.bridge.ClaimNextRun(r.Context(), moduleID)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, struct {
		Run           store.ModuleRun `json:"run"`
		CallbackToken string          `json:"callbackToken"`
	}{Run: run, CallbackToken: token})
}

func (h *Handler) authenticatedRun(w http.ResponseWriter, r *http.Request) (store.ModuleRun, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, r, apierror.Validation("invalid module run id"))
		return store.ModuleRun{}, false
	}
	run, err := h.bridge.Authenticate(r.Context(), id, bearerToken(r))
	if err != nil {
		httpserver.RespondError(w, r, err)
		return store.ModuleRun{}, false
	}
	return run, true
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authenticatedRun(w, r)
	if !ok {
		return
	}
	httpserver.Respond(w, http.StatusOK, run)
}

func (h *Handler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authenticatedRun(w, r)
	if !ok {
		return
	}
	logs, err := h.bridge.store.ListRunLogs(r.Context(), run.ID, 0, 5000)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, logs)
}

// AppendLogRequest is the body for POST /byoc/runs/{id}/logs.
type AppendLogRequest struct {
	Sequence int64           `json:"sequence" validate:"required"`
	Stream   store.LogStream `json:"stream" validate:"required,oneof=stdout stderr"`
	Content  string          `json:"content" validate:"required"`
}

func (h *Handler) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authenticatedRun(w, r)
	if !ok {
		return
	}
	var req AppendLogRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.bridge.AppendLog(r.Context(), run.ID, req.Sequence, req.Stream, req.Content); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, nil)
}

// PlanRequest is the body for POST /byoc/runs/{id}/plan. At least one of
// planJson/planText is required.
type PlanRequest struct {
	PlanJSON string `json:"planJson"`
	PlanText string `json:"planText"`
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authenticatedRun(w, r)
	if !ok {
		return
	}
	var req PlanRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, r, apierror.Validation("%s", err))
		return
	}
	if err := h.bridge.RecordPlan(r.Context(), run.ID, req.PlanJSON, req.PlanText); err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, nil)
}

// handleRecordOutputs accepts the Terraform-style outputs map —
// `{ key: { value, type?, sensitive? } }` — POST /byoc/runs/{id}/outputs.
func (h *Handler) handleRecordOutputs(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authenticatedRun(w, r)
	if !ok {
		return
	}
	var req map[string]TerraformOutput
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, r, apierror.Validation("%s", err))
		return
	}
	updated, err := h.bridge.RecordOutputs(r.Context(), run.ID, req)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, updated)
}

// handleConfig serves the run's execution descriptor. Its body carries
// resolved secret references and is never logged — only the run and
// module ids are.
func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authenticatedRun(w, r)
	if !ok {
		return
	}
	config, err := h.bridge.ResolveConfig(r.Context(), run)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	h.logger.Info("serving execution config", "run_id", run.ID, "module_id", run.ModuleID)
	httpserver.Respond(w, http.StatusOK, config)
}

// ReportStatusRequest is the body for POST /byoc/runs/{id}/status.
type ReportStatusRequest struct {
	Status             store.RunStatus `json:"status" validate:"required"`
	ResourcesToAdd     *int            `json:"resourcesToAdd"`
	ResourcesToChange  *int            `json:"resourcesToChange"`
	ResourcesToDestroy *int            `json:"resourcesToDestroy"`
	ResourceCountAfter *int            `json:"resourceCountAfter"`
}

func (h *Handler) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authenticatedRun(w, r)
	if !ok {
		return
	}
	var req ReportStatusRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	updated, err := h.bridge.ReportStatus(r.Context(), store.ApplyCallbackStatusParams{
		RunID:              run.ID,
		Status:             req.Status,
		ResourcesToAdd:     req.ResourcesToAdd,
		ResourcesToChange:  req.ResourcesToChange,
		ResourcesToDestroy: req.ResourcesToDestroy,
		ResourceCountAfter: req.ResourceCountAfter,
	})
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, updated)
}
