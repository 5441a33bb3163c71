// Package registryproto serves the wire-compatible registry protocols a
// Terraform/OpenTofu CLI, a `helm repo add`, and an OCI client speak
// natively: the .well-known discovery documents, the modules.v1/providers.v1
// download protocol, a Helm chart index, and a minimal OCI v2 root. Every
// download is gated by the governance policy resolver before it is served.
package registryproto

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/background"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/store"
	"github.com/butlerdotdev/butler-registry/internal/telemetry"
	"github.com/butlerdotdev/butler-registry/pkg/policy"
)

// Handler serves the registry wire protocols.
type Handler struct {
	logger *slog.Logger
	store  *store.PostgresStore
	gate   *policy.Gate
	queue  *background.Queue
}

// NewHandler builds a registryproto Handler.
func NewHandler(logger *slog.Logger, s *store.PostgresStore, gate *policy.Gate, queue *background.Queue) *Handler {
	return &Handler{logger: logger, store: s, gate: gate, queue: queue}
}

// Mount registers every registry-protocol path directly on r, since the
// paths this protocol defines (.well-known discovery, /v1/modules,
// /v1/providers, /helm, /oci/v2) don't share one mountable prefix.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/.well-known/terraform.json", h.handleDiscovery)
	r.Get("/.well-known/opentofu.json", h.handleDiscovery)

	r.Get("/v1/modules/{ns}/{name}/{provider}/versions", h.handleModuleVersions)
	r.Get("/v1/modules/{ns}/{name}/{provider}/{version}/download", h.handleModuleDownload)

	r.Get("/v1/providers/{ns}/{ptype}/versions", h.handleProviderVersions)
	r.Get("/v1/providers/{ns}/{ptype}/{version}/download/{os}/{arch}", h.handleProviderDownload)

	r.Get("/helm/{ns}/index.yaml", h.handleHelmIndex)

	r.Get("/oci/v2/", h.handleOCIRoot)
}

// discoveryDocument names the well-known service endpoints, per the
// Terraform/OpenTofu registry protocol discovery contract.
type discoveryDocument struct {
	ModulesV1   string `json:"modules.v1"`
	ProvidersV1 string `json:"providers.v1"`
}

func (h *Handler) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, discoveryDocument{
		ModulesV1:   "/v1/modules/",
		ProvidersV1: "/v1/providers/",
	})
}

func (h *Handler) handleOCIRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	httpserver.Respond(w, http.StatusOK, struct{}{})
}

func (h *Handler) recordDownload(protocol string) {
	telemetry.DownloadsTotal.WithLabelValues(protocol).Inc()
}

// incrementDownloadCount bumps the artifact's counter off the request path —
// a download is already being served by the time this runs, so a dropped or
// delayed increment never affects the response.
func (h *Handler) incrementDownloadCount(artifactID uuid.UUID) {
	h.queue.Enqueue(func(ctx context.Context) {
		if err := h.store.IncrementDownloadCount(ctx, artifactID); err != nil {
			h.logger.ErrorContext(ctx, "incrementing artifact download count failed", "error", err)
		}
	})
}
