package registryproto

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// moduleVersionsResponse is the modules.v1 "list available versions" shape.
type moduleVersionsResponse struct {
	Modules []moduleVersionsEntry `json:"modules"`
}

type moduleVersionsEntry struct {
	Versions []moduleVersionEntry `json:"versions"`
}

type moduleVersionEntry struct {
	Version string `json:"version"`
}

func approvedVersions(versions []store.Version) []moduleVersionEntry {
	var out []moduleVersionEntry
	for _, v := range versions {
		if v.ApprovalStatus == store.ApprovalStatusApproved && !v.IsBad {
			out = append(out, moduleVersionEntry{Version: v.Version})
		}
	}
	return out
}

func (h *Handler) handleModuleVersions(w http.ResponseWriter, r *http.Request) {
	ns, name, provider := chi.URLParam(r, "ns"), chi.URLParam(r, "name"), chi.URLParam(r, "provider")
	artifact, err := h.store.GetArtifactByProvider(r.Context(), ns, name, provider)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	versions, err := h.store.ListVersions(r.Context(), artifact.ID)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, moduleVersionsResponse{
		Modules: []moduleVersionsEntry{{Versions: approvedVersions(versions)}},
	})
}

// handleModuleDownload resolves the module's storage backend into the
// X-Terraform-Get "source address" the Terraform/OpenTofu CLI understands,
// and returns it as a 204 with no body, per the modules.v1 download protocol.
func (h *Handler) handleModuleDownload(w http.ResponseWriter, r *http.Request) {
	ns, name, provider := chi.URLParam(r, "ns"), chi.URLParam(r, "name"), chi.URLParam(r, "provider")
	version := chi.URLParam(r, "version")

	artifact, err := h.store.GetArtifactByProvider(r.Context(), ns, name, provider)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	v, err := h.store.GetVersion(r.Context(), artifact.ID, version)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	result, err := h.gate.DownloadGate(r.Context(), artifact, v)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	if result.Decision == store.DecisionBlock {
		httpserver.RespondError(w, r, apierror.Forbidden("download blocked by policy: %s", strings.Join(result.FailedRules, ", ")))
		return
	}

	path := ""
	if artifact.SourceConfig != nil {
		path = artifact.SourceConfig.WorkingDirectory
	}
	sourceAddr, err := terraformGetAddress(artifact.StorageConfig, v.Version, path)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	h.recordDownload("modules")
	h.incrementDownloadCount(artifact.ID)

	w.Header().Set("X-Terraform-Get", sourceAddr)
	w.WriteHeader(http.StatusNoContent)
}

// terraformGetAddress builds the module source address a Terraform/OpenTofu
// CLI passes to go-getter: a git:// detector string for the git backend, an
// OCI reference for the oci backend.
func terraformGetAddress(cfg store.StorageConfig, version, path string) (string, error) {
	switch cfg.Type {
	case store.StorageBackendGit:
		ref := cfg.TagPrefix + version
		return fmt.Sprintf("git::%s///%s?ref=%s", cfg.GitRepo, path, ref), nil
	case store.StorageBackendOCI:
		return fmt.Sprintf("oci::%s:%s", cfg.OCIRef, version), nil
	default:
		return "", apierror.Internal(nil, "artifact has no recognized storage backend")
	}
}
