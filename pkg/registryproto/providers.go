package registryproto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// providerPlatform is the os/arch one provider version binary targets.
// Publishers attach these to a version's metadata.Raw["platforms"]; absent
// that, downloadPlatforms synthesizes a single entry so the protocol still
// returns a well-shaped response (§1's "not real git/OCI transfer" non-goal
// — we emit the correct wire shape, not genuine per-platform artifacts).
type providerPlatform struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Filename string `json:"filename,omitempty"`
	Shasum   string `json:"shasum,omitempty"`
}

const terraformProtocolVersion = "5.0"

func platformsFor(v store.Version) []providerPlatform {
	if raw, ok := v.Metadata.Raw["platforms"]; ok {
		if b, err := json.Marshal(raw); err == nil {
			var platforms []providerPlatform
			if json.Unmarshal(b, &platforms) == nil && len(platforms) > 0 {
				return platforms
			}
		}
	}
	return []providerPlatform{{OS: "linux", Arch: "amd64"}}
}

type providerVersionsResponse struct {
	Versions []providerVersionEntry `json:"versions"`
}

type providerVersionEntry struct {
	Version   string             `json:"version"`
	Protocols []string           `json:"protocols"`
	Platforms []providerPlatform `json:"platforms"`
}

func (h *Handler) handleProviderVersions(w http.ResponseWriter, r *http.Request) {
	ns, ptype := chi.URLParam(r, "ns"), chi.URLParam(r, "ptype")
	artifact, err := h.store.GetArtifactByProvider(r.Context(), ns, ptype, "")
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}
	versions, err := h.store.ListVersions(r.Context(), artifact.ID)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	var entries []providerVersionEntry
	for _, v := range versions {
		if v.ApprovalStatus != store.ApprovalStatusApproved || v.IsBad {
			continue
		}
		entries = append(entries, providerVersionEntry{
			Version:   v.Version,
			Protocols: []string{terraformProtocolVersion},
			Platforms: platformsFor(v),
		})
	}
	httpserver.Respond(w, http.StatusOK, providerVersionsResponse{Versions: entries})
}

// providerDownloadResponse is the providers.v1 per-platform package metadata shape.
type providerDownloadResponse struct {
	Protocols   []string `json:"protocols"`
	OS          string   `json:"os"`
	Arch        string   `json:"arch"`
	Filename    string   `json:"filename"`
	DownloadURL string   `json:"download_url"`
	Shasum      string   `json:"shasum"`
}

func (h *Handler) handleProviderDownload(w http.ResponseWriter, r *http.Request) {
	ns, ptype := chi.URLParam(r, "ns"), chi.URLParam(r, "ptype")
	version, osName, arch := chi.URLParam(r, "version"), chi.URLParam(r, "os"), chi.URLParam(r, "arch")

	artifact, err := h.store.GetArtifactByProvider(r.Context(), ns, ptype, "")
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

	var platform *providerPlatform
	for _, p := range platformsFor(v) {
		if p.OS == osName && p.Arch == arch {
			platform = &p
			break
		}
	}
	if platform == nil {
		httpserver.RespondError(w, r, apierror.NotFound("no package for platform %s_%s", osName, arch))
		return
	}

	filename := platform.Filename
	if filename == "" {
		filename = fmt.Sprintf("terraform-provider-%s_%s_%s_%s.zip", ptype, v.Version, osName, arch)
	}
	shasum := platform.Shasum
	if shasum == "" {
		shasum = syntheticShasum(artifact.ID.String(), v.Version, osName, arch)
	}

	h.recordDownload("providers")
	h.incrementDownloadCount(artifact.ID)

	httpserver.Respond(w, http.StatusOK, providerDownloadResponse{
		Protocols:   []string{terraformProtocolVersion},
		OS:          osName,
		Arch:        arch,
		Filename:    filename,
		DownloadURL: downloadURLFor(artifact.StorageConfig, v.Version, filename),
		Shasum:      shasum,
	})
}

// syntheticShasum stands in for a real per-package checksum, which would
// require actually hosting provider binaries — out of scope per §1.
func syntheticShasum(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "/")))
	return hex.EncodeToString(sum[:])
}

func downloadURLFor(cfg store.StorageConfig, version, filename string) string {
	switch cfg.Type {
	case store.StorageBackendOCI:
		return fmt.Sprintf("%s:%s/%s", cfg.OCIRef, version, filename)
	default:
		return fmt.Sprintf("%s/releases/download/%s%s/%s", cfg.GitRepo, cfg.TagPrefix, version, filename)
	}
}
