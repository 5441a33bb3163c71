package registryproto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/butlerdotdev/butler-registry/internal/httpserver"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// listNamespaceCharts pages through every chart artifact in the namespace,
// since a Helm index must be complete — a repository client has no way to
// ask for "the next page" of an index.yaml.
func (h *Handler) listNamespaceCharts(ctx context.Context, ns string) ([]store.Artifact, error) {
	var out []store.Artifact
	var cursor *store.CursorKey
	for {
		page, err := h.store.ListArtifacts(ctx, store.ListArtifactsParams{
			Type:   store.ArtifactTypeChart,
			Cursor: cursor,
			Limit:  100,
		})
		if err != nil {
			return nil, err
		}
		for _, a := range page {
			if a.Namespace == ns {
				out = append(out, a)
			}
		}
		if len(page) < 100 {
			return out, nil
		}
		last := page[len(page)-1]
		cursor = &store.CursorKey{SortValue: last.CreatedAt, ID: last.ID}
	}
}

// helmIndex is the top-level shape of a Helm chart repository index.yaml.
type helmIndex struct {
	APIVersion string                        `yaml:"apiVersion"`
	Entries    map[string][]helmChartVersion `yaml:"entries"`
	Generated  string                        `yaml:"generated"`
}

// helmChartVersion is one chart version entry within index.yaml.
type helmChartVersion struct {
	APIVersion string   `yaml:"apiVersion"`
	Name       string   `yaml:"name"`
	Version    string   `yaml:"version"`
	AppVersion string   `yaml:"appVersion,omitempty"`
	Home       string   `yaml:"home,omitempty"`
	Created    string   `yaml:"created"`
	URLs       []string `yaml:"urls"`
}

// handleHelmIndex serves a namespace's charts as a Helm repository index,
// ETag-cached on the SHA-256 of the serialized entries so `helm repo update`
// can cheaply no-op via If-None-Match.
func (h *Handler) handleHelmIndex(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "ns")

	artifacts, err := h.listNamespaceCharts(r.Context(), ns)
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	entries := map[string][]helmChartVersion{}
	for _, a := range artifacts {
		versions, err := h.store.ListVersions(r.Context(), a.ID)
		if err != nil {
			httpserver.RespondError(w, r, err)
			return
		}
		for _, v := range versions {
			if v.ApprovalStatus != store.ApprovalStatusApproved || v.IsBad {
				continue
			}
			entry := helmChartVersion{
				APIVersion: "v2",
				Name:       a.Name,
				Version:    v.Version,
				Created:    v.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"),
				URLs:       []string{downloadURLFor(a.StorageConfig, v.Version, a.Name+"-"+v.Version+".tgz")},
			}
			if v.Metadata.Helm != nil {
				entry.AppVersion = v.Metadata.Helm.AppVersion
				entry.Home = v.Metadata.Helm.Home
			}
			entries[a.Name] = append(entries[a.Name], entry)
		}
	}

	for name := range entries {
		sort.Slice(entries[name], func(i, j int) bool {
			return entries[name][i].Created > entries[name][j].Created
		})
	}

	body, err := yaml.Marshal(helmIndex{
		APIVersion: "v1",
		Entries:    entries,
		Generated:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		httpserver.RespondError(w, r, err)
		return
	}

	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.recordDownload("helm")

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
