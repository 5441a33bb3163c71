// Package cascade enqueues downstream plan runs when an artifact version is
// approved: every module across every environment that pins that artifact
// and opted into auto-planning gets a cascade-priority plan run, fired off
// the approval request path via internal/background so a slow environment
// never holds up the approval response.
package cascade

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/background"
	"github.com/butlerdotdev/butler-registry/internal/store"
	"github.com/butlerdotdev/butler-registry/internal/telemetry"
)

// Manager enqueues cascade plan runs on version approval.
type Manager struct {
	logger *slog.Logger
	store  *store.PostgresStore
	queue  *background.Queue
}

// NewManager builds a cascade Manager.
func NewManager(logger *slog.Logger, s *store.PostgresStore, q *background.Queue) *Manager {
	return &Manager{logger: logger, store: s, queue: q}
}

// OnVersionApproved is called synchronously right after a version transitions
// to approved. It enqueues the actual fan-out as a background task so the
// approval response isn't held up by however many modules reference the
// artifact.
func (m *Manager) OnVersionApproved(artifactID uuid.UUID) {
	m.queue.Enqueue(func(ctx context.Context) {
		m.cascade(ctx, artifactID)
	})
}

// cascade finds every module that references artifactID, is in an unlocked
// active environment, and opted into AutoPlanOnModuleUpdate, and enqueues a
// cascade-priority plan run on each. One module's failure (a locked
// environment, a queue error) never stops the fan-out to the rest.
func (m *Manager) cascade(ctx context.Context, artifactID uuid.UUID) {
	modules, err := m.store.ListModulesByArtifact(ctx, artifactID)
	if err != nil {
		m.logger.ErrorContext(ctx, "cascade: listing modules by artifact failed", "artifact_id", artifactID, "error", err)
		return
	}

	for _, module := range modules {
		if !module.AutoPlanOnModuleUpdate {
			continue
		}
		env, envErr := m.store.GetEnvironment(ctx, module.EnvironmentID)
		if envErr != nil || env.Status != store.EnvironmentStatusActive {
			m.logger.WarnContext(ctx, "cascade: skipping inactive environment", "module_id", module.ID, "environment_id", module.EnvironmentID)
			continue
		}
		if err := m.store.RequireUnlocked(ctx, module.EnvironmentID); err != nil {
			m.logger.WarnContext(ctx, "cascade: skipping locked environment", "module_id", module.ID, "environment_id", module.EnvironmentID)
			continue
		}

		_, err := m.store.CreateModuleRun(ctx, store.CreateModuleRunParams{
			ModuleID:             module.ID,
			EnvironmentID:        module.EnvironmentID,
			Operation:            store.OperationPlan,
			Mode:                 module.ExecutionMode,
			Priority:             store.PriorityCascade,
			StateBackendSnapshot: module.StateBackend,
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "cascade: creating plan run failed", "module_id", module.ID, "error", err)
			continue
		}
		telemetry.CascadeEnqueuedTotal.Inc()
	}
}
