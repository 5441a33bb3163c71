// Package dag drives an environment-wide run across its module dependency
// graph: computing a topological execution order, dispatching modules whose
// upstreams are already satisfied, holding the rest until their turn, and
// propagating a failure to every module downstream of it instead of running
// them against a dependency that never produced a usable state.
package dag

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
	"github.com/butlerdotdev/butler-registry/internal/store"
)

// Executor runs one EnvironmentRun's module DAG to completion.
type Executor struct {
	store *store.PostgresStore
}

// NewExecutor builds an Executor over the given Store.
func NewExecutor(s *store.PostgresStore) *Executor {
	return &Executor{store: s}
}

var operationForEnvOp = map[store.EnvironmentRunOperation]store.RunOperation{
	store.EnvOperationPlanAll:    store.OperationPlan,
	store.EnvOperationApplyAll:   store.OperationApply,
	store.EnvOperationDestroyAll: store.OperationDestroy,
}

// StartEnvironmentRun computes the environment's topological order, excludes
// the given modules together with everything downstream of them (the
// exclusion closure — skipping a module but still running its dependents
// against stale state is never correct), and creates one ModuleRun per
// remaining module: queued immediately if it has no included upstream,
// held (StartPending) otherwise.
func (e *Executor) StartEnvironmentRun(ctx context.Context, environmentID uuid.UUID, operation store.EnvironmentRunOperation, excludeModuleIDs []uuid.UUID) (store.EnvironmentRun, error) {
	if err := e.store.RequireUnlocked(ctx, environmentID); err != nil {
		return store.EnvironmentRun{}, err
	}

	runOp, ok := operationForEnvOp[operation]
	if !ok {
		return store.EnvironmentRun{}, apierror.Validation("unsupported environment run operation %q", operation)
	}

	order, err := e.store.TopologicalSort(ctx, environmentID)
	if err != nil {
		return store.EnvironmentRun{}, err
	}

	excluded, err := e.exclusionClosure(ctx, excludeModuleIDs)
	if err != nil {
		return store.EnvironmentRun{}, err
	}

	var included []uuid.UUID
	for _, id := range order {
		if !excluded[id] {
			included = append(included, id)
		}
	}
	if len(included) == 0 {
		return store.EnvironmentRun{}, apierror.Validation("every module in the environment was excluded from this run")
	}
	includedSet := make(map[uuid.UUID]bool, len(included))
	for _, id := range included {
		includedSet[id] = true
	}

	envRun, err := e.store.CreateEnvironmentRun(ctx, environmentID, operation, included)
	if err != nil {
		return store.EnvironmentRun{}, err
	}

	for _, moduleID := range included {
		module, err := e.store.GetModule(ctx, moduleID)
		if err != nil {
			return store.EnvironmentRun{}, err
		}
		upstreams, err := e.store.DirectUpstreams(ctx, moduleID)
		if err != nil {
			return store.EnvironmentRun{}, err
		}
		ready := isReady(upstreams, includedSet, nil)

		_, err = e.store.CreateModuleRun(ctx, store.CreateModuleRunParams{
			ModuleID:             moduleID,
			EnvironmentID:        environmentID,
			EnvironmentRunID:     &envRun.ID,
			Operation:            runOp,
			Mode:                 module.ExecutionMode,
			Priority:             store.PriorityUser,
			StateBackendSnapshot: module.StateBackend,
			StartPending:         !ready,
		})
		if err != nil {
			return store.EnvironmentRun{}, err
		}
	}

	return envRun, nil
}

// exclusionClosure expands the caller's explicit exclusions to every module
// transitively downstream of one, via DirectDependents BFS.
func (e *Executor) exclusionClosure(ctx context.Context, seed []uuid.UUID) (map[uuid.UUID]bool, error) {
	return bfsClosure(seed, func(id uuid.UUID) ([]uuid.UUID, error) {
		return e.store.DirectDependents(ctx, id)
	})
}

// bfsClosure computes the set reachable from seed (seed included) by
// repeatedly calling next, a pure graph traversal kept separate from Store
// access so it can be unit tested against a fake adjacency.
func bfsClosure(seed []uuid.UUID, next func(uuid.UUID) ([]uuid.UUID, error)) (map[uuid.UUID]bool, error) {
	closure := map[uuid.UUID]bool{}
	queue := append([]uuid.UUID{}, seed...)
	for _, id := range seed {
		closure[id] = true
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		neighbors, err := next(current)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if !closure[n] {
				closure[n] = true
				queue = append(queue, n)
			}
		}
	}
	return closure, nil
}

// isReady reports whether every upstream of a module that is itself part of
// this run is satisfied — succeeded or, for a plan-all run, planned — the
// readiness test used both to decide a module's initial placement (every
// upstream already satisfied, then empty) and to release held runs as their
// upstreams complete.
func isReady(upstreams []uuid.UUID, partOfRun, satisfied map[uuid.UUID]bool) bool {
	for _, u := range upstreams {
		if partOfRun[u] && !satisfied[u] {
			return false
		}
	}
	return true
}

// isSatisfyingStatus reports whether a ModuleRun's status counts as
// "upstream satisfied" for its dependents: succeeded for a normal run, or
// planned for a plan-all run (which never reaches succeeded).
func isSatisfyingStatus(s store.RunStatus) bool {
	return s == store.RunStatusSucceeded || s == store.RunStatusPlanned
}

// AdvanceOnOutcome is called once a constituent ModuleRun of environmentRunID
// reaches a terminal state, or reaches `planned` (a plan-all run's visible
// completion state — it never reaches `succeeded`): it updates the
// EnvironmentRun's aggregate counters, then either propagates the failure to
// every downstream module (marking their held runs skipped) or releases
// newly-ready held runs whose upstreams are now all satisfied.
func (e *Executor) AdvanceOnOutcome(ctx context.Context, environmentRunID uuid.UUID, completedModuleID uuid.UUID, outcome store.RunStatus) error {
	return e.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := e.store.RecordModuleRunOutcome(ctx, tx, environmentRunID, outcome); err != nil {
			return err
		}
		switch outcome {
		case store.RunStatusFailed, store.RunStatusCancelled:
			return e.propagateFailure(ctx, tx, environmentRunID, completedModuleID)
		case store.RunStatusSucceeded, store.RunStatusPlanned:
			return e.releaseReady(ctx, tx, environmentRunID)
		default:
			return nil
		}
	})
}

// propagateFailure walks every module transitively downstream of failedModuleID
// and, for each one still held (pending, not yet released into the queue)
// within this environment run, marks its run skipped and folds that outcome
// into the environment run's counters — a failed dependency can never
// produce a plan worth running against.
func (e *Executor) propagateFailure(ctx context.Context, tx pgx.Tx, environmentRunID, failedModuleID uuid.UUID) error {
	runs, err := e.store.ListEnvironmentRunModuleRuns(ctx, environmentRunID)
	if err != nil {
		return err
	}
	byModule := make(map[uuid.UUID]store.ModuleRun, len(runs))
	for _, r := range runs {
		byModule[r.ModuleID] = r
	}

	downstream, err := bfsClosure([]uuid.UUID{failedModuleID}, func(id uuid.UUID) ([]uuid.UUID, error) {
		return e.store.DirectDependents(ctx, id)
	})
	if err != nil {
		return err
	}
	delete(downstream, failedModuleID)

	for moduleID := range downstream {
		run, ok := byModule[moduleID]
		if !ok || run.Status != store.RunStatusPending || run.QueuePosition != nil {
			continue
		}
		if _, err := e.store.TransitionModuleRun(ctx, tx, run.ID, store.RunStatusSkipped, "upstream module failed"); err != nil {
			return err
		}
		if _, err := e.store.RecordModuleRunOutcome(ctx, tx, environmentRunID, store.RunStatusSkipped); err != nil {
			return err
		}
	}
	return nil
}

// releaseReady promotes every held run whose module's included upstreams are
// all satisfied (succeeded, or planned for a plan-all run) from pending (no
// queue position) to queued.
func (e *Executor) releaseReady(ctx context.Context, tx pgx.Tx, environmentRunID uuid.UUID) error {
	runs, err := e.store.ListEnvironmentRunModuleRuns(ctx, environmentRunID)
	if err != nil {
		return err
	}

	partOfRun := make(map[uuid.UUID]bool, len(runs))
	satisfied := make(map[uuid.UUID]bool, len(runs))
	for _, r := range runs {
		partOfRun[r.ModuleID] = true
		if isSatisfyingStatus(r.Status) {
			satisfied[r.ModuleID] = true
		}
	}

	for _, r := range runs {
		if r.Status != store.RunStatusPending || r.QueuePosition != nil {
			continue
		}
		upstreams, err := e.store.DirectUpstreams(ctx, r.ModuleID)
		if err != nil {
			return err
		}
		if isReady(upstreams, partOfRun, satisfied) {
			if _, err := e.store.ReleaseHeldModuleRun(ctx, tx, r.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
