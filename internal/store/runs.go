package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

const moduleRunColumns = `id, module_id, environment_id, environment_run_id, operation, mode,
	status, priority, queue_position, callback_token_hash, variables_snapshot,
	env_vars_snapshot, state_backend_snapshot, tf_outputs, resources_to_add,
	resources_to_change, resources_to_destroy, resource_count_after,
	confirmed_by, confirmed_at, skip_reason, queued_at, started_at, completed_at,
	duration_seconds, created_at, updated_at`

func scanModuleRunRow(row pgx.Row) (ModuleRun, error) {
	var r ModuleRun
	var variablesSnapshot, envVarsSnapshot, stateBackendSnapshot, tfOutputs []byte
	err := row.Scan(
		&r.ID, &r.ModuleID, &r.EnvironmentID, &r.EnvironmentRunID, &r.Operation, &r.Mode,
		&r.Status, &r.Priority, &r.QueuePosition, &r.CallbackTokenHash, &variablesSnapshot,
		&envVarsSnapshot, &stateBackendSnapshot, &tfOutputs, &r.ResourcesToAdd,
		&r.ResourcesToChange, &r.ResourcesToDestroy, &r.ResourceCountAfter,
		&r.ConfirmedBy, &r.ConfirmedAt, &r.SkipReason, &r.QueuedAt, &r.StartedAt, &r.CompletedAt,
		&r.DurationSeconds, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return ModuleRun{}, err
	}
	if len(variablesSnapshot) > 0 {
		if err := json.Unmarshal(variablesSnapshot, &r.VariablesSnapshot); err != nil {
			return ModuleRun{}, fmt.Errorf("unmarshaling variables_snapshot: %w", err)
		}
	}
	if len(envVarsSnapshot) > 0 {
		if err := json.Unmarshal(envVarsSnapshot, &r.EnvVarsSnapshot); err != nil {
			return ModuleRun{}, fmt.Errorf("unmarshaling env_vars_snapshot: %w", err)
		}
	}
	if len(stateBackendSnapshot) > 0 {
		if err := json.Unmarshal(stateBackendSnapshot, &r.StateBackendSnapshot); err != nil {
			return ModuleRun{}, fmt.Errorf("unmarshaling state_backend_snapshot: %w", err)
		}
	}
	if len(tfOutputs) > 0 {
		if err := json.Unmarshal(tfOutputs, &r.TFOutputs); err != nil {
			return ModuleRun{}, fmt.Errorf("unmarshaling tf_outputs: %w", err)
		}
	}
	return r, nil
}

func scanModuleRunRows(rows pgx.Rows) ([]ModuleRun, error) {
	defer rows.Close()
	var items []ModuleRun
	for rows.Next() {
		r, err := scanModuleRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning module run row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// CreateModuleRunParams holds the fields accepted when creating a ModuleRun.
type CreateModuleRunParams struct {
	ModuleID             uuid.UUID
	EnvironmentID        uuid.UUID
	EnvironmentRunID     *uuid.UUID
	Operation            RunOperation
	Mode                 ExecutionMode
	Priority             RunPriority
	CallbackTokenHash    string
	VariablesSnapshot    map[string]any
	EnvVarsSnapshot      map[string]string
	StateBackendSnapshot StateBackendConfig
	// StartPending forces the run to start in `pending` regardless of queue
	// state — used by the DAG executor for modules with unsatisfied upstreams.
	StartPending bool
}

// CreateModuleRun inserts a run per the queue's placement rules: `queued` if
// the module has no active run, else `pending` with a queue_position. If
// the new run is cascade-priority, older queued cascade runs for the same
// module are deleted first ("latest-wins coalescing") before the position
// is computed. StartPending always starts the run in `pending` with no
// queue position (used by the DAG executor for unsatisfied modules).
func (s *PostgresStore) CreateModuleRun(ctx context.Context, p CreateModuleRunParams) (ModuleRun, error) {
	variablesSnapshot, err := json.Marshal(p.VariablesSnapshot)
	if err != nil {
		return ModuleRun{}, apierror.Internal(err, "marshaling variables_snapshot")
	}
	envVarsSnapshot, err := json.Marshal(p.EnvVarsSnapshot)
	if err != nil {
		return ModuleRun{}, apierror.Internal(err, "marshaling env_vars_snapshot")
	}
	stateBackendSnapshot, err := json.Marshal(p.StateBackendSnapshot)
	if err != nil {
		return ModuleRun{}, apierror.Internal(err, "marshaling state_backend_snapshot")
	}

	var result ModuleRun
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if p.StartPending {
			row := tx.QueryRow(ctx, `INSERT INTO module_runs (
				module_id, environment_id, environment_run_id, operation, mode, status, priority,
				callback_token_hash, variables_snapshot, env_vars_snapshot, state_backend_snapshot
			) VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9, $10)
			RETURNING `+moduleRunColumns,
				p.ModuleID, p.EnvironmentID, p.EnvironmentRunID, p.Operation, p.Mode, p.Priority,
				p.CallbackTokenHash, variablesSnapshot, envVarsSnapshot, stateBackendSnapshot)
			created, err := scanModuleRunRow(row)
			if err != nil {
				return apierror.Internal(err, "creating module run")
			}
			result = created
			return nil
		}

		var activeCount int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM module_runs
			WHERE module_id = $1 AND status IN ('running', 'planned', 'applying')`, p.ModuleID).Scan(&activeCount); err != nil {
			return apierror.Internal(err, "checking active run")
		}

		if p.Priority == PriorityCascade {
			if _, err := tx.Exec(ctx, `DELETE FROM module_runs
				WHERE module_id = $1 AND priority = 'cascade'
				AND (status = 'queued' OR (status = 'pending' AND queue_position IS NOT NULL))`, p.ModuleID); err != nil {
				return apierror.Internal(err, "coalescing cascade runs")
			}
		}

		if activeCount == 0 {
			row := tx.QueryRow(ctx, `INSERT INTO module_runs (
				module_id, environment_id, environment_run_id, operation, mode, status, priority,
				callback_token_hash, variables_snapshot, env_vars_snapshot, state_backend_snapshot,
				queued_at
			) VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7, $8, $9, $10, now())
			RETURNING `+moduleRunColumns,
				p.ModuleID, p.EnvironmentID, p.EnvironmentRunID, p.Operation, p.Mode, p.Priority,
				p.CallbackTokenHash, variablesSnapshot, envVarsSnapshot, stateBackendSnapshot)
			created, err := scanModuleRunRow(row)
			if err != nil {
				return apierror.Internal(err, "creating module run")
			}
			result = created
			return nil
		}

		var maxPosition int
		if err := tx.QueryRow(ctx, `SELECT coalesce(max(queue_position), 0) FROM module_runs
			WHERE module_id = $1 AND status = 'pending' AND queue_position IS NOT NULL`, p.ModuleID).Scan(&maxPosition); err != nil {
			return apierror.Internal(err, "computing queue position")
		}
		_, queuePosition := nextQueuePlacement(activeCount, maxPosition)

		row := tx.QueryRow(ctx, `INSERT INTO module_runs (
			module_id, environment_id, environment_run_id, operation, mode, status, priority,
			queue_position, callback_token_hash, variables_snapshot, env_vars_snapshot, state_backend_snapshot
		) VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9, $10, $11)
		RETURNING `+moduleRunColumns,
			p.ModuleID, p.EnvironmentID, p.EnvironmentRunID, p.Operation, p.Mode, p.Priority,
			*queuePosition, p.CallbackTokenHash, variablesSnapshot, envVarsSnapshot, stateBackendSnapshot)
		created, err := scanModuleRunRow(row)
		if err != nil {
			return apierror.Internal(err, "creating module run")
		}
		result = created
		return nil
	})
	if err != nil {
		return ModuleRun{}, err
	}
	return result, nil
}

// queuedRunCandidate is the minimal projection of a pending ModuleRun
// DequeueNextModuleRun needs to decide which one goes next.
type queuedRunCandidate struct {
	ID            uuid.UUID
	Priority      RunPriority
	QueuePosition int
}

// queuedRunLess reports whether a should be promoted before b: user-priority
// runs always precede cascade-priority ones, and ties break on ascending
// queue_position.
func queuedRunLess(a, b queuedRunCandidate) bool {
	aUser := a.Priority == PriorityUser
	bUser := b.Priority == PriorityUser
	if aUser != bUser {
		return aUser
	}
	return a.QueuePosition < b.QueuePosition
}

// selectNextQueued picks which pending candidate to promote next, mirroring
// the SQL ordering `ORDER BY (priority != 'user'), queue_position ASC`.
// Returns false if candidates is empty. Extracted as pure logic, independent
// of DequeueNextModuleRun's row locking, so it's directly testable.
func selectNextQueued(candidates []queuedRunCandidate) (queuedRunCandidate, bool) {
	if len(candidates) == 0 {
		return queuedRunCandidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if queuedRunLess(c, best) {
			best = c
		}
	}
	return best, true
}

// nextQueuePlacement decides a new run's initial status and queue position
// given how many runs are currently active for the module and the highest
// queue_position already pending. No active run places it straight into
// queued; otherwise it's pending, one past the current tail of the queue.
// Extracted from CreateModuleRun as pure logic so it's testable without a
// database.
func nextQueuePlacement(activeCount, maxQueuePosition int) (status RunStatus, queuePosition *int) {
	if activeCount == 0 {
		return RunStatusQueued, nil
	}
	pos := maxQueuePosition + 1
	return RunStatusPending, &pos
}

// DequeueNextModuleRun transactionally promotes the module's smallest
// (priority_user_first, queue_position) pending run to queued, then
// compacts the remaining pending runs' positions. Returns (ModuleRun{},
// false, nil) if there is nothing to dequeue.
func (s *PostgresStore) DequeueNextModuleRun(ctx context.Context, moduleID uuid.UUID) (ModuleRun, bool, error) {
	var result ModuleRun
	var found bool

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, priority, queue_position FROM module_runs
			WHERE module_id = $1 AND status = 'pending' AND queue_position IS NOT NULL
			FOR UPDATE`, moduleID)
		if err != nil {
			return apierror.Internal(err, "listing pending runs")
		}
		var candidates []queuedRunCandidate
		for rows.Next() {
			var c queuedRunCandidate
			if err := rows.Scan(&c.ID, &c.Priority, &c.QueuePosition); err != nil {
				rows.Close()
				return fmt.Errorf("scanning pending run candidate: %w", err)
			}
			candidates = append(candidates, c)
		}
		scanErr := rows.Err()
		rows.Close()
		if scanErr != nil {
			return apierror.Internal(scanErr, "listing pending runs")
		}

		chosen, ok := selectNextQueued(candidates)
		if !ok {
			return nil
		}

		promoted, err := scanModuleRunRow(tx.QueryRow(ctx, `UPDATE module_runs
			SET status = 'queued', queue_position = NULL, queued_at = now(), updated_at = now()
			WHERE id = $1 RETURNING `+moduleRunColumns, chosen.ID))
		if err != nil {
			return apierror.Internal(err, "promoting run to queued")
		}

		if _, err := tx.Exec(ctx, `UPDATE module_runs SET queue_position = queue_position - 1
			WHERE module_id = $1 AND status = 'pending' AND queue_position > $2`, moduleID, chosen.QueuePosition); err != nil {
			return apierror.Internal(err, "compacting queue positions")
		}

		result = promoted
		found = true
		return nil
	})
	if err != nil {
		return ModuleRun{}, false, err
	}
	return result, found, nil
}

// GetQueuedModuleRun returns the module's existing queued-but-unstarted run,
// if any. CreateModuleRun inserts a run straight into 'queued' when the
// module is otherwise idle (the common case for a single ad hoc or
// plan-all-spawned run), bypassing the 'pending' staging status entirely;
// DequeueNextModuleRun alone would never see that run since it only
// promotes 'pending' rows.
func (s *PostgresStore) GetQueuedModuleRun(ctx context.Context, moduleID uuid.UUID) (ModuleRun, bool, error) {
	query := `SELECT ` + moduleRunColumns + ` FROM module_runs
		WHERE module_id = $1 AND status = 'queued' AND started_at IS NULL
		ORDER BY created_at ASC LIMIT 1`
	r, err := scanModuleRunRow(s.pool.QueryRow(ctx, query, moduleID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return ModuleRun{}, false, nil
		}
		return ModuleRun{}, false, apierror.Internal(err, "getting queued module run")
	}
	return r, true, nil
}

// GetModuleRun returns a run by id.
func (s *PostgresStore) GetModuleRun(ctx context.Context, id uuid.UUID) (ModuleRun, error) {
	query := `SELECT ` + moduleRunColumns + ` FROM module_runs WHERE id = $1`
	r, err := scanModuleRunRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return ModuleRun{}, wrapNotFound(err, "module run %s not found", id)
	}
	return r, nil
}

// ListModuleRuns returns a module's runs, most recent first.
func (s *PostgresStore) ListModuleRuns(ctx context.Context, moduleID uuid.UUID, limit int) ([]ModuleRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	query := `SELECT ` + moduleRunColumns + ` FROM module_runs WHERE module_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, moduleID, limit)
	if err != nil {
		return nil, apierror.Internal(err, "listing module runs")
	}
	return scanModuleRunRows(rows)
}

// ListEnvironmentRunModuleRuns returns every ModuleRun spawned by one EnvironmentRun.
func (s *PostgresStore) ListEnvironmentRunModuleRuns(ctx context.Context, environmentRunID uuid.UUID) ([]ModuleRun, error) {
	query := `SELECT ` + moduleRunColumns + ` FROM module_runs WHERE environment_run_id = $1`
	rows, err := s.pool.Query(ctx, query, environmentRunID)
	if err != nil {
		return nil, apierror.Internal(err, "listing environment run module runs")
	}
	return scanModuleRunRows(rows)
}

// TransitionModuleRun moves a run to a new status with optional terminal
// bookkeeping (completed_at/duration_seconds are stamped automatically for
// terminal statuses). Used by the BYOC bridge and the DAG executor.
func (s *PostgresStore) TransitionModuleRun(ctx context.Context, tx pgx.Tx, id uuid.UUID, newStatus RunStatus, skipReason string) (ModuleRun, error) {
	exec := s.pool.QueryRow
	if tx != nil {
		exec = tx.QueryRow
	}

	terminal := isTerminalRunStatus(newStatus)
	var query string
	var args []any
	if terminal {
		query = `UPDATE module_runs SET status = $2, skip_reason = $3, completed_at = now(),
			duration_seconds = CASE WHEN started_at IS NOT NULL THEN extract(epoch FROM now() - started_at)::int ELSE NULL END,
			updated_at = now() WHERE id = $1 RETURNING ` + moduleRunColumns
		args = []any{id, newStatus, skipReason}
	} else {
		query = `UPDATE module_runs SET status = $2, skip_reason = $3, updated_at = now() WHERE id = $1 RETURNING ` + moduleRunColumns
		args = []any{id, newStatus, skipReason}
	}

	r, err := scanModuleRunRow(exec(ctx, query, args...))
	if err != nil {
		return ModuleRun{}, wrapNotFound(err, "module run %s not found", id)
	}
	return r, nil
}

// ReleaseHeldModuleRun promotes a run the DAG executor created with
// StartPending (status pending, no queue position, held back because its
// upstream dependencies had not yet succeeded) directly to queued, once the
// executor determines those dependencies are now satisfied.
func (s *PostgresStore) ReleaseHeldModuleRun(ctx context.Context, tx pgx.Tx, id uuid.UUID) (ModuleRun, error) {
	exec := s.pool.QueryRow
	if tx != nil {
		exec = tx.QueryRow
	}
	query := `UPDATE module_runs SET status = 'queued', queued_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending' AND queue_position IS NULL
		RETURNING ` + moduleRunColumns
	r, err := scanModuleRunRow(exec(ctx, query, id))
	if err != nil {
		return ModuleRun{}, wrapNotFound(err, "module run %s not found", id)
	}
	return r, nil
}

// LatestSuccessfulModuleRun returns a module's most recently completed
// succeeded run, used to project its tf_outputs into a dependent module's
// upstreamOutputs. ok is false if the module has never succeeded.
func (s *PostgresStore) LatestSuccessfulModuleRun(ctx context.Context, moduleID uuid.UUID) (ModuleRun, bool, error) {
	query := `SELECT ` + moduleRunColumns + ` FROM module_runs
		WHERE module_id = $1 AND status = 'succeeded'
		ORDER BY completed_at DESC NULLS LAST, created_at DESC LIMIT 1`
	r, err := scanModuleRunRow(s.pool.QueryRow(ctx, query, moduleID))
	if err == pgx.ErrNoRows {
		return ModuleRun{}, false, nil
	}
	if err != nil {
		return ModuleRun{}, false, apierror.Internal(err, "finding latest successful module run")
	}
	return r, true, nil
}

// SetTFOutputs overwrites a run's simplified {key: value} terraform
// outputs — the bridge-side simplification of the runner's Terraform-style
// outputs map, and the form a downstream module's upstreamOutputs
// projection reads back.
func (s *PostgresStore) SetTFOutputs(ctx context.Context, runID uuid.UUID, outputs map[string]any) (ModuleRun, error) {
	payload, err := json.Marshal(outputs)
	if err != nil {
		return ModuleRun{}, apierror.Internal(err, "marshaling tf outputs")
	}
	query := `UPDATE module_runs SET tf_outputs = $2, updated_at = now() WHERE id = $1 RETURNING ` + moduleRunColumns
	r, err := scanModuleRunRow(s.pool.QueryRow(ctx, query, runID, payload))
	if err != nil {
		return ModuleRun{}, wrapNotFound(err, "module run %s not found", runID)
	}
	return r, nil
}

func isTerminalRunStatus(s RunStatus) bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut,
		RunStatusDiscarded, RunStatusSkipped:
		return true
	default:
		return false
	}
}

// MarkModuleRunStarted stamps started_at on transition into an active status.
func (s *PostgresStore) MarkModuleRunStarted(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE module_runs SET started_at = now(), updated_at = now()
		WHERE id = $1 AND started_at IS NULL`, id)
	if err != nil {
		return apierror.Internal(err, "marking run started")
	}
	return nil
}

// ConfirmModuleRun records the confirming actor and moves a planned run to confirmed.
func (s *PostgresStore) ConfirmModuleRun(ctx context.Context, id uuid.UUID, confirmedBy string) (ModuleRun, error) {
	query := `UPDATE module_runs SET status = 'confirmed', confirmed_by = $2, confirmed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'planned' RETURNING ` + moduleRunColumns
	r, err := scanModuleRunRow(s.pool.QueryRow(ctx, query, id, confirmedBy))
	if err == pgx.ErrNoRows {
		if _, getErr := s.GetModuleRun(ctx, id); getErr != nil {
			return ModuleRun{}, getErr
		}
		return ModuleRun{}, apierror.Conflict("module run %s is not in planned state", id)
	}
	if err != nil {
		return ModuleRun{}, apierror.Internal(err, "confirming module run")
	}
	return r, nil
}

// CancelModuleRun cancels a run in pending/queued/planned state.
func (s *PostgresStore) CancelModuleRun(ctx context.Context, id uuid.UUID) (ModuleRun, error) {
	query := `UPDATE module_runs SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'queued', 'planned')
		RETURNING ` + moduleRunColumns
	r, err := scanModuleRunRow(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		if _, getErr := s.GetModuleRun(ctx, id); getErr != nil {
			return ModuleRun{}, getErr
		}
		return ModuleRun{}, apierror.Conflict("module run %s cannot be cancelled from its current state", id)
	}
	if err != nil {
		return ModuleRun{}, apierror.Internal(err, "cancelling module run")
	}
	return r, nil
}

// DiscardModuleRun discards a planned run that was never confirmed.
func (s *PostgresStore) DiscardModuleRun(ctx context.Context, id uuid.UUID) (ModuleRun, error) {
	query := `UPDATE module_runs SET status = 'discarded', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'planned' RETURNING ` + moduleRunColumns
	r, err := scanModuleRunRow(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		if _, getErr := s.GetModuleRun(ctx, id); getErr != nil {
			return ModuleRun{}, getErr
		}
		return ModuleRun{}, apierror.Conflict("module run %s is not in planned state", id)
	}
	if err != nil {
		return ModuleRun{}, apierror.Internal(err, "discarding module run")
	}
	return r, nil
}

// ApplyCallbackStatus applies a BYOC status callback's fields to a run in a
// single statement, for the terminal and non-terminal cases the bridge needs.
type ApplyCallbackStatusParams struct {
	RunID              uuid.UUID
	Status             RunStatus
	ResourcesToAdd     *int
	ResourcesToChange  *int
	ResourcesToDestroy *int
	ResourceCountAfter *int
}

// ApplyCallbackStatus updates run counters and status from a BYOC status
// callback, stamping started_at/completed_at/duration_seconds as appropriate.
func (s *PostgresStore) ApplyCallbackStatus(ctx context.Context, p ApplyCallbackStatusParams) (ModuleRun, error) {
	var result ModuleRun
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := scanModuleRunRow(tx.QueryRow(ctx, `SELECT `+moduleRunColumns+` FROM module_runs WHERE id = $1 FOR UPDATE`, p.RunID))
		if err != nil {
			return wrapNotFound(err, "module run %s not found", p.RunID)
		}

		startedStamp := ""
		if current.StartedAt == nil && (p.Status == RunStatusRunning || p.Status == RunStatusApplying) {
			startedStamp = ", started_at = now()"
		}
		completedStamp := ""
		if isTerminalRunStatus(p.Status) || p.Status == RunStatusPlanned {
			completedStamp = ", completed_at = now(), duration_seconds = CASE WHEN started_at IS NOT NULL THEN extract(epoch FROM now() - coalesce(started_at, now()))::int ELSE NULL END"
		}

		query := fmt.Sprintf(`UPDATE module_runs SET status = $2,
			resources_to_add = coalesce($3, resources_to_add),
			resources_to_change = coalesce($4, resources_to_change),
			resources_to_destroy = coalesce($5, resources_to_destroy),
			resource_count_after = coalesce($6, resource_count_after),
			updated_at = now()%s%s WHERE id = $1 RETURNING %s`, startedStamp, completedStamp, moduleRunColumns)

		updated, err := scanModuleRunRow(tx.QueryRow(ctx, query, p.RunID, p.Status,
			p.ResourcesToAdd, p.ResourcesToChange, p.ResourcesToDestroy, p.ResourceCountAfter))
		if err != nil {
			return apierror.Internal(err, "applying callback status")
		}
		result = updated
		return nil
	})
	if err != nil {
		return ModuleRun{}, err
	}
	return result, nil
}

// SweepTimedOutPlans transitions planned runs (not attached to an
// environment run) older than cutoff to timed_out. Returns the count affected.
func (s *PostgresStore) SweepTimedOutPlans(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE module_runs SET status = 'timed_out', completed_at = now(), updated_at = now()
		WHERE status = 'planned' AND environment_run_id IS NULL AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, apierror.Internal(err, "sweeping timed out plans")
	}
	return int(tag.RowsAffected()), nil
}

// ListStaleModuleRuns returns module runs in planned/running/applying that
// haven't progressed since before cutoff, scoped to team (or every team
// when team is "") — the read-only view the governance staleness endpoint
// surfaces ahead of the expiry sweeper actually transitioning them.
func (s *PostgresStore) ListStaleModuleRuns(ctx context.Context, team string, cutoff time.Time) ([]ModuleRun, error) {
	cols := moduleRunColumnsPrefixed("r")
	query := `SELECT ` + cols + ` FROM module_runs r
		JOIN environments e ON e.id = r.environment_id
		WHERE r.status IN ('planned', 'running', 'applying') AND r.updated_at < $1`
	args := []any{cutoff}
	if team != "" {
		args = append(args, team)
		query += ` AND e.team = $2`
	}
	query += ` ORDER BY r.updated_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apierror.Internal(err, "listing stale module runs")
	}
	return scanModuleRunRows(rows)
}

func moduleRunColumnsPrefixed(alias string) string {
	cols := []string{"id", "module_id", "environment_id", "environment_run_id", "operation", "mode",
		"status", "priority", "queue_position", "callback_token_hash", "variables_snapshot",
		"env_vars_snapshot", "state_backend_snapshot", "tf_outputs", "resources_to_add",
		"resources_to_change", "resources_to_destroy", "resource_count_after",
		"confirmed_by", "confirmed_at", "skip_reason", "queued_at", "started_at", "completed_at",
		"duration_seconds", "created_at", "updated_at"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

// SetCallbackTokenHash stores the SHA-256 hash of a freshly issued BYOC
// callback token on the run row. The cleartext token itself is never stored.
func (s *PostgresStore) SetCallbackTokenHash(ctx context.Context, runID uuid.UUID, hash string) error {
	_, err := s.pool.Exec(ctx, `UPDATE module_runs SET callback_token_hash = $2 WHERE id = $1`, runID, hash)
	if err != nil {
		return apierror.Internal(err, "storing callback token hash")
	}
	return nil
}
