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

const environmentRunColumns = `id, environment_id, operation, execution_order, status,
	total_modules, completed_count, failed_count, skipped_count, pending_count,
	created_at, updated_at, completed_at, duration_seconds`

func scanEnvironmentRunRow(row pgx.Row) (EnvironmentRun, error) {
	var r EnvironmentRun
	var executionOrder []byte
	err := row.Scan(
		&r.ID, &r.EnvironmentID, &r.Operation, &executionOrder, &r.Status,
		&r.TotalModules, &r.CompletedCount, &r.FailedCount, &r.SkippedCount, &r.PendingCount,
		&r.CreatedAt, &r.UpdatedAt, &r.CompletedAt, &r.DurationSeconds,
	)
	if err != nil {
		return EnvironmentRun{}, err
	}
	if len(executionOrder) > 0 {
		if err := json.Unmarshal(executionOrder, &r.ExecutionOrder); err != nil {
			return EnvironmentRun{}, fmt.Errorf("unmarshaling execution_order: %w", err)
		}
	}
	return r, nil
}

func scanEnvironmentRunRows(rows pgx.Rows) ([]EnvironmentRun, error) {
	defer rows.Close()
	var items []EnvironmentRun
	for rows.Next() {
		r, err := scanEnvironmentRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning environment run row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// CreateEnvironmentRun inserts a new EnvironmentRun against a
// pre-computed execution order (the caller runs TopologicalSort first).
// pending_count starts at the full module count; every other counter starts
// at zero and accumulates as constituent ModuleRuns complete.
func (s *PostgresStore) CreateEnvironmentRun(ctx context.Context, environmentID uuid.UUID, operation EnvironmentRunOperation, executionOrder []uuid.UUID) (EnvironmentRun, error) {
	order, err := json.Marshal(executionOrder)
	if err != nil {
		return EnvironmentRun{}, apierror.Internal(err, "marshaling execution_order")
	}

	query := `INSERT INTO environment_runs (
		environment_id, operation, execution_order, status, total_modules, pending_count
	) VALUES ($1, $2, $3, 'running', $4, $4)
	RETURNING ` + environmentRunColumns

	r, err := scanEnvironmentRunRow(s.pool.QueryRow(ctx, query, environmentID, operation, order, len(executionOrder)))
	if err != nil {
		return EnvironmentRun{}, apierror.Internal(err, "creating environment run")
	}
	return r, nil
}

// GetEnvironmentRun returns an environment run by id.
func (s *PostgresStore) GetEnvironmentRun(ctx context.Context, id uuid.UUID) (EnvironmentRun, error) {
	query := `SELECT ` + environmentRunColumns + ` FROM environment_runs WHERE id = $1`
	r, err := scanEnvironmentRunRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return EnvironmentRun{}, wrapNotFound(err, "environment run %s not found", id)
	}
	return r, nil
}

// ListEnvironmentRuns returns an environment's runs, most recent first.
func (s *PostgresStore) ListEnvironmentRuns(ctx context.Context, environmentID uuid.UUID, limit int) ([]EnvironmentRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	query := `SELECT ` + environmentRunColumns + ` FROM environment_runs
		WHERE environment_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, environmentID, limit)
	if err != nil {
		return nil, apierror.Internal(err, "listing environment runs")
	}
	return scanEnvironmentRunRows(rows)
}

// RecordModuleRunOutcome moves one pending module in an environment run to
// completed/failed/skipped, then recomputes the parent's aggregate status.
// Called by the DAG executor as each constituent ModuleRun reaches a
// terminal state. When pending_count reaches zero the run is finalized:
// succeeded if nothing failed or was skipped, partial_failure if only some
// modules failed, failed if every remaining module failed.
func (s *PostgresStore) RecordModuleRunOutcome(ctx context.Context, tx pgx.Tx, environmentRunID uuid.UUID, outcome RunStatus) (EnvironmentRun, error) {
	var column string
	switch outcome {
	case RunStatusSucceeded, RunStatusPlanned:
		// Planned is a plan-all run's visible completion state — it never
		// reaches succeeded, so it counts as the same kind of completion.
		column = "completed_count"
	case RunStatusFailed, RunStatusCancelled, RunStatusTimedOut, RunStatusDiscarded:
		// All four are terminal, non-progressive outcomes that block the
		// module from ever satisfying a downstream dependent, the same as
		// an outright failure; cancellation and timeout run the same
		// failure-propagation path in the DAG executor.
		column = "failed_count"
	case RunStatusSkipped:
		column = "skipped_count"
	default:
		return EnvironmentRun{}, apierror.Internal(fmt.Errorf("unrecognized outcome %q", outcome), "recording module run outcome")
	}

	query := fmt.Sprintf(`UPDATE environment_runs SET
		%s = %s + 1, pending_count = pending_count - 1, updated_at = now()
		WHERE id = $1 RETURNING `+environmentRunColumns, column, column)

	r, err := scanEnvironmentRunRow(tx.QueryRow(ctx, query, environmentRunID))
	if err != nil {
		return EnvironmentRun{}, wrapNotFound(err, "environment run %s not found", environmentRunID)
	}

	if r.PendingCount > 0 {
		return r, nil
	}

	finalStatus := RunStatusSucceeded
	switch {
	case r.FailedCount > 0 && r.CompletedCount == 0:
		finalStatus = RunStatusFailed
	case r.FailedCount > 0 || r.SkippedCount > 0:
		finalStatus = RunStatusPartialFail
	}

	finalized, err := scanEnvironmentRunRow(tx.QueryRow(ctx, `UPDATE environment_runs SET
		status = $2, completed_at = now(),
		duration_seconds = extract(epoch FROM now() - created_at)::int,
		updated_at = now()
		WHERE id = $1 RETURNING `+environmentRunColumns, environmentRunID, finalStatus))
	if err != nil {
		return EnvironmentRun{}, apierror.Internal(err, "finalizing environment run")
	}
	return finalized, nil
}

// ConfirmEnvironmentRun bulk-confirms every constituent ModuleRun still
// awaiting confirmation after a plan-all, so a reviewer approving the whole
// environment run doesn't have to confirm each module individually.
func (s *PostgresStore) ConfirmEnvironmentRun(ctx context.Context, id uuid.UUID, confirmedBy string) (EnvironmentRun, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE module_runs SET status = 'confirmed', confirmed_by = $2, confirmed_at = now(), updated_at = now()
			WHERE environment_run_id = $1 AND status = 'planned'`, id, confirmedBy); err != nil {
			return apierror.Internal(err, "confirming environment run")
		}
		return nil
	})
	if err != nil {
		return EnvironmentRun{}, err
	}
	return s.GetEnvironmentRun(ctx, id)
}

// CancelEnvironmentRun cancels the constituent ModuleRuns that are pending,
// queued, planned or confirmed, and marks the EnvironmentRun itself
// cancelled. Constituent runs that are running or applying are left as they
// are.
func (s *PostgresStore) CancelEnvironmentRun(ctx context.Context, id uuid.UUID) (EnvironmentRun, error) {
	var result EnvironmentRun
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE module_runs SET status = 'cancelled', completed_at = now(), updated_at = now()
			WHERE environment_run_id = $1 AND status IN ('pending', 'queued', 'planned', 'confirmed')`, id); err != nil {
			return apierror.Internal(err, "cancelling constituent module runs")
		}

		r, err := scanEnvironmentRunRow(tx.QueryRow(ctx, `UPDATE environment_runs SET
			status = 'cancelled', completed_at = now(),
			duration_seconds = extract(epoch FROM now() - created_at)::int, updated_at = now()
			WHERE id = $1 AND status = 'running' RETURNING `+environmentRunColumns, id))
		if err != nil {
			return wrapNotFound(err, "environment run %s not found or already finished", id)
		}
		result = r
		return nil
	})
	if err != nil {
		return EnvironmentRun{}, err
	}
	return result, nil
}

// SweepExpiredEnvironmentRuns transitions environment runs stuck running
// past cutoff to expired, used by the expiry sweeper as a backstop against
// runs whose constituent module runs never reached a terminal state.
func (s *PostgresStore) SweepExpiredEnvironmentRuns(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE environment_runs SET status = 'expired', completed_at = now(),
		duration_seconds = extract(epoch FROM now() - created_at)::int, updated_at = now()
		WHERE status = 'running' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, apierror.Internal(err, "sweeping expired environment runs")
	}
	return int(tag.RowsAffected()), nil
}
