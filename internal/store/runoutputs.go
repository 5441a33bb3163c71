package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

// UpsertRunOutput replaces the content for a (run_id, output_type) pair. A
// BYOC bridge retrying a status callback after a timeout must not produce
// duplicate plan/output rows, hence upsert rather than insert.
func (s *PostgresStore) UpsertRunOutput(ctx context.Context, runID uuid.UUID, outputType OutputType, content string) (ModuleRunOutput, error) {
	query := `INSERT INTO module_run_outputs (run_id, output_type, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, output_type) DO UPDATE SET content = excluded.content, updated_at = now()
		RETURNING id, run_id, output_type, content, created_at, updated_at`
	var o ModuleRunOutput
	err := s.pool.QueryRow(ctx, query, runID, outputType, content).Scan(
		&o.ID, &o.RunID, &o.OutputType, &o.Content, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return ModuleRunOutput{}, apierror.Internal(err, "upserting run output")
	}
	return o, nil
}

// GetRunOutput returns one output by (run_id, output_type).
func (s *PostgresStore) GetRunOutput(ctx context.Context, runID uuid.UUID, outputType OutputType) (ModuleRunOutput, error) {
	query := `SELECT id, run_id, output_type, content, created_at, updated_at
		FROM module_run_outputs WHERE run_id = $1 AND output_type = $2`
	var o ModuleRunOutput
	err := s.pool.QueryRow(ctx, query, runID, outputType).Scan(
		&o.ID, &o.RunID, &o.OutputType, &o.Content, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return ModuleRunOutput{}, wrapNotFound(err, "output %s not found for run %s", outputType, runID)
	}
	return o, nil
}

// ListRunOutputs returns every output recorded for a run.
func (s *PostgresStore) ListRunOutputs(ctx context.Context, runID uuid.UUID) ([]ModuleRunOutput, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, output_type, content, created_at, updated_at
		FROM module_run_outputs WHERE run_id = $1 ORDER BY output_type ASC`, runID)
	if err != nil {
		return nil, apierror.Internal(err, "listing run outputs")
	}
	defer rows.Close()

	var items []ModuleRunOutput
	for rows.Next() {
		var o ModuleRunOutput
		if err := rows.Scan(&o.ID, &o.RunID, &o.OutputType, &o.Content, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning run output row: %w", err)
		}
		items = append(items, o)
	}
	return items, rows.Err()
}
