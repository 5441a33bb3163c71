package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

// AppendRunLogParams is one append-only log line from a BYOC callback.
type AppendRunLogParams struct {
	RunID    uuid.UUID
	Sequence int64
	Stream   LogStream
	Content  string
}

// AppendRunLog inserts one log line. Sequence is caller-assigned (the BYOC
// bridge passes through the CI system's own monotonic counter) — no dedup
// is enforced here, a duplicated sequence from a retried callback simply
// produces a duplicate row, which the log reader tolerates by sorting on
// (sequence, id) rather than relying on sequence uniqueness.
func (s *PostgresStore) AppendRunLog(ctx context.Context, p AppendRunLogParams) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO module_run_logs (run_id, sequence, stream, content)
		VALUES ($1, $2, $3, $4)`, p.RunID, p.Sequence, p.Stream, p.Content)
	if err != nil {
		return apierror.Internal(err, "appending run log")
	}
	return nil
}

// ListRunLogs returns a run's log lines in order, optionally starting after
// afterSequence (for incremental polling by a UI or CLI).
func (s *PostgresStore) ListRunLogs(ctx context.Context, runID uuid.UUID, afterSequence int64, limit int) ([]ModuleRunLog, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, sequence, stream, content, created_at
		FROM module_run_logs WHERE run_id = $1 AND sequence > $2
		ORDER BY sequence ASC, id ASC LIMIT $3`, runID, afterSequence, limit)
	if err != nil {
		return nil, apierror.Internal(err, "listing run logs")
	}
	defer rows.Close()

	var items []ModuleRunLog
	for rows.Next() {
		var l ModuleRunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Sequence, &l.Stream, &l.Content, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning run log row: %w", err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}
