package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

const environmentColumns = `id, name, team, locked, locked_by, locked_at, lock_reason,
	status, module_count, total_resources, created_at, updated_at`

func scanEnvironmentRow(row pgx.Row) (Environment, error) {
	var e Environment
	err := row.Scan(
		&e.ID, &e.Name, &e.Team, &e.Locked, &e.LockedBy, &e.LockedAt, &e.LockReason,
		&e.Status, &e.ModuleCount, &e.TotalResources, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func scanEnvironmentRows(rows pgx.Rows) ([]Environment, error) {
	defer rows.Close()
	var items []Environment
	for rows.Next() {
		e, err := scanEnvironmentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning environment row: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// CreateEnvironment inserts a new Environment. Duplicate name within a team
// returns an AlreadyExists error.
func (s *PostgresStore) CreateEnvironment(ctx context.Context, team, name string) (Environment, error) {
	query := `INSERT INTO environments (name, team, status) VALUES ($1, $2, 'active')
		RETURNING ` + environmentColumns
	e, err := scanEnvironmentRow(s.pool.QueryRow(ctx, query, name, team))
	if err != nil {
		if isUniqueViolation(err) {
			return Environment{}, apierror.AlreadyExists("environment %s already exists for team %s", name, team)
		}
		return Environment{}, apierror.Internal(err, "creating environment")
	}
	return e, nil
}

// GetEnvironment returns an environment by id.
func (s *PostgresStore) GetEnvironment(ctx context.Context, id uuid.UUID) (Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE id = $1`
	e, err := scanEnvironmentRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Environment{}, wrapNotFound(err, "environment %s not found", id)
	}
	return e, nil
}

// ListEnvironments returns a team's environments, excluding archived unless requested.
func (s *PostgresStore) ListEnvironments(ctx context.Context, team string, includeArchived bool) ([]Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE team = $1`
	if !includeArchived {
		query += ` AND status != 'archived'`
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, team)
	if err != nil {
		return nil, apierror.Internal(err, "listing environments")
	}
	return scanEnvironmentRows(rows)
}

// UpdateEnvironmentName renames an environment.
func (s *PostgresStore) UpdateEnvironmentName(ctx context.Context, id uuid.UUID, name string) (Environment, error) {
	query := `UPDATE environments SET name = $2, updated_at = now() WHERE id = $1 RETURNING ` + environmentColumns
	e, err := scanEnvironmentRow(s.pool.QueryRow(ctx, query, id, name))
	if err != nil {
		if isUniqueViolation(err) {
			return Environment{}, apierror.AlreadyExists("environment %s already exists", name)
		}
		return Environment{}, wrapNotFound(err, "environment %s not found", id)
	}
	return e, nil
}

// ArchiveEnvironment marks an environment archived.
func (s *PostgresStore) ArchiveEnvironment(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE environments SET status = 'archived', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return apierror.Internal(err, "archiving environment")
	}
	if tag.RowsAffected() == 0 {
		return apierror.NotFound("environment %s not found", id)
	}
	return nil
}

// LockEnvironment locks an environment against new mutations. Locking an
// already-locked environment returns Conflict.
func (s *PostgresStore) LockEnvironment(ctx context.Context, id uuid.UUID, lockedBy, reason string) (Environment, error) {
	query := `UPDATE environments SET locked = true, locked_by = $2, locked_at = $3, lock_reason = $4, updated_at = now()
		WHERE id = $1 AND locked = false RETURNING ` + environmentColumns
	e, err := scanEnvironmentRow(s.pool.QueryRow(ctx, query, id, lockedBy, time.Now().UTC(), reason))
	if err == pgx.ErrNoRows {
		if _, getErr := s.GetEnvironment(ctx, id); getErr != nil {
			return Environment{}, getErr
		}
		return Environment{}, apierror.Conflict("environment %s is already locked", id)
	}
	if err != nil {
		return Environment{}, apierror.Internal(err, "locking environment")
	}
	return e, nil
}

// UnlockEnvironment clears an environment's lock.
func (s *PostgresStore) UnlockEnvironment(ctx context.Context, id uuid.UUID) (Environment, error) {
	query := `UPDATE environments SET locked = false, locked_by = '', locked_at = NULL, lock_reason = '', updated_at = now()
		WHERE id = $1 RETURNING ` + environmentColumns
	e, err := scanEnvironmentRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Environment{}, wrapNotFound(err, "environment %s not found", id)
	}
	return e, nil
}

// RequireUnlocked returns a Locked error if the environment is currently locked.
func (s *PostgresStore) RequireUnlocked(ctx context.Context, id uuid.UUID) error {
	e, err := s.GetEnvironment(ctx, id)
	if err != nil {
		return err
	}
	if e.Locked {
		return apierror.Locked("environment %s is locked: %s", id, e.LockReason)
	}
	return nil
}

// RecountEnvironmentModules refreshes module_count and total_resources from
// the current environment_modules rows. Called after module create/delete
// and after any run mutates a module's resource_count.
func (s *PostgresStore) RecountEnvironmentModules(ctx context.Context, tx pgx.Tx, environmentID uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE environments SET
		module_count = (SELECT count(*) FROM environment_modules WHERE environment_id = $1),
		total_resources = (SELECT coalesce(sum(resource_count), 0) FROM environment_modules WHERE environment_id = $1),
		updated_at = now()
		WHERE id = $1`, environmentID)
	if err != nil {
		return apierror.Internal(err, "recounting environment modules")
	}
	return nil
}
