package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

const moduleColumns = `id, environment_id, name, artifact_id, artifact_namespace, artifact_name,
	pinned_version, current_version, execution_mode, tf_version, working_directory,
	state_backend, auto_plan_on_module_update, auto_plan_on_push, vcs_trigger,
	resource_count, last_run_id, last_run_status, last_run_at, created_at, updated_at`

func scanModuleRow(row pgx.Row) (EnvironmentModule, error) {
	var m EnvironmentModule
	var stateBackend, vcsTrigger []byte
	err := row.Scan(
		&m.ID, &m.EnvironmentID, &m.Name, &m.ArtifactID, &m.ArtifactNamespace, &m.ArtifactName,
		&m.PinnedVersion, &m.CurrentVersion, &m.ExecutionMode, &m.TFVersion, &m.WorkingDirectory,
		&stateBackend, &m.AutoPlanOnModuleUpdate, &m.AutoPlanOnPush, &vcsTrigger,
		&m.ResourceCount, &m.LastRunID, &m.LastRunStatus, &m.LastRunAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return EnvironmentModule{}, err
	}
	if len(stateBackend) > 0 {
		if err := json.Unmarshal(stateBackend, &m.StateBackend); err != nil {
			return EnvironmentModule{}, fmt.Errorf("unmarshaling state_backend: %w", err)
		}
	}
	if len(vcsTrigger) > 0 {
		var t VCSTrigger
		if err := json.Unmarshal(vcsTrigger, &t); err != nil {
			return EnvironmentModule{}, fmt.Errorf("unmarshaling vcs_trigger: %w", err)
		}
		m.VCSTrigger = &t
	}
	return m, nil
}

func scanModuleRows(rows pgx.Rows) ([]EnvironmentModule, error) {
	defer rows.Close()
	var items []EnvironmentModule
	for rows.Next() {
		m, err := scanModuleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning module row: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// CreateModuleParams holds the fields accepted when adding a module to an environment.
type CreateModuleParams struct {
	EnvironmentID          uuid.UUID
	Name                   string
	ArtifactID             uuid.UUID
	ArtifactNamespace      string
	ArtifactName           string
	PinnedVersion          string
	ExecutionMode          ExecutionMode
	TFVersion              string
	WorkingDirectory       string
	StateBackend           StateBackendConfig
	AutoPlanOnModuleUpdate bool
	AutoPlanOnPush         bool
	VCSTrigger             *VCSTrigger
}

// CreateModule inserts a new EnvironmentModule. Duplicate name within the
// environment returns an AlreadyExists error.
func (s *PostgresStore) CreateModule(ctx context.Context, p CreateModuleParams) (EnvironmentModule, error) {
	stateBackend, err := json.Marshal(p.StateBackend)
	if err != nil {
		return EnvironmentModule{}, apierror.Internal(err, "marshaling state_backend")
	}
	var vcsTrigger []byte
	if p.VCSTrigger != nil {
		if vcsTrigger, err = json.Marshal(p.VCSTrigger); err != nil {
			return EnvironmentModule{}, apierror.Internal(err, "marshaling vcs_trigger")
		}
	}

	var m EnvironmentModule
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		query := `INSERT INTO environment_modules (
			environment_id, name, artifact_id, artifact_namespace, artifact_name,
			pinned_version, current_version, execution_mode, tf_version, working_directory,
			state_backend, auto_plan_on_module_update, auto_plan_on_push, vcs_trigger
		) VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + moduleColumns

		row := tx.QueryRow(ctx, query,
			p.EnvironmentID, p.Name, p.ArtifactID, p.ArtifactNamespace, p.ArtifactName,
			p.PinnedVersion, p.ExecutionMode, p.TFVersion, p.WorkingDirectory,
			stateBackend, p.AutoPlanOnModuleUpdate, p.AutoPlanOnPush, vcsTrigger,
		)
		created, err := scanModuleRow(row)
		if err != nil {
			if isUniqueViolation(err) {
				return apierror.AlreadyExists("module %s already exists in this environment", p.Name)
			}
			return apierror.Internal(err, "creating module")
		}
		m = created
		return s.RecountEnvironmentModules(ctx, tx, p.EnvironmentID)
	})
	if err != nil {
		return EnvironmentModule{}, err
	}
	return m, nil
}

// GetModule returns a module by id.
func (s *PostgresStore) GetModule(ctx context.Context, id uuid.UUID) (EnvironmentModule, error) {
	query := `SELECT ` + moduleColumns + ` FROM environment_modules WHERE id = $1`
	m, err := scanModuleRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return EnvironmentModule{}, wrapNotFound(err, "module %s not found", id)
	}
	return m, nil
}

// ListModules returns all modules in an environment.
func (s *PostgresStore) ListModules(ctx context.Context, environmentID uuid.UUID) ([]EnvironmentModule, error) {
	query := `SELECT ` + moduleColumns + ` FROM environment_modules WHERE environment_id = $1 ORDER BY name ASC`
	rows, err := s.pool.Query(ctx, query, environmentID)
	if err != nil {
		return nil, apierror.Internal(err, "listing modules")
	}
	return scanModuleRows(rows)
}

// ListModulesByArtifact returns every module across all environments that
// references the given artifact — used by the cascade manager to find
// auto-plan candidates when a new version is approved.
func (s *PostgresStore) ListModulesByArtifact(ctx context.Context, artifactID uuid.UUID) ([]EnvironmentModule, error) {
	query := `SELECT ` + moduleColumns + ` FROM environment_modules WHERE artifact_id = $1`
	rows, err := s.pool.Query(ctx, query, artifactID)
	if err != nil {
		return nil, apierror.Internal(err, "listing modules by artifact")
	}
	return scanModuleRows(rows)
}

// DeleteModule removes a module and recounts its environment.
func (s *PostgresStore) DeleteModule(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var environmentID uuid.UUID
		err := tx.QueryRow(ctx, `DELETE FROM environment_modules WHERE id = $1 RETURNING environment_id`, id).Scan(&environmentID)
		if err != nil {
			return wrapNotFound(err, "module %s not found", id)
		}
		return s.RecountEnvironmentModules(ctx, tx, environmentID)
	})
}

// UpdateModuleParams holds the partial, PATCH-able fields on a module. A nil
// pointer leaves the column untouched.
type UpdateModuleParams struct {
	ID                     uuid.UUID
	PinnedVersion          *string
	TFVersion              *string
	WorkingDirectory       *string
	StateBackend           *StateBackendConfig
	AutoPlanOnModuleUpdate *bool
	AutoPlanOnPush         *bool
	VCSTrigger             *VCSTrigger
}

// UpdateModule applies a partial update to a module's mutable configuration.
func (s *PostgresStore) UpdateModule(ctx context.Context, p UpdateModuleParams) (EnvironmentModule, error) {
	query := `UPDATE environment_modules SET updated_at = now()`
	args := []any{p.ID}
	if p.PinnedVersion != nil {
		args = append(args, *p.PinnedVersion)
		query += fmt.Sprintf(", pinned_version = $%d", len(args))
	}
	if p.TFVersion != nil {
		args = append(args, *p.TFVersion)
		query += fmt.Sprintf(", tf_version = $%d", len(args))
	}
	if p.WorkingDirectory != nil {
		args = append(args, *p.WorkingDirectory)
		query += fmt.Sprintf(", working_directory = $%d", len(args))
	}
	if p.StateBackend != nil {
		payload, err := json.Marshal(*p.StateBackend)
		if err != nil {
			return EnvironmentModule{}, apierror.Internal(err, "marshaling state_backend")
		}
		args = append(args, payload)
		query += fmt.Sprintf(", state_backend = $%d", len(args))
	}
	if p.AutoPlanOnModuleUpdate != nil {
		args = append(args, *p.AutoPlanOnModuleUpdate)
		query += fmt.Sprintf(", auto_plan_on_module_update = $%d", len(args))
	}
	if p.AutoPlanOnPush != nil {
		args = append(args, *p.AutoPlanOnPush)
		query += fmt.Sprintf(", auto_plan_on_push = $%d", len(args))
	}
	if p.VCSTrigger != nil {
		payload, err := json.Marshal(p.VCSTrigger)
		if err != nil {
			return EnvironmentModule{}, apierror.Internal(err, "marshaling vcs_trigger")
		}
		args = append(args, payload)
		query += fmt.Sprintf(", vcs_trigger = $%d", len(args))
	}
	query += ` WHERE id = $1 RETURNING ` + moduleColumns

	m, err := scanModuleRow(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return EnvironmentModule{}, wrapNotFound(err, "module %s not found", p.ID)
	}
	return m, nil
}

// UpdateModuleRunState stamps a module's last_run_* fields, sets
// current_version when newVersion is non-empty and resource_count when
// resourceCount is non-nil. status is stored as given and not checked. The
// environment's counters are recounted only when tx is non-nil.
func (s *PostgresStore) UpdateModuleRunState(ctx context.Context, tx pgx.Tx, moduleID, runID uuid.UUID, status string, newVersion string, resourceCount *int) error {
	query := `UPDATE environment_modules SET
		last_run_id = $2, last_run_status = $3, last_run_at = now(), updated_at = now()`
	args := []any{moduleID, runID, status}
	if newVersion != "" {
		query += fmt.Sprintf(", current_version = $%d", len(args)+1)
		args = append(args, newVersion)
	}
	if resourceCount != nil {
		query += fmt.Sprintf(", resource_count = $%d", len(args)+1)
		args = append(args, *resourceCount)
	}
	query += ` WHERE id = $1`

	var err error
	if tx != nil {
		_, err = tx.Exec(ctx, query, args...)
	} else {
		_, err = s.pool.Exec(ctx, query, args...)
	}
	if err != nil {
		return apierror.Internal(err, "updating module run state")
	}
	if resourceCount != nil {
		m, getErr := s.GetModule(ctx, moduleID)
		if getErr == nil {
			if tx != nil {
				_ = s.RecountEnvironmentModules(ctx, tx, m.EnvironmentID)
			}
		}
	}
	return nil
}
