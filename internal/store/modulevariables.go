package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

const moduleVariableColumns = `id, module_id, key, value, sensitive, secret_ref, category, created_at, updated_at`

func scanModuleVariableRow(row pgx.Row) (ModuleVariable, error) {
	var v ModuleVariable
	if err := row.Scan(&v.ID, &v.ModuleID, &v.Key, &v.Value, &v.Sensitive, &v.SecretRef, &v.Category, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return ModuleVariable{}, err
	}
	return v, nil
}

// ModuleVariableInput is one entry in a full-set replace request.
type ModuleVariableInput struct {
	Key       string
	Value     string
	Sensitive bool
	SecretRef string
	Category  VariableCategory
}

// UpsertModuleVariable inserts or replaces one module-level variable — the
// highest-precedence layer in the output resolver's three-layer merge,
// overriding any variable-set binding of the same key on the same module.
func (s *PostgresStore) UpsertModuleVariable(ctx context.Context, moduleID uuid.UUID, key, value string, sensitive bool, secretRef string, category VariableCategory) (ModuleVariable, error) {
	query := `INSERT INTO module_variables (module_id, key, value, sensitive, secret_ref, category)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (module_id, key) DO UPDATE SET
			value = excluded.value, sensitive = excluded.sensitive,
			secret_ref = excluded.secret_ref, category = excluded.category, updated_at = now()
		RETURNING ` + moduleVariableColumns
	v, err := scanModuleVariableRow(s.pool.QueryRow(ctx, query, moduleID, key, value, sensitive, secretRef, category))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ModuleVariable{}, apierror.NotFound("module %s not found", moduleID)
		}
		return ModuleVariable{}, apierror.Internal(err, "upserting module variable")
	}
	return v, nil
}

// ListModuleVariables returns every variable set directly on a module.
func (s *PostgresStore) ListModuleVariables(ctx context.Context, moduleID uuid.UUID) ([]ModuleVariable, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+moduleVariableColumns+`
		FROM module_variables WHERE module_id = $1 ORDER BY key ASC`, moduleID)
	if err != nil {
		return nil, apierror.Internal(err, "listing module variables")
	}
	defer rows.Close()
	var items []ModuleVariable
	for rows.Next() {
		v, err := scanModuleVariableRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning module variable row: %w", err)
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

// DeleteModuleVariable removes one key from a module's direct variables.
func (s *PostgresStore) DeleteModuleVariable(ctx context.Context, moduleID uuid.UUID, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM module_variables WHERE module_id = $1 AND key = $2`, moduleID, key)
	if err != nil {
		return apierror.Internal(err, "deleting module variable")
	}
	if tag.RowsAffected() == 0 {
		return apierror.NotFound("variable %s not found on module %s", key, moduleID)
	}
	return nil
}

// ReplaceModuleVariables atomically replaces a module's entire set of direct
// variables with entries, used by the full-set PUT endpoint so a client
// never has to diff against the prior set to remove a dropped key.
func (s *PostgresStore) ReplaceModuleVariables(ctx context.Context, moduleID uuid.UUID, entries []ModuleVariableInput) ([]ModuleVariable, error) {
	var result []ModuleVariable
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM module_variables WHERE module_id = $1`, moduleID); err != nil {
			return apierror.Internal(err, "clearing module variables")
		}
		for _, e := range entries {
			query := `INSERT INTO module_variables (module_id, key, value, sensitive, secret_ref, category)
				VALUES ($1, $2, $3, $4, $5, $6) RETURNING ` + moduleVariableColumns
			v, err := scanModuleVariableRow(tx.QueryRow(ctx, query, moduleID, e.Key, e.Value, e.Sensitive, e.SecretRef, e.Category))
			if err != nil {
				if isForeignKeyViolation(err) {
					return apierror.NotFound("module %s not found", moduleID)
				}
				return apierror.Internal(err, "replacing module variable")
			}
			result = append(result, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
