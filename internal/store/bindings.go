package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

const cloudIntegrationColumns = `id, team, name, provider, credential, created_at, updated_at`

func scanCloudIntegrationRow(row pgx.Row) (CloudIntegration, error) {
	var c CloudIntegration
	var credential []byte
	if err := row.Scan(&c.ID, &c.Team, &c.Name, &c.Provider, &credential, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return CloudIntegration{}, err
	}
	if len(credential) > 0 {
		if err := json.Unmarshal(credential, &c.Credential); err != nil {
			return CloudIntegration{}, fmt.Errorf("unmarshaling credential: %w", err)
		}
	}
	return c, nil
}

// CreateCloudIntegration inserts a new team-scoped credential source.
func (s *PostgresStore) CreateCloudIntegration(ctx context.Context, team, name string, credential CredentialConfig) (CloudIntegration, error) {
	payload, err := json.Marshal(credential)
	if err != nil {
		return CloudIntegration{}, apierror.Internal(err, "marshaling credential")
	}
	query := `INSERT INTO cloud_integrations (team, name, provider, credential)
		VALUES ($1, $2, $3, $4) RETURNING ` + cloudIntegrationColumns
	c, err := scanCloudIntegrationRow(s.pool.QueryRow(ctx, query, team, name, credential.Provider, payload))
	if err != nil {
		if isUniqueViolation(err) {
			return CloudIntegration{}, apierror.AlreadyExists("cloud integration %s already exists for team %s", name, team)
		}
		return CloudIntegration{}, apierror.Internal(err, "creating cloud integration")
	}
	return c, nil
}

// GetCloudIntegration returns a cloud integration by id.
func (s *PostgresStore) GetCloudIntegration(ctx context.Context, id uuid.UUID) (CloudIntegration, error) {
	query := `SELECT ` + cloudIntegrationColumns + ` FROM cloud_integrations WHERE id = $1`
	c, err := scanCloudIntegrationRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return CloudIntegration{}, wrapNotFound(err, "cloud integration %s not found", id)
	}
	return c, nil
}

// ListCloudIntegrations returns a team's cloud integrations.
func (s *PostgresStore) ListCloudIntegrations(ctx context.Context, team string) ([]CloudIntegration, error) {
	query := `SELECT ` + cloudIntegrationColumns + ` FROM cloud_integrations WHERE team = $1 ORDER BY name ASC`
	rows, err := s.pool.Query(ctx, query, team)
	if err != nil {
		return nil, apierror.Internal(err, "listing cloud integrations")
	}
	defer rows.Close()
	var items []CloudIntegration
	for rows.Next() {
		c, err := scanCloudIntegrationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cloud integration row: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// DeleteCloudIntegration removes a cloud integration and its bindings.
func (s *PostgresStore) DeleteCloudIntegration(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM cloud_integration_bindings WHERE cloud_integration_id = $1`, id); err != nil {
			return apierror.Internal(err, "deleting cloud integration bindings")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM cloud_integrations WHERE id = $1`, id)
		if err != nil {
			return apierror.Internal(err, "deleting cloud integration")
		}
		if tag.RowsAffected() == 0 {
			return apierror.NotFound("cloud integration %s not found", id)
		}
		return nil
	})
}

// BindCloudIntegration attaches a cloud integration to an environment or
// module at the given priority. Priority orders the bindings on one target
// (highest first); module bindings override environment bindings per the
// output resolver's three-layer merge whatever their priorities, since the
// resolver uses the module's bindings whenever it has any.
func (s *PostgresStore) BindCloudIntegration(ctx context.Context, cloudIntegrationID uuid.UUID, targetKind BindingScopeKind, targetID uuid.UUID, priority int) (CloudIntegrationBinding, error) {
	query := `INSERT INTO cloud_integration_bindings (cloud_integration_id, target_kind, target_id, priority)
		VALUES ($1, $2, $3, $4) RETURNING id, cloud_integration_id, target_kind, target_id, priority, created_at`
	var b CloudIntegrationBinding
	err := s.pool.QueryRow(ctx, query, cloudIntegrationID, targetKind, targetID, priority).Scan(
		&b.ID, &b.CloudIntegrationID, &b.TargetKind, &b.TargetID, &b.Priority, &b.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return CloudIntegrationBinding{}, apierror.NotFound("cloud integration %s not found", cloudIntegrationID)
		}
		return CloudIntegrationBinding{}, apierror.Internal(err, "binding cloud integration")
	}
	return b, nil
}

// UnbindCloudIntegration removes one binding by id.
func (s *PostgresStore) UnbindCloudIntegration(ctx context.Context, bindingID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cloud_integration_bindings WHERE id = $1`, bindingID)
	if err != nil {
		return apierror.Internal(err, "unbinding cloud integration")
	}
	if tag.RowsAffected() == 0 {
		return apierror.NotFound("cloud integration binding %s not found", bindingID)
	}
	return nil
}

// ListCloudIntegrationBindingsForTarget returns every binding attached
// directly to one environment or module, highest priority first.
func (s *PostgresStore) ListCloudIntegrationBindingsForTarget(ctx context.Context, targetKind BindingScopeKind, targetID uuid.UUID) ([]CloudIntegrationBinding, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, cloud_integration_id, target_kind, target_id, priority, created_at
		FROM cloud_integration_bindings WHERE target_kind = $1 AND target_id = $2 ORDER BY priority DESC`, targetKind, targetID)
	if err != nil {
		return nil, apierror.Internal(err, "listing cloud integration bindings")
	}
	defer rows.Close()
	var items []CloudIntegrationBinding
	for rows.Next() {
		var b CloudIntegrationBinding
		if err := rows.Scan(&b.ID, &b.CloudIntegrationID, &b.TargetKind, &b.TargetID, &b.Priority, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning cloud integration binding row: %w", err)
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

// CreateVariableSet inserts a new team-scoped variable set container.
func (s *PostgresStore) CreateVariableSet(ctx context.Context, team, name string) (VariableSet, error) {
	query := `INSERT INTO variable_sets (team, name) VALUES ($1, $2)
		RETURNING id, team, name, created_at, updated_at`
	var v VariableSet
	err := s.pool.QueryRow(ctx, query, team, name).Scan(&v.ID, &v.Team, &v.Name, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return VariableSet{}, apierror.AlreadyExists("variable set %s already exists for team %s", name, team)
		}
		return VariableSet{}, apierror.Internal(err, "creating variable set")
	}
	return v, nil
}

// GetVariableSet returns a variable set by id.
func (s *PostgresStore) GetVariableSet(ctx context.Context, id uuid.UUID) (VariableSet, error) {
	query := `SELECT id, team, name, created_at, updated_at FROM variable_sets WHERE id = $1`
	var v VariableSet
	err := s.pool.QueryRow(ctx, query, id).Scan(&v.ID, &v.Team, &v.Name, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return VariableSet{}, wrapNotFound(err, "variable set %s not found", id)
	}
	return v, nil
}

// ListVariableSets returns a team's variable sets.
func (s *PostgresStore) ListVariableSets(ctx context.Context, team string) ([]VariableSet, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, team, name, created_at, updated_at
		FROM variable_sets WHERE team = $1 ORDER BY name ASC`, team)
	if err != nil {
		return nil, apierror.Internal(err, "listing variable sets")
	}
	defer rows.Close()
	var items []VariableSet
	for rows.Next() {
		var v VariableSet
		if err := rows.Scan(&v.ID, &v.Team, &v.Name, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning variable set row: %w", err)
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

// DeleteVariableSet removes a variable set, its entries, and its bindings.
func (s *PostgresStore) DeleteVariableSet(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM variable_set_bindings WHERE variable_set_id = $1`, id); err != nil {
			return apierror.Internal(err, "deleting variable set bindings")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM variable_set_entries WHERE variable_set_id = $1`, id); err != nil {
			return apierror.Internal(err, "deleting variable set entries")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM variable_sets WHERE id = $1`, id)
		if err != nil {
			return apierror.Internal(err, "deleting variable set")
		}
		if tag.RowsAffected() == 0 {
			return apierror.NotFound("variable set %s not found", id)
		}
		return nil
	})
}

// UpsertVariableSetEntry inserts or replaces one key's value within a set.
func (s *PostgresStore) UpsertVariableSetEntry(ctx context.Context, variableSetID uuid.UUID, key, value string, sensitive bool, ciSecretName string, category VariableCategory) (VariableSetEntry, error) {
	query := `INSERT INTO variable_set_entries (variable_set_id, key, value, sensitive, ci_secret_name, category)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (variable_set_id, key) DO UPDATE SET
			value = excluded.value, sensitive = excluded.sensitive,
			ci_secret_name = excluded.ci_secret_name, category = excluded.category
		RETURNING id, variable_set_id, key, value, sensitive, ci_secret_name, category, created_at`
	var e VariableSetEntry
	err := s.pool.QueryRow(ctx, query, variableSetID, key, value, sensitive, ciSecretName, category).Scan(
		&e.ID, &e.VariableSetID, &e.Key, &e.Value, &e.Sensitive, &e.CISecretName, &e.Category, &e.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return VariableSetEntry{}, apierror.NotFound("variable set %s not found", variableSetID)
		}
		return VariableSetEntry{}, apierror.Internal(err, "upserting variable set entry")
	}
	return e, nil
}

// DeleteVariableSetEntry removes one key from a set.
func (s *PostgresStore) DeleteVariableSetEntry(ctx context.Context, variableSetID uuid.UUID, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM variable_set_entries WHERE variable_set_id = $1 AND key = $2`, variableSetID, key)
	if err != nil {
		return apierror.Internal(err, "deleting variable set entry")
	}
	if tag.RowsAffected() == 0 {
		return apierror.NotFound("variable %s not found in set %s", key, variableSetID)
	}
	return nil
}

// ListVariableSetEntries returns every key/value pair in a set.
func (s *PostgresStore) ListVariableSetEntries(ctx context.Context, variableSetID uuid.UUID) ([]VariableSetEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, variable_set_id, key, value, sensitive, ci_secret_name, category, created_at
		FROM variable_set_entries WHERE variable_set_id = $1 ORDER BY key ASC`, variableSetID)
	if err != nil {
		return nil, apierror.Internal(err, "listing variable set entries")
	}
	defer rows.Close()
	var items []VariableSetEntry
	for rows.Next() {
		var e VariableSetEntry
		if err := rows.Scan(&e.ID, &e.VariableSetID, &e.Key, &e.Value, &e.Sensitive, &e.CISecretName, &e.Category, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning variable set entry row: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// BindVariableSet attaches a variable set to an environment or module.
func (s *PostgresStore) BindVariableSet(ctx context.Context, variableSetID uuid.UUID, targetKind BindingScopeKind, targetID uuid.UUID, priority int) (VariableSetBinding, error) {
	query := `INSERT INTO variable_set_bindings (variable_set_id, target_kind, target_id, priority)
		VALUES ($1, $2, $3, $4) RETURNING id, variable_set_id, target_kind, target_id, priority, created_at`
	var b VariableSetBinding
	err := s.pool.QueryRow(ctx, query, variableSetID, targetKind, targetID, priority).Scan(
		&b.ID, &b.VariableSetID, &b.TargetKind, &b.TargetID, &b.Priority, &b.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return VariableSetBinding{}, apierror.NotFound("variable set %s not found", variableSetID)
		}
		return VariableSetBinding{}, apierror.Internal(err, "binding variable set")
	}
	return b, nil
}

// UnbindVariableSet removes one binding by id.
func (s *PostgresStore) UnbindVariableSet(ctx context.Context, bindingID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM variable_set_bindings WHERE id = $1`, bindingID)
	if err != nil {
		return apierror.Internal(err, "unbinding variable set")
	}
	if tag.RowsAffected() == 0 {
		return apierror.NotFound("variable set binding %s not found", bindingID)
	}
	return nil
}

// ListVariableSetBindingsForTarget returns every binding attached directly
// to one environment or module, highest priority first.
func (s *PostgresStore) ListVariableSetBindingsForTarget(ctx context.Context, targetKind BindingScopeKind, targetID uuid.UUID) ([]VariableSetBinding, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, variable_set_id, target_kind, target_id, priority, created_at
		FROM variable_set_bindings WHERE target_kind = $1 AND target_id = $2 ORDER BY priority DESC`, targetKind, targetID)
	if err != nil {
		return nil, apierror.Internal(err, "listing variable set bindings")
	}
	defer rows.Close()
	var items []VariableSetBinding
	for rows.Next() {
		var b VariableSetBinding
		if err := rows.Scan(&b.ID, &b.VariableSetID, &b.TargetKind, &b.TargetID, &b.Priority, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning variable set binding row: %w", err)
		}
		items = append(items, b)
	}
	return items, rows.Err()
}
