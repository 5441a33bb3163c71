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

const policyTemplateColumns = `id, name, enforcement_level, rules, created_at, updated_at`

func scanPolicyTemplateRow(row pgx.Row) (PolicyTemplate, error) {
	var p PolicyTemplate
	var rules []byte
	if err := row.Scan(&p.ID, &p.Name, &p.EnforcementLevel, &rules, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return PolicyTemplate{}, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &p.Rules); err != nil {
			return PolicyTemplate{}, fmt.Errorf("unmarshaling rules: %w", err)
		}
	}
	return p, nil
}

// CreatePolicyTemplate inserts a new reusable rule set.
func (s *PostgresStore) CreatePolicyTemplate(ctx context.Context, name string, level EnforcementLevel, rules PolicyRules) (PolicyTemplate, error) {
	payload, err := json.Marshal(rules)
	if err != nil {
		return PolicyTemplate{}, apierror.Internal(err, "marshaling rules")
	}
	query := `INSERT INTO policy_templates (name, enforcement_level, rules)
		VALUES ($1, $2, $3) RETURNING ` + policyTemplateColumns
	p, err := scanPolicyTemplateRow(s.pool.QueryRow(ctx, query, name, level, payload))
	if err != nil {
		if isUniqueViolation(err) {
			return PolicyTemplate{}, apierror.AlreadyExists("policy template %s already exists", name)
		}
		return PolicyTemplate{}, apierror.Internal(err, "creating policy template")
	}
	return p, nil
}

// GetPolicyTemplate returns a template by id.
func (s *PostgresStore) GetPolicyTemplate(ctx context.Context, id uuid.UUID) (PolicyTemplate, error) {
	query := `SELECT ` + policyTemplateColumns + ` FROM policy_templates WHERE id = $1`
	p, err := scanPolicyTemplateRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return PolicyTemplate{}, wrapNotFound(err, "policy template %s not found", id)
	}
	return p, nil
}

// UpdatePolicyTemplate replaces a template's enforcement level and rules.
func (s *PostgresStore) UpdatePolicyTemplate(ctx context.Context, id uuid.UUID, level EnforcementLevel, rules PolicyRules) (PolicyTemplate, error) {
	payload, err := json.Marshal(rules)
	if err != nil {
		return PolicyTemplate{}, apierror.Internal(err, "marshaling rules")
	}
	query := `UPDATE policy_templates SET enforcement_level = $2, rules = $3, updated_at = now()
		WHERE id = $1 RETURNING ` + policyTemplateColumns
	p, err := scanPolicyTemplateRow(s.pool.QueryRow(ctx, query, id, level, payload))
	if err != nil {
		return PolicyTemplate{}, wrapNotFound(err, "policy template %s not found", id)
	}
	return p, nil
}

// ListPolicyTemplates returns every policy template.
func (s *PostgresStore) ListPolicyTemplates(ctx context.Context) ([]PolicyTemplate, error) {
	query := `SELECT ` + policyTemplateColumns + ` FROM policy_templates ORDER BY name ASC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, apierror.Internal(err, "listing policy templates")
	}
	defer rows.Close()
	var items []PolicyTemplate
	for rows.Next() {
		p, err := scanPolicyTemplateRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning policy template row: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// DeletePolicyTemplate removes a template and its bindings.
func (s *PostgresStore) DeletePolicyTemplate(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM policy_bindings WHERE template_id = $1`, id); err != nil {
			return apierror.Internal(err, "deleting policy bindings")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM policy_templates WHERE id = $1`, id)
		if err != nil {
			return apierror.Internal(err, "deleting policy template")
		}
		if tag.RowsAffected() == 0 {
			return apierror.NotFound("policy template %s not found", id)
		}
		return nil
	})
}

// BindPolicyTemplate attaches a template to a scope (global/team/namespace/artifact).
// scopeValue is ignored (stored empty) for ScopeGlobal.
func (s *PostgresStore) BindPolicyTemplate(ctx context.Context, templateID uuid.UUID, scopeType PolicyScopeKind, scopeValue string) (PolicyBinding, error) {
	if scopeType == ScopeGlobal {
		scopeValue = ""
	}
	query := `INSERT INTO policy_bindings (template_id, scope_type, scope_value)
		VALUES ($1, $2, $3) RETURNING id, template_id, scope_type, scope_value, created_at`
	var b PolicyBinding
	err := s.pool.QueryRow(ctx, query, templateID, scopeType, scopeValue).Scan(
		&b.ID, &b.TemplateID, &b.ScopeType, &b.ScopeValue, &b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return PolicyBinding{}, apierror.AlreadyExists("a policy is already bound to this scope")
		}
		if isForeignKeyViolation(err) {
			return PolicyBinding{}, apierror.NotFound("policy template %s not found", templateID)
		}
		return PolicyBinding{}, apierror.Internal(err, "binding policy template")
	}
	return b, nil
}

// UnbindPolicyTemplate removes one binding by id.
func (s *PostgresStore) UnbindPolicyTemplate(ctx context.Context, bindingID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM policy_bindings WHERE id = $1`, bindingID)
	if err != nil {
		return apierror.Internal(err, "unbinding policy template")
	}
	if tag.RowsAffected() == 0 {
		return apierror.NotFound("policy binding %s not found", bindingID)
	}
	return nil
}

// ResolvedPolicyScope is one candidate binding the resolver considers,
// ordered from most to least specific (artifact, namespace, team, global).
type ResolvedPolicyScope struct {
	Binding  PolicyBinding
	Template PolicyTemplate
}

// ListApplicablePolicyBindings returns every binding whose scope could apply
// to an artifact in (namespace, team), joined with its template, for the
// resolver's 5-step scope-merge algorithm to rank and combine.
func (s *PostgresStore) ListApplicablePolicyBindings(ctx context.Context, namespace, team string) ([]ResolvedPolicyScope, error) {
	query := `SELECT b.id, b.template_id, b.scope_type, b.scope_value, b.created_at,
		t.id, t.name, t.enforcement_level, t.rules, t.created_at, t.updated_at
		FROM policy_bindings b JOIN policy_templates t ON t.id = b.template_id
		WHERE b.scope_type = 'global'
		   OR (b.scope_type = 'team' AND b.scope_value = $1)
		   OR (b.scope_type = 'namespace' AND b.scope_value = $2)`
	rows, err := s.pool.Query(ctx, query, team, namespace)
	if err != nil {
		return nil, apierror.Internal(err, "listing applicable policy bindings")
	}
	defer rows.Close()

	var items []ResolvedPolicyScope
	for rows.Next() {
		var r ResolvedPolicyScope
		var rules []byte
		if err := rows.Scan(
			&r.Binding.ID, &r.Binding.TemplateID, &r.Binding.ScopeType, &r.Binding.ScopeValue, &r.Binding.CreatedAt,
			&r.Template.ID, &r.Template.Name, &r.Template.EnforcementLevel, &rules, &r.Template.CreatedAt, &r.Template.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning policy binding row: %w", err)
		}
		if len(rules) > 0 {
			if err := json.Unmarshal(rules, &r.Template.Rules); err != nil {
				return nil, fmt.Errorf("unmarshaling rules: %w", err)
			}
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// ListArtifactScopedPolicyBinding returns the single artifact-scoped binding
// for artifactID, if any — the most specific scope level, checked first by
// the resolver.
func (s *PostgresStore) ListArtifactScopedPolicyBinding(ctx context.Context, artifactID uuid.UUID) (ResolvedPolicyScope, bool, error) {
	query := `SELECT b.id, b.template_id, b.scope_type, b.scope_value, b.created_at,
		t.id, t.name, t.enforcement_level, t.rules, t.created_at, t.updated_at
		FROM policy_bindings b JOIN policy_templates t ON t.id = b.template_id
		WHERE b.scope_type = 'artifact' AND b.scope_value = $1`
	var r ResolvedPolicyScope
	var rules []byte
	err := s.pool.QueryRow(ctx, query, artifactID.String()).Scan(
		&r.Binding.ID, &r.Binding.TemplateID, &r.Binding.ScopeType, &r.Binding.ScopeValue, &r.Binding.CreatedAt,
		&r.Template.ID, &r.Template.Name, &r.Template.EnforcementLevel, &rules, &r.Template.CreatedAt, &r.Template.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return ResolvedPolicyScope{}, false, nil
	}
	if err != nil {
		return ResolvedPolicyScope{}, false, apierror.Internal(err, "looking up artifact-scoped policy binding")
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &r.Template.Rules); err != nil {
			return ResolvedPolicyScope{}, false, fmt.Errorf("unmarshaling rules: %w", err)
		}
	}
	return r, true, nil
}

// RecordPolicyEvaluation appends one decision-log row.
func (s *PostgresStore) RecordPolicyEvaluation(ctx context.Context, e PolicyEvaluation) (PolicyEvaluation, error) {
	failedRules, err := json.Marshal(e.FailedRules)
	if err != nil {
		return PolicyEvaluation{}, apierror.Internal(err, "marshaling failed_rules")
	}
	query := `INSERT INTO policy_evaluations (artifact_id, version_id, action, enforcement_level, decision, failed_rules, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, artifact_id, version_id, action, enforcement_level, decision, failed_rules, actor, created_at`
	var out PolicyEvaluation
	var rawFailed []byte
	err = s.pool.QueryRow(ctx, query, e.ArtifactID, e.VersionID, e.Action, e.EnforcementLevel, e.Decision, failedRules, e.Actor).Scan(
		&out.ID, &out.ArtifactID, &out.VersionID, &out.Action, &out.EnforcementLevel, &out.Decision, &rawFailed, &out.Actor, &out.CreatedAt)
	if err != nil {
		return PolicyEvaluation{}, apierror.Internal(err, "recording policy evaluation")
	}
	if len(rawFailed) > 0 {
		if err := json.Unmarshal(rawFailed, &out.FailedRules); err != nil {
			return PolicyEvaluation{}, fmt.Errorf("unmarshaling failed_rules: %w", err)
		}
	}
	return out, nil
}

// ListPolicyEvaluations returns an artifact's recent evaluation log, most recent first.
func (s *PostgresStore) ListPolicyEvaluations(ctx context.Context, artifactID uuid.UUID, limit int) ([]PolicyEvaluation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, artifact_id, version_id, action, enforcement_level, decision, failed_rules, actor, created_at
		FROM policy_evaluations WHERE artifact_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, artifactID, limit)
	if err != nil {
		return nil, apierror.Internal(err, "listing policy evaluations")
	}
	defer rows.Close()
	var items []PolicyEvaluation
	for rows.Next() {
		var e PolicyEvaluation
		var failedRules []byte
		if err := rows.Scan(&e.ID, &e.ArtifactID, &e.VersionID, &e.Action, &e.EnforcementLevel, &e.Decision, &failedRules, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning policy evaluation row: %w", err)
		}
		if len(failedRules) > 0 {
			if err := json.Unmarshal(failedRules, &e.FailedRules); err != nil {
				return nil, fmt.Errorf("unmarshaling failed_rules: %w", err)
			}
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// SweepPolicyEvaluations deletes evaluation rows older than retention,
// keeping the append-only decision log bounded.
func (s *PostgresStore) SweepPolicyEvaluations(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM policy_evaluations WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, apierror.Internal(err, "sweeping policy evaluations")
	}
	return int(tag.RowsAffected()), nil
}
