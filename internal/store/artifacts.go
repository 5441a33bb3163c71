package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

const artifactColumns = `id, namespace, name, provider, type, team, storage_config,
	approval_policy, source_config, tags, category, status, download_count,
	created_at, updated_at`

func scanArtifactRow(row pgx.Row) (Artifact, error) {
	var a Artifact
	var storageConfig, approvalPolicy, sourceConfig, tags []byte
	err := row.Scan(
		&a.ID, &a.Namespace, &a.Name, &a.Provider, &a.Type, &a.Team, &storageConfig,
		&approvalPolicy, &sourceConfig, &tags, &a.Category, &a.Status, &a.DownloadCount,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Artifact{}, err
	}
	if err := json.Unmarshal(storageConfig, &a.StorageConfig); err != nil {
		return Artifact{}, fmt.Errorf("unmarshaling storage_config: %w", err)
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &a.Tags); err != nil {
			return Artifact{}, fmt.Errorf("unmarshaling tags: %w", err)
		}
	}
	if len(approvalPolicy) > 0 {
		var p ApprovalPolicy
		if err := json.Unmarshal(approvalPolicy, &p); err != nil {
			return Artifact{}, fmt.Errorf("unmarshaling approval_policy: %w", err)
		}
		a.ApprovalPolicy = &p
	}
	if len(sourceConfig) > 0 {
		var sc SourceConfig
		if err := json.Unmarshal(sourceConfig, &sc); err != nil {
			return Artifact{}, fmt.Errorf("unmarshaling source_config: %w", err)
		}
		a.SourceConfig = &sc
	}
	return a, nil
}

func scanArtifactRows(rows pgx.Rows) ([]Artifact, error) {
	defer rows.Close()
	var items []Artifact
	for rows.Next() {
		a, err := scanArtifactRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact row: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating artifact rows: %w", err)
	}
	return items, nil
}

// CreateArtifactParams holds the fields accepted when creating an Artifact.
type CreateArtifactParams struct {
	Namespace      string
	Name           string
	Provider       string
	Type           ArtifactType
	Team           string
	StorageConfig  StorageConfig
	ApprovalPolicy *ApprovalPolicy
	SourceConfig   *SourceConfig
	Tags           []string
	Category       string
}

// CreateArtifact inserts a new Artifact. Duplicate (namespace, name, provider)
// returns an AlreadyExists error.
func (s *PostgresStore) CreateArtifact(ctx context.Context, p CreateArtifactParams) (Artifact, error) {
	storageConfig, err := json.Marshal(p.StorageConfig)
	if err != nil {
		return Artifact{}, apierror.Internal(err, "marshaling storage_config")
	}
	var approvalPolicy, sourceConfig []byte
	if p.ApprovalPolicy != nil {
		if approvalPolicy, err = json.Marshal(p.ApprovalPolicy); err != nil {
			return Artifact{}, apierror.Internal(err, "marshaling approval_policy")
		}
	}
	if p.SourceConfig != nil {
		if sourceConfig, err = json.Marshal(p.SourceConfig); err != nil {
			return Artifact{}, apierror.Internal(err, "marshaling source_config")
		}
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return Artifact{}, apierror.Internal(err, "marshaling tags")
	}

	query := `INSERT INTO artifacts (
		namespace, name, provider, type, team, storage_config,
		approval_policy, source_config, tags, category, status
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'active')
	RETURNING ` + artifactColumns

	row := s.pool.QueryRow(ctx, query,
		p.Namespace, p.Name, p.Provider, p.Type, p.Team, storageConfig,
		approvalPolicy, sourceConfig, tags, p.Category,
	)
	a, err := scanArtifactRow(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Artifact{}, apierror.AlreadyExists("artifact %s/%s already exists", p.Namespace, p.Name)
		}
		return Artifact{}, apierror.Internal(err, "creating artifact")
	}
	return a, nil
}

// GetArtifact returns an artifact by namespace and name, regardless of status.
func (s *PostgresStore) GetArtifact(ctx context.Context, namespace, name string) (Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE namespace = $1 AND name = $2`
	a, err := scanArtifactRow(s.pool.QueryRow(ctx, query, namespace, name))
	if err != nil {
		return Artifact{}, wrapNotFound(err, "artifact %s/%s not found", namespace, name)
	}
	return a, nil
}

// GetArtifactByProvider returns an artifact by its full (namespace, name,
// provider) key, the triple the Terraform/OpenTofu registry protocol
// addresses modules by. Provider artifacts (iac-provider) carry an empty
// provider column and are looked up with provider = "".
func (s *PostgresStore) GetArtifactByProvider(ctx context.Context, namespace, name, provider string) (Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE namespace = $1 AND name = $2 AND provider = $3`
	a, err := scanArtifactRow(s.pool.QueryRow(ctx, query, namespace, name, provider))
	if err != nil {
		return Artifact{}, wrapNotFound(err, "artifact %s/%s/%s not found", namespace, name, provider)
	}
	return a, nil
}

// GetArtifactByID returns an artifact by id.
func (s *PostgresStore) GetArtifactByID(ctx context.Context, id uuid.UUID) (Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1`
	a, err := scanArtifactRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Artifact{}, wrapNotFound(err, "artifact %s not found", id)
	}
	return a, nil
}

// ListArtifactsParams filters the artifact listing.
type ListArtifactsParams struct {
	Team            string // "" = all teams
	Type            ArtifactType
	Category        string
	Tag             string
	IncludeArchived bool
	Cursor          *CursorKey
	Limit           int
}

// ListArtifacts returns artifacts matching the filter, newest first, excluding
// archived artifacts by default.
func (s *PostgresStore) ListArtifacts(ctx context.Context, p ListArtifactsParams) ([]Artifact, error) {
	where := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !p.IncludeArchived {
		where = append(where, "status != 'archived'")
	}
	if p.Team != "" {
		where = append(where, "team = "+arg(p.Team))
	}
	if p.Type != "" {
		where = append(where, "type = "+arg(p.Type))
	}
	if p.Category != "" {
		where = append(where, "category = "+arg(p.Category))
	}
	if p.Tag != "" {
		where = append(where, s.dialect.TagsContains("tags", arg(string(mustJSON([]string{p.Tag})))))
	}
	if p.Cursor != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(p.Cursor.SortValue), arg(p.Cursor.ID)))
	}

	limit := p.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE ` +
		joinAnd(where) + ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apierror.Internal(err, "listing artifacts")
	}
	return scanArtifactRows(rows)
}

// UpdateArtifactParams holds the mutable fields of an Artifact.
type UpdateArtifactParams struct {
	ID             uuid.UUID
	Team           string
	StorageConfig  StorageConfig
	ApprovalPolicy *ApprovalPolicy
	SourceConfig   *SourceConfig
	Tags           []string
	Category       string
}

// UpdateArtifact overwrites the mutable fields of an artifact.
func (s *PostgresStore) UpdateArtifact(ctx context.Context, p UpdateArtifactParams) (Artifact, error) {
	storageConfig, err := json.Marshal(p.StorageConfig)
	if err != nil {
		return Artifact{}, apierror.Internal(err, "marshaling storage_config")
	}
	var approvalPolicy, sourceConfig []byte
	if p.ApprovalPolicy != nil {
		approvalPolicy, _ = json.Marshal(p.ApprovalPolicy)
	}
	if p.SourceConfig != nil {
		sourceConfig, _ = json.Marshal(p.SourceConfig)
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return Artifact{}, apierror.Internal(err, "marshaling tags")
	}

	query := `UPDATE artifacts SET team = $2, storage_config = $3, approval_policy = $4,
		source_config = $5, tags = $6, category = $7, updated_at = now()
		WHERE id = $1 RETURNING ` + artifactColumns

	row := s.pool.QueryRow(ctx, query, p.ID, p.Team, storageConfig, approvalPolicy, sourceConfig, tags, p.Category)
	a, err := scanArtifactRow(row)
	if err != nil {
		return Artifact{}, wrapNotFound(err, "artifact %s not found", p.ID)
	}
	return a, nil
}

// DeprecateArtifact marks an artifact deprecated (soft, reversible by UpdateArtifact).
func (s *PostgresStore) DeprecateArtifact(ctx context.Context, id uuid.UUID) (Artifact, error) {
	query := `UPDATE artifacts SET status = 'deprecated', updated_at = now() WHERE id = $1 RETURNING ` + artifactColumns
	a, err := scanArtifactRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Artifact{}, wrapNotFound(err, "artifact %s not found", id)
	}
	return a, nil
}

// ArchiveArtifact marks an artifact archived (excluded from default lists).
func (s *PostgresStore) ArchiveArtifact(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE artifacts SET status = 'archived', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return apierror.Internal(err, "archiving artifact")
	}
	if tag.RowsAffected() == 0 {
		return apierror.NotFound("artifact %s not found", id)
	}
	return nil
}

// IncrementDownloadCount bumps an artifact's download counter by one.
// Fire-and-forget from the wire-protocol download handlers via the
// background queue, never on the request path's critical section.
func (s *PostgresStore) IncrementDownloadCount(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE artifacts SET download_count = download_count + 1 WHERE id = $1`, id)
	if err != nil {
		return apierror.Internal(err, "incrementing download count")
	}
	return nil
}
