package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

const versionColumns = `id, artifact_id, version, major, minor, patch, prerelease,
	approval_status, is_latest, is_bad, yank_reason, published_by, metadata,
	storage_ref, examples, dependencies, created_at, updated_at`

func scanVersionRow(row pgx.Row) (Version, error) {
	var v Version
	var metadata, examples, dependencies []byte
	err := row.Scan(
		&v.ID, &v.ArtifactID, &v.Version, &v.Major, &v.Minor, &v.Patch, &v.Prerelease,
		&v.ApprovalStatus, &v.IsLatest, &v.IsBad, &v.YankReason, &v.PublishedBy, &metadata,
		&v.StorageRef, &examples, &dependencies, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return Version{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &v.Metadata); err != nil {
			return Version{}, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	if len(examples) > 0 {
		if err := json.Unmarshal(examples, &v.Examples); err != nil {
			return Version{}, fmt.Errorf("unmarshaling examples: %w", err)
		}
	}
	if len(dependencies) > 0 {
		if err := json.Unmarshal(dependencies, &v.Dependencies); err != nil {
			return Version{}, fmt.Errorf("unmarshaling dependencies: %w", err)
		}
	}
	return v, nil
}

func scanVersionRows(rows pgx.Rows) ([]Version, error) {
	defer rows.Close()
	var items []Version
	for rows.Next() {
		v, err := scanVersionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning version row: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating version rows: %w", err)
	}
	return items, nil
}

// CreateVersionParams holds the fields accepted when publishing a Version.
type CreateVersionParams struct {
	ArtifactID   uuid.UUID
	Version      string
	Major        int
	Minor        int
	Patch        int
	Prerelease   string
	PublishedBy  string
	Metadata     VersionMetadata
	StorageRef   string
	Examples     []string
	Dependencies []string
}

// CreateVersion inserts a new Version in pending approval status. Duplicate
// (artifact_id, version) returns an AlreadyExists error.
func (s *PostgresStore) CreateVersion(ctx context.Context, p CreateVersionParams) (Version, error) {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return Version{}, apierror.Internal(err, "marshaling metadata")
	}
	examples, err := json.Marshal(p.Examples)
	if err != nil {
		return Version{}, apierror.Internal(err, "marshaling examples")
	}
	dependencies, err := json.Marshal(p.Dependencies)
	if err != nil {
		return Version{}, apierror.Internal(err, "marshaling dependencies")
	}

	query := `INSERT INTO artifact_versions (
		artifact_id, version, major, minor, patch, prerelease,
		approval_status, published_by, metadata, storage_ref, examples, dependencies
	) VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, $10, $11)
	RETURNING ` + versionColumns

	row := s.pool.QueryRow(ctx, query,
		p.ArtifactID, p.Version, p.Major, p.Minor, p.Patch, p.Prerelease,
		p.PublishedBy, metadata, p.StorageRef, examples, dependencies,
	)
	v, err := scanVersionRow(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Version{}, apierror.AlreadyExists("version %s already exists for this artifact", p.Version)
		}
		if isForeignKeyViolation(err) {
			return Version{}, apierror.NotFound("artifact %s not found", p.ArtifactID)
		}
		return Version{}, apierror.Internal(err, "creating version")
	}
	return v, nil
}

// GetVersion returns a single version by artifact id and version string.
func (s *PostgresStore) GetVersion(ctx context.Context, artifactID uuid.UUID, version string) (Version, error) {
	query := `SELECT ` + versionColumns + ` FROM artifact_versions WHERE artifact_id = $1 AND version = $2`
	v, err := scanVersionRow(s.pool.QueryRow(ctx, query, artifactID, version))
	if err != nil {
		return Version{}, wrapNotFound(err, "version %s not found", version)
	}
	return v, nil
}

// GetVersionByID returns a single version by id.
func (s *PostgresStore) GetVersionByID(ctx context.Context, id uuid.UUID) (Version, error) {
	query := `SELECT ` + versionColumns + ` FROM artifact_versions WHERE id = $1`
	v, err := scanVersionRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Version{}, wrapNotFound(err, "version %s not found", id)
	}
	return v, nil
}

// ListVersions returns all versions of an artifact ordered by
// (major, minor, patch) descending, stable.
func (s *PostgresStore) ListVersions(ctx context.Context, artifactID uuid.UUID) ([]Version, error) {
	query := `SELECT ` + versionColumns + ` FROM artifact_versions
		WHERE artifact_id = $1
		ORDER BY major DESC, minor DESC, patch DESC, id ASC`
	rows, err := s.pool.Query(ctx, query, artifactID)
	if err != nil {
		return nil, apierror.Internal(err, "listing versions")
	}
	return scanVersionRows(rows)
}

// PendingApproval pairs a pending version with its owning artifact, the
// shape the governance approvals endpoint lists across a whole team without
// making the caller re-fetch each artifact individually.
type PendingApproval struct {
	Version           Version
	ArtifactID        uuid.UUID
	ArtifactNamespace string
	ArtifactName      string
}

// ListPendingApprovals returns every pending-approval version across a
// team's artifacts (or every team when team is ""), newest first.
func (s *PostgresStore) ListPendingApprovals(ctx context.Context, team string) ([]PendingApproval, error) {
	cols := versionColumnsPrefixed("v")
	query := `SELECT ` + cols + `, a.id, a.namespace, a.name
		FROM artifact_versions v JOIN artifacts a ON a.id = v.artifact_id
		WHERE v.approval_status = 'pending'`
	args := []any{}
	if team != "" {
		args = append(args, team)
		query += ` AND a.team = $1`
	}
	query += ` ORDER BY v.created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apierror.Internal(err, "listing pending approvals")
	}
	defer rows.Close()

	var items []PendingApproval
	for rows.Next() {
		var metadata, examples, dependencies []byte
		var p PendingApproval
		err := rows.Scan(
			&p.Version.ID, &p.Version.ArtifactID, &p.Version.Version, &p.Version.Major, &p.Version.Minor, &p.Version.Patch, &p.Version.Prerelease,
			&p.Version.ApprovalStatus, &p.Version.IsLatest, &p.Version.IsBad, &p.Version.YankReason, &p.Version.PublishedBy, &metadata,
			&p.Version.StorageRef, &examples, &dependencies, &p.Version.CreatedAt, &p.Version.UpdatedAt,
			&p.ArtifactID, &p.ArtifactNamespace, &p.ArtifactName,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning pending approval row: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &p.Version.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshaling metadata: %w", err)
			}
		}
		if len(examples) > 0 {
			if err := json.Unmarshal(examples, &p.Version.Examples); err != nil {
				return nil, fmt.Errorf("unmarshaling examples: %w", err)
			}
		}
		if len(dependencies) > 0 {
			if err := json.Unmarshal(dependencies, &p.Version.Dependencies); err != nil {
				return nil, fmt.Errorf("unmarshaling dependencies: %w", err)
			}
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// versionColumnsPrefixed returns versionColumns with each column qualified
// by alias, for queries that join artifact_versions against another table.
func versionColumnsPrefixed(alias string) string {
	cols := []string{"id", "artifact_id", "version", "major", "minor", "patch", "prerelease",
		"approval_status", "is_latest", "is_bad", "yank_reason", "published_by", "metadata",
		"storage_ref", "examples", "dependencies", "created_at", "updated_at"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

// ApproveVersion transactionally approves a pending version: it locks the
// target row, clears is_latest on sibling versions of the same artifact,
// and flips the target to approved + is_latest. If the version is not
// pending (already approved/rejected by a concurrent caller), it is a no-op
// and returns (Version{}, false, nil) so the caller can treat it as idempotent.
func (s *PostgresStore) ApproveVersion(ctx context.Context, id uuid.UUID) (Version, bool, error) {
	var result Version
	var approved bool

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+versionColumns+` FROM artifact_versions WHERE id = $1 FOR UPDATE`, id)
		current, err := scanVersionRow(row)
		if err != nil {
			return wrapNotFound(err, "version %s not found", id)
		}
		if current.ApprovalStatus != ApprovalStatusPending {
			return nil
		}

		if _, err := tx.Exec(ctx, `UPDATE artifact_versions SET is_latest = false WHERE artifact_id = $1`, current.ArtifactID); err != nil {
			return apierror.Internal(err, "clearing sibling is_latest flags")
		}

		row = tx.QueryRow(ctx, `UPDATE artifact_versions
			SET approval_status = 'approved', is_latest = true, updated_at = now()
			WHERE id = $1 RETURNING `+versionColumns, id)
		updated, err := scanVersionRow(row)
		if err != nil {
			return apierror.Internal(err, "approving version")
		}
		result = updated
		approved = true
		return nil
	})
	if err != nil {
		return Version{}, false, err
	}
	return result, approved, nil
}

// RejectVersion marks a pending version rejected. No-op (returns the
// unchanged row) if the version is not pending.
func (s *PostgresStore) RejectVersion(ctx context.Context, id uuid.UUID) (Version, error) {
	query := `UPDATE artifact_versions SET approval_status = 'rejected', updated_at = now()
		WHERE id = $1 AND approval_status = 'pending' RETURNING ` + versionColumns
	v, err := scanVersionRow(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return s.GetVersionByID(ctx, id)
	}
	if err != nil {
		return Version{}, apierror.Internal(err, "rejecting version")
	}
	return v, nil
}

// YankVersion marks a version bad with a reason. Does not clear is_latest —
// downloads reject yanked versions regardless of latest status.
func (s *PostgresStore) YankVersion(ctx context.Context, id uuid.UUID, reason string) (Version, error) {
	query := `UPDATE artifact_versions SET is_bad = true, yank_reason = $2, updated_at = now()
		WHERE id = $1 RETURNING ` + versionColumns
	v, err := scanVersionRow(s.pool.QueryRow(ctx, query, id, reason))
	if err != nil {
		return Version{}, wrapNotFound(err, "version %s not found", id)
	}
	return v, nil
}

// RecordApproval idempotently records one approver's signature, returning
// the total distinct approver count for the version afterward.
func (s *PostgresStore) RecordApproval(ctx context.Context, versionID uuid.UUID, actor string) (int, error) {
	_, err := s.pool.Exec(ctx, `INSERT INTO version_approvals (version_id, actor)
		VALUES ($1, $2) ON CONFLICT (version_id, actor) DO NOTHING`, versionID, actor)
	if err != nil {
		return 0, apierror.Internal(err, "recording approval")
	}
	var count int
	err = s.pool.QueryRow(ctx, `SELECT count(*) FROM version_approvals WHERE version_id = $1`, versionID).Scan(&count)
	if err != nil {
		return 0, apierror.Internal(err, "counting approvals")
	}
	return count, nil
}

// ListApprovals returns every recorded approval for a version.
func (s *PostgresStore) ListApprovals(ctx context.Context, versionID uuid.UUID) ([]VersionApproval, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, version_id, actor, created_at
		FROM version_approvals WHERE version_id = $1 ORDER BY created_at ASC`, versionID)
	if err != nil {
		return nil, apierror.Internal(err, "listing approvals")
	}
	defer rows.Close()
	var items []VersionApproval
	for rows.Next() {
		var a VersionApproval
		if err := rows.Scan(&a.ID, &a.VersionID, &a.Actor, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning approval row: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// GetLatestApprovedVersion returns the artifact's current is_latest version,
// used by the output resolver and BYOC config assembly to resolve
// "current_version" when a module tracks latest instead of a pinned version.
func (s *PostgresStore) GetLatestApprovedVersion(ctx context.Context, artifactID uuid.UUID) (Version, error) {
	query := `SELECT ` + versionColumns + ` FROM artifact_versions
		WHERE artifact_id = $1 AND is_latest = true AND approval_status = 'approved'`
	v, err := scanVersionRow(s.pool.QueryRow(ctx, query, artifactID))
	if err != nil {
		return Version{}, wrapNotFound(err, "no approved latest version for artifact %s", artifactID)
	}
	return v, nil
}
