package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

const registryTokenColumns = `id, token_hash, team, role, created_at, revoked_at`

func scanRegistryTokenRow(row pgx.Row) (RegistryToken, error) {
	var t RegistryToken
	if err := row.Scan(&t.ID, &t.TokenHash, &t.Team, &t.Role, &t.CreatedAt, &t.RevokedAt); err != nil {
		return RegistryToken{}, err
	}
	return t, nil
}

// CreateRegistryToken persists a freshly minted breg_ token's hash. The
// cleartext token never reaches this layer — callers hash it first.
func (s *PostgresStore) CreateRegistryToken(ctx context.Context, tokenHash, team string, role TokenRole) (RegistryToken, error) {
	query := `INSERT INTO registry_tokens (token_hash, team, role) VALUES ($1, $2, $3)
		RETURNING ` + registryTokenColumns
	t, err := scanRegistryTokenRow(s.pool.QueryRow(ctx, query, tokenHash, team, role))
	if err != nil {
		if isUniqueViolation(err) {
			return RegistryToken{}, apierror.Conflict("token hash collision, retry token generation")
		}
		return RegistryToken{}, apierror.Internal(err, "creating registry token")
	}
	return t, nil
}

// GetRegistryTokenByHash looks up an unrevoked token by its SHA-256 hash —
// the hot path on every authenticated request.
func (s *PostgresStore) GetRegistryTokenByHash(ctx context.Context, tokenHash string) (RegistryToken, error) {
	query := `SELECT ` + registryTokenColumns + ` FROM registry_tokens
		WHERE token_hash = $1 AND revoked_at IS NULL`
	t, err := scanRegistryTokenRow(s.pool.QueryRow(ctx, query, tokenHash))
	if err != nil {
		return RegistryToken{}, wrapNotFound(err, "registry token not found or revoked")
	}
	return t, nil
}

// ListRegistryTokens returns a team's tokens, including revoked ones, most
// recent first.
func (s *PostgresStore) ListRegistryTokens(ctx context.Context, team string) ([]RegistryToken, error) {
	query := `SELECT ` + registryTokenColumns + ` FROM registry_tokens
		WHERE team = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, team)
	if err != nil {
		return nil, apierror.Internal(err, "listing registry tokens")
	}
	defer rows.Close()
	var items []RegistryToken
	for rows.Next() {
		t, err := scanRegistryTokenRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning registry token row: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// RevokeRegistryToken marks a token revoked; it is idempotent on an
// already-revoked token.
func (s *PostgresStore) RevokeRegistryToken(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE registry_tokens SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return apierror.Internal(err, "revoking registry token")
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.getRegistryTokenByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) getRegistryTokenByID(ctx context.Context, id uuid.UUID) (RegistryToken, error) {
	query := `SELECT ` + registryTokenColumns + ` FROM registry_tokens WHERE id = $1`
	t, err := scanRegistryTokenRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return RegistryToken{}, wrapNotFound(err, "registry token %s not found", id)
	}
	return t, nil
}
