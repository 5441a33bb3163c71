package store

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal CreateArtifact/CreateVersion/etc. use to
// translate a constraint failure into a typed AlreadyExists error instead of
// a generic Internal one.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isForeignKeyViolation reports whether err is a Postgres foreign_key_violation.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// joinAnd joins WHERE clause fragments with " AND ".
func joinAnd(clauses []string) string {
	return strings.Join(clauses, " AND ")
}

// mustJSON marshals v, panicking on failure. Only used for values whose
// marshalability is a compile-time guarantee (e.g. []string literals built
// from already-validated input), never on values crossing a trust boundary.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
