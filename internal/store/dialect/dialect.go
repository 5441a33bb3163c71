// Package dialect abstracts the handful of SQL fragments that differ between
// Postgres (JSONB operators) and SQLite (json_each), so callers in
// internal/store build one query string regardless of dialect. The only store
// in this repository, PostgresStore, always uses the Postgres dialect.
package dialect

// Dialect supplies backend-specific SQL fragments for JSON-array containment
// and unnesting. Implementations do not execute queries themselves — they
// only format the fragments that internal/store substitutes into its SQL.
type Dialect interface {
	// Name identifies the dialect, used in error messages and logs.
	Name() string

	// TagsContains returns a SQL boolean expression testing whether the tags
	// column contains the tag bound at placeholder, which is the already
	// formatted parameter marker (e.g. "$1" for Postgres, "?" for SQLite).
	TagsContains(column string, placeholder string) string

	// TagsUnnestFrom returns a SQL FROM-clause fragment that expands the
	// tags column of fromTable into one row per tag, aliased as tagAlias
	// with a single column named "tag".
	TagsUnnestFrom(fromTable, column, tagAlias string) string

	// Placeholder returns the positional parameter marker for position n
	// (1-indexed), e.g. "$1" for Postgres or "?" for SQLite.
	Placeholder(n int) string
}
