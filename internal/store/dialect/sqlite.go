package dialect

// SQLite is the dev-mode Dialect, backed by modernc.org/sqlite's JSON1
// extension functions (json_each), grounded on the json_each-style queries
// Heikkila-Pty-Ltd-cortex's internal/graph/dag.go uses against its own
// modernc.org/sqlite-backed tables.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) TagsContains(column, placeholder string) string {
	return "EXISTS (SELECT 1 FROM json_each(" + column + ") WHERE json_each.value = " + placeholder + ")"
}

func (SQLite) TagsUnnestFrom(fromTable, column, tagAlias string) string {
	return fromTable + ", json_each(" + fromTable + "." + column + ") AS " + tagAlias
}

func (SQLite) Placeholder(int) string {
	return "?"
}
