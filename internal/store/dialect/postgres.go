package dialect

import "fmt"

// Postgres is the production Dialect, backed by native JSONB columns.
// Grounded on the teacher's pkg/incident/store.go search/filter query
// construction, which already hand-builds JSONB predicates.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) TagsContains(column, placeholder string) string {
	return fmt.Sprintf("%s @> %s::jsonb", column, placeholder)
}

func (Postgres) TagsUnnestFrom(fromTable, column, tagAlias string) string {
	return fmt.Sprintf("%s, jsonb_array_elements_text(%s.%s) AS %s(tag)", fromTable, fromTable, column, tagAlias)
}

func (Postgres) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
