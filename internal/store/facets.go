package store

import (
	"context"
	"fmt"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

// Facet is one value/count pair in a facet breakdown, used by the registry
// search UI to render "Type (12)"-style filter sidebars.
type Facet struct {
	Value string
	Count int64
}

// FacetCounts groups the non-archived artifact catalog by type, category,
// and tag in one pass.
type FacetCounts struct {
	Types      []Facet
	Categories []Facet
	Tags       []Facet
}

// ListFacets computes facet breakdowns scoped to team (empty team means
// across all teams). Tag facets use the dialect's unnest fragment since the
// tags column is a JSON blob, not a native array, in either backend.
func (s *PostgresStore) ListFacets(ctx context.Context, team string) (FacetCounts, error) {
	var counts FacetCounts

	typeQuery := `SELECT type, count(*) FROM artifacts WHERE status != 'archived'`
	categoryQuery := `SELECT category, count(*) FROM artifacts WHERE status != 'archived' AND category != ''`
	args := []any{}
	if team != "" {
		typeQuery += ` AND team = $1`
		categoryQuery += ` AND team = $1`
		args = append(args, team)
	}
	typeQuery += ` GROUP BY type ORDER BY count(*) DESC`
	categoryQuery += ` GROUP BY category ORDER BY count(*) DESC`

	rows, err := s.pool.Query(ctx, typeQuery, args...)
	if err != nil {
		return FacetCounts{}, apierror.Internal(err, "computing type facets")
	}
	for rows.Next() {
		var f Facet
		if err := rows.Scan(&f.Value, &f.Count); err != nil {
			rows.Close()
			return FacetCounts{}, fmt.Errorf("scanning type facet: %w", err)
		}
		counts.Types = append(counts.Types, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return FacetCounts{}, apierror.Internal(err, "iterating type facets")
	}

	rows, err = s.pool.Query(ctx, categoryQuery, args...)
	if err != nil {
		return FacetCounts{}, apierror.Internal(err, "computing category facets")
	}
	for rows.Next() {
		var f Facet
		if err := rows.Scan(&f.Value, &f.Count); err != nil {
			rows.Close()
			return FacetCounts{}, fmt.Errorf("scanning category facet: %w", err)
		}
		counts.Categories = append(counts.Categories, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return FacetCounts{}, apierror.Internal(err, "iterating category facets")
	}

	tagFrom := s.dialect.TagsUnnestFrom("artifacts", "tags", "t")
	tagQuery := fmt.Sprintf(`SELECT t.tag, count(*) FROM %s WHERE artifacts.status != 'archived'`, tagFrom)
	tagArgs := []any{}
	if team != "" {
		tagQuery += fmt.Sprintf(` AND artifacts.team = %s`, s.dialect.Placeholder(1))
		tagArgs = append(tagArgs, team)
	}
	tagQuery += ` GROUP BY t.tag ORDER BY count(*) DESC`

	rows, err = s.pool.Query(ctx, tagQuery, tagArgs...)
	if err != nil {
		return FacetCounts{}, apierror.Internal(err, "computing tag facets")
	}
	defer rows.Close()
	for rows.Next() {
		var f Facet
		if err := rows.Scan(&f.Value, &f.Count); err != nil {
			return FacetCounts{}, fmt.Errorf("scanning tag facet: %w", err)
		}
		counts.Tags = append(counts.Tags, f)
	}
	return counts, rows.Err()
}
