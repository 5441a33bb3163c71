package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/butlerdotdev/butler-registry/internal/apierror"
)

// cycleCheckSQL asks "starting from `to`, can we reach `from` via existing
// edges?" — if so, adding from->to would close a cycle. Grounded on
// Heikkila-Pty-Ltd-cortex/internal/graph/dag.go's ensureNoCycle, generalized
// from a single proposed edge to SetModuleDependencies' full proposed set.
const cycleCheckSQL = `
WITH RECURSIVE reachable(module_id) AS (
	SELECT depends_on_id FROM module_dependencies WHERE module_id = $1
	UNION ALL
	SELECT md.depends_on_id FROM module_dependencies md
	JOIN reachable r ON md.module_id = r.module_id
)
SELECT 1 FROM reachable WHERE module_id = $2 LIMIT 1`

// SetModuleDependenciesParams describes the full proposed dependency edge
// set for one module, replacing whatever edges currently exist from it.
type SetModuleDependenciesParams struct {
	ModuleID     uuid.UUID
	EnvironmentID uuid.UUID
	DependsOn    []DependencyEdge
}

// DependencyEdge is one proposed (depends_on, output_mappings) pair.
type DependencyEdge struct {
	DependsOnID    uuid.UUID
	OutputMappings []OutputMapping
}

// SetModuleDependencies replaces a module's outgoing dependency edges,
// rejecting the entire proposed set if any edge would create a cycle in the
// environment's module DAG. Write-time cycle detection is the primary
// guard (see TopologicalSort's redundant defense-in-depth check).
func (s *PostgresStore) SetModuleDependencies(ctx context.Context, p SetModuleDependenciesParams) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Remove the module's current outgoing edges so the cycle check
		// below runs against the graph as it will look post-update, not
		// including edges we're about to replace.
		if _, err := tx.Exec(ctx, `DELETE FROM module_dependencies WHERE module_id = $1`, p.ModuleID); err != nil {
			return apierror.Internal(err, "clearing existing dependencies")
		}

		for _, edge := range p.DependsOn {
			if edge.DependsOnID == p.ModuleID {
				return apierror.Validation("module cannot depend on itself")
			}
			var marker int
			err := tx.QueryRow(ctx, cycleCheckSQL, edge.DependsOnID, p.ModuleID).Scan(&marker)
			if err == nil {
				return apierror.Validation("dependency %s -> %s would create a cycle", p.ModuleID, edge.DependsOnID)
			}
			if err != pgx.ErrNoRows {
				return apierror.Internal(err, "checking for cycle")
			}

			mappings, err := json.Marshal(edge.OutputMappings)
			if err != nil {
				return apierror.Internal(err, "marshaling output mappings")
			}
			if _, err := tx.Exec(ctx, `INSERT INTO module_dependencies (module_id, depends_on_id, output_mapping)
				VALUES ($1, $2, $3)`, p.ModuleID, edge.DependsOnID, mappings); err != nil {
				return apierror.Internal(err, "inserting dependency")
			}
		}
		return nil
	})
}

// ListDependencies returns every dependency edge within an environment.
func (s *PostgresStore) ListDependencies(ctx context.Context, environmentID uuid.UUID) ([]ModuleDependency, error) {
	rows, err := s.pool.Query(ctx, `SELECT d.id, d.module_id, d.depends_on_id, d.output_mapping, d.created_at
		FROM module_dependencies d
		JOIN environment_modules m ON m.id = d.module_id
		WHERE m.environment_id = $1`, environmentID)
	if err != nil {
		return nil, apierror.Internal(err, "listing dependencies")
	}
	defer rows.Close()

	var items []ModuleDependency
	for rows.Next() {
		var d ModuleDependency
		var mappings []byte
		if err := rows.Scan(&d.ID, &d.ModuleID, &d.DependsOnID, &mappings, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dependency row: %w", err)
		}
		if len(mappings) > 0 {
			if err := json.Unmarshal(mappings, &d.OutputMappings); err != nil {
				return nil, fmt.Errorf("unmarshaling output_mapping: %w", err)
			}
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// ListModuleDependencies returns one module's outgoing dependency edges —
// the upstreams it depends on, together with their output mappings — used
// by the BYOC bridge to project upstream outputs into this module's config.
func (s *PostgresStore) ListModuleDependencies(ctx context.Context, moduleID uuid.UUID) ([]ModuleDependency, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, module_id, depends_on_id, output_mapping, created_at
		FROM module_dependencies WHERE module_id = $1`, moduleID)
	if err != nil {
		return nil, apierror.Internal(err, "listing module dependencies")
	}
	defer rows.Close()

	var items []ModuleDependency
	for rows.Next() {
		var d ModuleDependency
		var mappings []byte
		if err := rows.Scan(&d.ID, &d.ModuleID, &d.DependsOnID, &mappings, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dependency row: %w", err)
		}
		if len(mappings) > 0 {
			if err := json.Unmarshal(mappings, &d.OutputMappings); err != nil {
				return nil, fmt.Errorf("unmarshaling output_mapping: %w", err)
			}
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// TopologicalSort computes Kahn's algorithm over an environment's module
// DAG: in-degrees, repeatedly emitting zero-in-degree nodes in ascending-id
// order for deterministic, test-stable output. If the result omits any
// module, the graph has a cycle the write-time guard should have already
// rejected — this is the sort-time defense-in-depth assertion from the
// design notes, not the primary guard.
func (s *PostgresStore) TopologicalSort(ctx context.Context, environmentID uuid.UUID) ([]uuid.UUID, error) {
	modules, err := s.ListModules(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	edges, err := s.ListDependencies(ctx, environmentID)
	if err != nil {
		return nil, err
	}

	nodeNames := make(map[uuid.UUID]string, len(modules))
	nodeIDs := make([]uuid.UUID, 0, len(modules))
	for _, m := range modules {
		nodeNames[m.ID] = m.Name
		nodeIDs = append(nodeIDs, m.ID)
	}

	order, remaining := kahnSort(nodeIDs, edges)
	if remaining != nil {
		names := make([]string, 0, len(remaining))
		for _, id := range remaining {
			names = append(names, nodeNames[id])
		}
		sort.Strings(names)
		return nil, apierror.Validation("cycle detected among modules: %v", names)
	}
	return order, nil
}

// kahnSort runs Kahn's algorithm over nodeIDs given dependency edges (each
// edge's ModuleID depends on its DependsOnID), repeatedly emitting
// zero-in-degree nodes in ascending-id order for deterministic output. It
// returns the full topological order, or (nil, remaining) naming the nodes
// still stuck with unresolved in-degree when the graph contains a cycle.
// Extracted from TopologicalSort as pure logic so it's testable without a
// database.
func kahnSort(nodeIDs []uuid.UUID, edges []ModuleDependency) (order []uuid.UUID, remaining []uuid.UUID) {
	inDegree := make(map[uuid.UUID]int, len(nodeIDs))
	adjacency := make(map[uuid.UUID][]uuid.UUID)
	for _, id := range nodeIDs {
		inDegree[id] = 0
	}
	for _, e := range edges {
		// e.ModuleID depends on e.DependsOnID: DependsOnID must complete
		// first, so the edge in the in-degree graph runs DependsOnID -> ModuleID.
		adjacency[e.DependsOnID] = append(adjacency[e.DependsOnID], e.ModuleID)
		inDegree[e.ModuleID]++
	}

	ready := readyIDs(inDegree)
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range adjacency[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(nodeIDs) {
		for id, degree := range inDegree {
			if degree > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, remaining
	}
	return order, nil
}

func readyIDs(inDegree map[uuid.UUID]int) []uuid.UUID {
	var ready []uuid.UUID
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	return ready
}

// DirectDependents returns the module ids that directly depend on moduleID
// (i.e. have an edge moduleID -> dependent), used by the DAG executor's
// progression and failure-propagation BFS.
func (s *PostgresStore) DirectDependents(ctx context.Context, moduleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT module_id FROM module_dependencies WHERE depends_on_id = $1`, moduleID)
	if err != nil {
		return nil, apierror.Internal(err, "listing direct dependents")
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning dependent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DirectUpstreams returns the module ids moduleID directly depends on.
func (s *PostgresStore) DirectUpstreams(ctx context.Context, moduleID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT depends_on_id FROM module_dependencies WHERE module_id = $1`, moduleID)
	if err != nil {
		return nil, apierror.Internal(err, "listing direct upstreams")
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning upstream id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
