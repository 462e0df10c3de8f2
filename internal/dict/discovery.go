package dict

import (
	"context"

	"github.com/stanstork/stratum-fabric/internal/fabricerr"
)

const (
	// MaxGraphDepth bounds relationship-graph recursion.
	MaxGraphDepth = 5
)

// RelationshipGraph expands the foreign-key and text-table neighbourhood of
// a starting table into an adjacency list. Expansion is breadth-first with
// a visited set to cut cycles; it stops at depth 0 or when every neighbour
// has already been visited.
func (r *Reader) RelationshipGraph(ctx context.Context, table string, depth int) (Graph, error) {
	if depth < 1 || depth > MaxGraphDepth {
		return nil, fabricerr.Newf(fabricerr.KindConfiguration, "graph depth must be in [1,%d], got %d", MaxGraphDepth, depth)
	}

	graph := make(Graph)
	visited := make(map[string]bool)

	frontier := []string{normalizeTable(table)}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, current := range frontier {
			if visited[current] {
				continue
			}
			visited[current] = true

			fks, err := r.ForeignKeys(ctx, current)
			if err != nil {
				return nil, err
			}

			entries := make([]Relation, 0, len(fks.Relations)+len(fks.TextTables))
			entries = append(entries, fks.Relations...)
			for _, tt := range fks.TextTables {
				entries = append(entries, Relation{
					Target: tt.Table,
					Type:   RelationText,
					Fields: tt.Fields,
				})
			}
			graph[current] = entries

			for _, entry := range entries {
				if !visited[entry.Target] {
					next = append(next, entry.Target)
				}
			}
		}
		frontier = next
	}

	r.logger.Debug().
		Str("table", table).
		Int("depth", depth).
		Int("tables", len(graph)).
		Msg("relationship graph built")
	return graph, nil
}
