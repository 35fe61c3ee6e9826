package hybrid

import (
	"github.com/memorose/memorose/pkg/types"
)

// maxTraversalVisits bounds any neighbor walk; the memory graph is cyclic
// and a traversal must never follow it unbounded.
const maxTraversalVisits = 10000

// Graph returns a bounded view of the adjacency for inspection: up to limit
// nodes (optionally one tenant's), the edges among them, and summary stats.
func (ix *Index) Graph(limit int, tenant string) (*types.GraphView, error) {
	if limit <= 0 {
		limit = 100
	}
	view := &types.GraphView{
		Stats: types.GraphStats{RelationDistribution: make(map[string]int)},
	}
	included := make(map[string]bool)

	err := ix.store.ForEachMemory(func(m *types.Memory) error {
		if tenant != "" && m.Tenant != tenant {
			return nil
		}
		if len(view.Nodes) >= limit {
			return nil
		}
		// The graph view elides embeddings; they dominate row size and the
		// dashboard never reads them.
		trimmed := *m
		trimmed.Embedding = nil
		view.Nodes = append(view.Nodes, &trimmed)
		included[m.ID] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = ix.store.ForEachEdge(func(e *types.Edge) error {
		if !included[e.Source] || !included[e.Target] {
			return nil
		}
		view.Edges = append(view.Edges, e)
		view.Stats.RelationDistribution[string(e.Relation)]++
		return nil
	})
	if err != nil {
		return nil, err
	}

	view.Stats.NodeCount = len(view.Nodes)
	view.Stats.EdgeCount = len(view.Edges)
	return view, nil
}

// Step is one node reached by a traversal, with the edge path that led
// there.
type Step struct {
	Node *types.Memory
	Path []*types.Edge
}

// Neighbors walks outward from id up to depth hops, following only the
// relations in mask (nil means all). visit is called per reached node in
// deterministic order and may return false to stop early. The walk keeps a
// visited set, so cycles terminate.
func (ix *Index) Neighbors(id string, depth int, mask []types.Relation, visit func(Step) bool) error {
	allowed := map[types.Relation]bool{}
	for _, r := range mask {
		allowed[r] = true
	}
	follow := func(r types.Relation) bool {
		return len(allowed) == 0 || allowed[r]
	}

	visited := map[string]bool{id: true}
	frontier := []Step{{Path: nil}}
	start, err := ix.store.GetMemory(id)
	if err != nil {
		return err
	}
	frontier[0].Node = start

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []Step
		for _, cur := range frontier {
			edges, err := ix.store.EdgesFrom(cur.Node.ID)
			if err != nil {
				return err
			}
			for _, e := range edges {
				if !follow(e.Relation) || visited[e.Target] {
					continue
				}
				if len(visited) >= maxTraversalVisits {
					return nil
				}
				visited[e.Target] = true
				node, err := ix.store.GetMemory(e.Target)
				if err != nil {
					// derived_from edges may point at L0 events, which are
					// not graph nodes; skip them.
					if types.IsKind(err, types.KindNotFound) {
						continue
					}
					return err
				}
				path := append(append([]*types.Edge{}, cur.Path...), e)
				step := Step{Node: node, Path: path}
				if !visit(step) {
					return nil
				}
				next = append(next, step)
			}
		}
		frontier = next
	}
	return nil
}
