// Package community implements the graph clustering pass that feeds L2
// insight generation. Strategy is selected by graph size: a single
// modularity-optimising sweep for small graphs, weighted label propagation
// for medium ones, and a two-phase propagate-then-refine pass for large
// ones. All tie-breaks are by id ordering so a re-run on a new leader
// detects the same communities.
package community

import (
	"fmt"
	"sort"

	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/types"
)

// Graph is an undirected weighted adjacency over memory ids.
type Graph struct {
	nodes []string
	adj   map[string]map[string]float64
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{adj: make(map[string]map[string]float64)}
}

// AddNode registers a node with no edges yet.
func (g *Graph) AddNode(id string) {
	if _, ok := g.adj[id]; !ok {
		g.adj[id] = make(map[string]float64)
		g.nodes = append(g.nodes, id)
	}
}

// AddEdge registers an undirected edge, keeping the heavier weight when the
// same pair is added twice (the adjacency store holds both directions).
func (g *Graph) AddEdge(a, b string, weight float64) {
	if a == b {
		return
	}
	g.AddNode(a)
	g.AddNode(b)
	if weight > g.adj[a][b] {
		g.adj[a][b] = weight
		g.adj[b][a] = weight
	}
}

// Size returns the node count.
func (g *Graph) Size() int { return len(g.nodes) }

// sortedNodes returns ids in deterministic order.
func (g *Graph) sortedNodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	sort.Strings(out)
	return out
}

const (
	smallGraphMax = 1000
	largeGraphMin = 10000
	fastLPRounds  = 10
)

// Detect clusters the graph and returns communities of at least cfg.MinSize
// members, ordered by their cluster label.
func Detect(g *Graph, cfg config.CommunityConfig) []*types.Community {
	if g.Size() == 0 {
		return nil
	}

	var labels map[string]string
	switch cfg.Algorithm {
	case "modularity":
		labels = g.modularitySweep(nil)
	case "label_propagation":
		labels = g.labelPropagation(cfg.MaxIterations)
	default: // auto: pick by size
		switch {
		case g.Size() < smallGraphMax:
			labels = g.modularitySweep(nil)
		case g.Size() <= largeGraphMin:
			labels = g.labelPropagation(cfg.MaxIterations)
		default:
			labels = g.labelPropagation(fastLPRounds)
			labels = g.refineLargest(labels)
		}
	}

	return g.collect(labels, cfg.MinSize)
}

// labelPropagation runs weighted label propagation. Each node adopts the
// label with the highest incident weight; ties break to the smallest label.
// Convergence is declared when fewer than 1% of labels change in a round.
func (g *Graph) labelPropagation(maxIterations int) map[string]string {
	labels := make(map[string]string, g.Size())
	for _, id := range g.nodes {
		labels[id] = id
	}
	order := g.sortedNodes()

	for iter := 0; iter < maxIterations; iter++ {
		changed := 0
		for _, id := range order {
			best := bestLabel(g.adj[id], labels, labels[id])
			if best != labels[id] {
				labels[id] = best
				changed++
			}
		}
		if changed*100 < g.Size() {
			break
		}
	}
	return labels
}

func bestLabel(neighbors map[string]float64, labels map[string]string, current string) string {
	if len(neighbors) == 0 {
		return current
	}
	weightByLabel := make(map[string]float64)
	for n, w := range neighbors {
		weightByLabel[labels[n]] += w
	}
	best := current
	bestWeight := weightByLabel[current]
	// Deterministic scan order over candidate labels.
	cands := make([]string, 0, len(weightByLabel))
	for l := range weightByLabel {
		cands = append(cands, l)
	}
	sort.Strings(cands)
	for _, l := range cands {
		w := weightByLabel[l]
		if w > bestWeight || (w == bestWeight && l < best) {
			best = l
			bestWeight = w
		}
	}
	return best
}

// modularitySweep performs one deterministic pass of Louvain-style local
// moves: every node, in id order, moves to the neighboring community with
// the best modularity gain. restrict, when non-nil, limits the sweep to a
// subset of nodes (used by the large-graph refinement phase).
func (g *Graph) modularitySweep(restrict map[string]bool) map[string]string {
	labels := make(map[string]string, g.Size())
	degree := make(map[string]float64, g.Size())
	var m2 float64 // 2m: total incident weight
	for _, id := range g.nodes {
		labels[id] = id
		for _, w := range g.adj[id] {
			degree[id] += w
			m2 += w
		}
	}
	if m2 == 0 {
		return labels
	}

	commDegree := make(map[string]float64, g.Size())
	for id, d := range degree {
		commDegree[labels[id]] = d
	}

	for _, id := range g.sortedNodes() {
		if restrict != nil && !restrict[id] {
			continue
		}
		// Incident weight into each neighboring community.
		toComm := make(map[string]float64)
		for n, w := range g.adj[id] {
			toComm[labels[n]] += w
		}

		cur := labels[id]
		commDegree[cur] -= degree[id]

		best := cur
		bestGain := toComm[cur] - commDegree[cur]*degree[id]/m2
		cands := make([]string, 0, len(toComm))
		for c := range toComm {
			cands = append(cands, c)
		}
		sort.Strings(cands)
		for _, c := range cands {
			gain := toComm[c] - commDegree[c]*degree[id]/m2
			if gain > bestGain || (gain == bestGain && c < best) {
				best = c
				bestGain = gain
			}
		}

		labels[id] = best
		commDegree[best] += degree[id]
	}
	return labels
}

// refineLargest re-sweeps the biggest communities found by fast label
// propagation with the modularity mover.
func (g *Graph) refineLargest(labels map[string]string) map[string]string {
	sizes := make(map[string]int)
	for _, l := range labels {
		sizes[l]++
	}
	// The largest communities: above the mean size.
	total := 0
	for _, n := range sizes {
		total += n
	}
	mean := total / len(sizes)
	restrict := make(map[string]bool)
	for id, l := range labels {
		if sizes[l] > mean {
			restrict[id] = true
		}
	}
	if len(restrict) == 0 {
		return labels
	}
	refined := g.modularitySweep(restrict)
	for id := range restrict {
		labels[id] = refined[id]
	}
	return labels
}

// collect groups labels into Community records, dropping groups smaller
// than minSize.
func (g *Graph) collect(labels map[string]string, minSize int) []*types.Community {
	groups := make(map[string][]string)
	for _, id := range g.sortedNodes() {
		l := labels[id]
		groups[l] = append(groups[l], id)
	}

	keys := make([]string, 0, len(groups))
	for l := range groups {
		keys = append(keys, l)
	}
	sort.Strings(keys)

	var out []*types.Community
	for i, l := range keys {
		members := groups[l]
		if len(members) < minSize {
			continue
		}
		out = append(out, &types.Community{
			ID:         fmt.Sprintf("community-%d", i),
			Members:    members,
			Modularity: g.modularityContribution(members),
		})
	}
	return out
}

// modularityContribution computes (in_c/2m) - (tot_c/2m)^2 for one group.
func (g *Graph) modularityContribution(members []string) float64 {
	inSet := make(map[string]bool, len(members))
	for _, id := range members {
		inSet[id] = true
	}
	var m2, in, tot float64
	for _, id := range g.nodes {
		for n, w := range g.adj[id] {
			m2 += w
			if inSet[id] {
				tot += w
				if inSet[n] {
					in += w
				}
			}
		}
	}
	if m2 == 0 {
		return 0
	}
	frac := tot / m2
	return in/m2 - frac*frac
}
