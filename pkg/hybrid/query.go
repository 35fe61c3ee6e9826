package hybrid

import (
	"context"
	"sort"

	"github.com/memorose/memorose/pkg/metrics"
	"github.com/memorose/memorose/pkg/textindex"
	"github.com/memorose/memorose/pkg/types"
	"github.com/memorose/memorose/pkg/vector"
)

// candidateFanout widens each retrieval channel before fusion.
const candidateFanout = 3

type candidate struct {
	memory     *types.Memory
	sv, st, sg float64
}

// Query runs the fused retrieval pipeline: vector ANN and full-text
// channels fan out 3k candidates each, scores merge per channel, an in-edge
// graph boost is added, filters and deterministic tie-breaks apply, and an
// optional rerank pass reorders the top slice.
func (ix *Index) Query(ctx context.Context, q types.Query) ([]*types.ScoredMemory, error) {
	if q.K <= 0 {
		q.K = 10
	}
	if q.Mode == "" {
		q.Mode = types.QueryModeHybrid
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.QueryDuration.WithLabelValues(string(q.Mode)))

	fan := candidateFanout * q.K
	cands := make(map[string]*candidate)

	if q.Mode == types.QueryModeVector || q.Mode == types.QueryModeHybrid {
		matches, err := ix.vectorChannel(ctx, q.Text, fan)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			c := ix.lookup(cands, m.ID)
			if c == nil {
				continue
			}
			// Normalized similarity, clipped at zero.
			if m.Similarity > 0 {
				c.sv = m.Similarity
			}
		}
	}

	if q.Mode == types.QueryModeText || q.Mode == types.QueryModeHybrid {
		ix.mu.RLock()
		res, err := ix.text.Search(q.Text, textindex.Filter{
			Tenant: q.Filters.Tenant,
			App:    q.Filters.App,
			Level:  q.Filters.Level,
		}, fan)
		ix.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		for _, hit := range res.Hits {
			c := ix.lookup(cands, hit.ID)
			if c == nil {
				continue
			}
			if res.MaxScore > 0 {
				s := hit.Score / res.MaxScore
				if s > 1 {
					s = 1
				}
				c.st = s
			}
		}
	}

	// Graph boost: mean weight of in-edges arriving from other candidates.
	if q.Mode == types.QueryModeHybrid && ix.scoring.WGraph > 0 {
		for _, c := range cands {
			in, err := ix.store.EdgesTo(c.memory.ID)
			if err != nil {
				return nil, err
			}
			var sum float64
			var n int
			for _, e := range in {
				if _, scored := cands[e.Source]; scored {
					sum += e.Weight
					n++
				}
			}
			if n > 0 {
				c.sg = ix.scoring.GraphAlpha * (sum / float64(n))
			}
		}
	}

	var ranked []*types.ScoredMemory
	for _, c := range cands {
		if !matchFilters(c.memory, q.Filters) {
			continue
		}
		score := ix.scoring.WVector*c.sv + ix.scoring.WText*c.st + ix.scoring.WGraph*c.sg
		switch q.Mode {
		case types.QueryModeVector:
			score = c.sv
		case types.QueryModeText:
			score = c.st
		}
		ranked = append(ranked, &types.ScoredMemory{
			Memory:      c.memory,
			Score:       score,
			VectorScore: c.sv,
			TextScore:   c.st,
			GraphScore:  c.sg,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Memory.Importance != b.Memory.Importance {
			return a.Memory.Importance > b.Memory.Importance
		}
		if !a.Memory.LastAccessed.Equal(b.Memory.LastAccessed) {
			return a.Memory.LastAccessed.After(b.Memory.LastAccessed)
		}
		return a.Memory.ID < b.Memory.ID
	})

	if q.EnableArbitration && ix.embedder != nil && len(ranked) > 1 {
		top := 2 * q.K
		if top > len(ranked) {
			top = len(ranked)
		}
		docs := make([]string, top)
		for i := 0; i < top; i++ {
			docs[i] = ranked[i].Memory.Content
		}
		order, err := ix.embedder.Rerank(ctx, q.Text, docs)
		if err == nil && len(order) == top {
			reordered := make([]*types.ScoredMemory, 0, len(ranked))
			for _, idx := range order {
				reordered = append(reordered, ranked[idx])
			}
			reordered = append(reordered, ranked[top:]...)
			ranked = reordered
		}
		// A rerank failure falls back to the fused order; retrieval must
		// not fail because the capability is down.
	}

	if len(ranked) > q.K {
		ranked = ranked[:q.K]
	}
	return ranked, nil
}

// vectorChannel embeds the query text and runs ANN.
func (ix *Index) vectorChannel(ctx context.Context, text string, k int) ([]vector.Match, error) {
	if ix.embedder == nil {
		return nil, nil
	}
	vec, err := ix.embedder.EmbedOne(ctx, text)
	if err != nil {
		return nil, err
	}
	return ix.vec.ANN(vec, k, nil)
}

// ANNByVector exposes the raw vector channel for the arbitration step of
// consolidation, which matches candidates by embedding rather than text.
func (ix *Index) ANNByVector(vec []float32, k int, filter func(m *types.Memory) bool) ([]vector.Match, error) {
	return ix.vec.ANN(vec, k, func(id string) bool {
		if filter == nil {
			return true
		}
		m, err := ix.store.GetMemory(id)
		if err != nil {
			return false
		}
		return filter(m)
	})
}

// lookup loads the memory row for a channel hit once, keyed into cands.
func (ix *Index) lookup(cands map[string]*candidate, id string) *candidate {
	if c, ok := cands[id]; ok {
		return c
	}
	m, err := ix.store.GetMemory(id)
	if err != nil {
		return nil // row vanished between index hit and load
	}
	c := &candidate{memory: m}
	cands[id] = c
	return c
}

func matchFilters(m *types.Memory, f types.QueryFilters) bool {
	if f.Tenant != "" && m.Tenant != f.Tenant {
		return false
	}
	if f.App != "" && m.App != f.App {
		return false
	}
	if f.Level != 0 && m.Level != f.Level {
		return false
	}
	if f.MemoryType != "" && m.MemoryType != f.MemoryType {
		return false
	}
	if f.After != nil && m.TransactionTime.Before(*f.After) {
		return false
	}
	if f.Before != nil && m.TransactionTime.After(*f.Before) {
		return false
	}
	return true
}
