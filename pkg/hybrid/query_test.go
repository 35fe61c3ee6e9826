package hybrid

import (
	"context"
	"testing"

	"github.com/memorose/memorose/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMemory(t *testing.T, ix *Index, id, tenant, content string) *types.Memory {
	t.Helper()
	m := l1(id, tenant, content)
	m.Embedding = embedFor(t, content)
	mustApply(t, ix, types.OpUpsertMemory, m)
	return m
}

func TestHybridQueryOrdering(t *testing.T) {
	ix := newTestIndex(t)
	seedMemory(t, ix, "A", "alice", "loves hiking and outdoor activities in the Alps")
	seedMemory(t, ix, "B", "alice", "enjoys mountain climbing and outdoor trips")
	seedMemory(t, ix, "C", "alice", "prefers tea over coffee")

	results, err := ix.Query(context.Background(), types.Query{
		Text:    "outdoor hiking activities",
		Mode:    types.QueryModeHybrid,
		K:       3,
		Filters: types.QueryFilters{Tenant: "alice"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "A", results[0].Memory.ID)
	assert.Equal(t, "B", results[1].Memory.ID)
	assert.Equal(t, "C", results[2].Memory.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Greater(t, results[1].Score, results[2].Score)
	assert.Less(t, results[2].Score, 0.3, "an unrelated memory must score low")
}

func TestQueryModes(t *testing.T) {
	ix := newTestIndex(t)
	seedMemory(t, ix, "A", "alice", "loves hiking in the Alps")
	seedMemory(t, ix, "C", "alice", "prefers tea over coffee")

	vec, err := ix.Query(context.Background(), types.Query{
		Text: "hiking Alps", Mode: types.QueryModeVector, K: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, vec)
	assert.Equal(t, "A", vec[0].Memory.ID)
	assert.Zero(t, vec[0].TextScore)

	text, err := ix.Query(context.Background(), types.Query{
		Text: "hiking Alps", Mode: types.QueryModeText, K: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, text)
	assert.Equal(t, "A", text[0].Memory.ID)
	assert.Zero(t, text[0].VectorScore)
}

func TestQueryFiltersTenantAndLevel(t *testing.T) {
	ix := newTestIndex(t)
	seedMemory(t, ix, "A", "alice", "loves hiking in the Alps")
	seedMemory(t, ix, "B", "bob", "loves hiking in the Alps")

	insight := l1("I", "alice", "generally an outdoor person who hikes")
	insight.Level = types.LevelInsight
	insight.DerivedFrom = []string{"A"}
	insight.Embedding = embedFor(t, insight.Content)
	mustApply(t, ix, types.OpUpsertMemory, insight)

	results, err := ix.Query(context.Background(), types.Query{
		Text:    "hiking",
		Mode:    types.QueryModeHybrid,
		K:       10,
		Filters: types.QueryFilters{Tenant: "alice", Level: types.LevelMemory},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "A", results[0].Memory.ID)
}

func TestQueryGraphBoostFavorsConnectedCandidates(t *testing.T) {
	ix := newTestIndex(t)
	// Two equally-worded memories; one receives an in-edge from a third
	// candidate that also matches the query.
	seedMemory(t, ix, "boosted", "alice", "enjoys trail running in the hills")
	seedMemory(t, ix, "plain", "alice", "enjoys trail running in the hills")
	seedMemory(t, ix, "hub", "alice", "trail running gear preferences")
	mustApply(t, ix, types.OpUpsertEdge, &types.Edge{
		Source: "hub", Target: "boosted", Relation: types.RelationSimilar, Weight: 0.9,
	})

	results, err := ix.Query(context.Background(), types.Query{
		Text: "trail running", Mode: types.QueryModeHybrid, K: 3,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	var boosted, plain *types.ScoredMemory
	for _, r := range results {
		switch r.Memory.ID {
		case "boosted":
			boosted = r
		case "plain":
			plain = r
		}
	}
	require.NotNil(t, boosted)
	require.NotNil(t, plain)
	assert.Greater(t, boosted.Score, plain.Score)
	assert.Greater(t, boosted.GraphScore, 0.0)
	assert.Zero(t, plain.GraphScore)
}

func TestQueryTieBreaksDeterministically(t *testing.T) {
	ix := newTestIndex(t)
	a := seedMemory(t, ix, "a", "alice", "identical statement about sailing")
	b := l1("b", "alice", "identical statement about sailing")
	b.Embedding = embedFor(t, b.Content)
	b.Importance = 0.5 // same importance, same text: id ascending wins
	b.LastAccessed = a.LastAccessed
	mustApply(t, ix, types.OpUpsertMemory, b)

	for i := 0; i < 3; i++ {
		results, err := ix.Query(context.Background(), types.Query{
			Text: "sailing", Mode: types.QueryModeHybrid, K: 2,
		})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "a", results[0].Memory.ID)
		assert.Equal(t, "b", results[1].Memory.ID)
	}
}

func TestQueryRerankReorders(t *testing.T) {
	ix := newTestIndex(t)
	seedMemory(t, ix, "A", "alice", "loves hiking and outdoor activities")
	seedMemory(t, ix, "C", "alice", "prefers tea over coffee")

	results, err := ix.Query(context.Background(), types.Query{
		Text:              "outdoor hiking",
		Mode:              types.QueryModeHybrid,
		K:                 2,
		EnableArbitration: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].Memory.ID)
}

func TestNeighborsTraversal(t *testing.T) {
	ix := newTestIndex(t)
	seedMemory(t, ix, "a", "alice", "statement a about cooking")
	seedMemory(t, ix, "b", "alice", "statement b about cooking")
	seedMemory(t, ix, "c", "alice", "statement c about cooking")
	mustApply(t, ix, types.OpUpsertEdge, &types.Edge{Source: "a", Target: "b", Relation: types.RelationSimilar, Weight: 0.8})
	mustApply(t, ix, types.OpUpsertEdge, &types.Edge{Source: "b", Target: "c", Relation: types.RelationSimilar, Weight: 0.8})
	// A cycle back to the start must terminate.
	mustApply(t, ix, types.OpUpsertEdge, &types.Edge{Source: "c", Target: "a", Relation: types.RelationSimilar, Weight: 0.8})

	var visited []string
	err := ix.Neighbors("a", 5, nil, func(step Step) bool {
		visited = append(visited, step.Node.ID)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, visited)

	// Depth 1 stops after direct neighbors.
	visited = nil
	err = ix.Neighbors("a", 1, nil, func(step Step) bool {
		visited = append(visited, step.Node.ID)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, visited)

	// Relation mask skips non-matching edges.
	visited = nil
	err = ix.Neighbors("a", 5, []types.Relation{types.RelationConflicts}, func(step Step) bool {
		visited = append(visited, step.Node.ID)
		return true
	})
	require.NoError(t, err)
	assert.Empty(t, visited)
}

func TestGraphView(t *testing.T) {
	ix := newTestIndex(t)
	seedMemory(t, ix, "a", "alice", "first graph node content")
	seedMemory(t, ix, "b", "alice", "second graph node content")
	seedMemory(t, ix, "x", "bob", "other tenant node content")
	mustApply(t, ix, types.OpUpsertEdge, &types.Edge{Source: "a", Target: "b", Relation: types.RelationSimilar, Weight: 0.8})

	view, err := ix.Graph(10, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, view.Stats.NodeCount)
	assert.Equal(t, 1, view.Stats.EdgeCount)
	assert.Equal(t, 1, view.Stats.RelationDistribution["similar"])
	for _, n := range view.Nodes {
		assert.Nil(t, n.Embedding, "graph view elides embeddings")
	}
}
