package consolidation

import (
	"fmt"
	"testing"
	"time"

	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/events"
	"github.com/memorose/memorose/pkg/hybrid"
	"github.com/memorose/memorose/pkg/llm"
	"github.com/memorose/memorose/pkg/storage"
	"github.com/memorose/memorose/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 256

// fakeShard drives a real hybrid index without raft: proposals apply
// immediately, exactly as the leader's apply loop would.
type fakeShard struct {
	index    *hybrid.Index
	notifier *events.Notifier
	leader   bool
	proposed []types.CommandOp
}

func (f *fakeShard) IsLeader() bool             { return f.leader }
func (f *fakeShard) Index() *hybrid.Index       { return f.index }
func (f *fakeShard) NotifierC() <-chan struct{} { return f.notifier.C() }

func (f *fakeShard) Propose(cmd *types.Command) (*types.ApplyResult, error) {
	if !f.leader {
		return nil, types.NotLeaderError("")
	}
	f.proposed = append(f.proposed, cmd.Op)
	res := f.index.Apply(cmd)
	if res.Err != nil {
		return nil, res.Err
	}
	return res, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeShard) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	client := llm.NewClient(llm.NewLocal(testDim), cfg.LLM)
	index, err := hybrid.New(store, testDim, client, hybrid.ScoringConfig{
		WVector: cfg.Scoring.WVector, WText: cfg.Scoring.WText,
		WGraph: cfg.Scoring.WGraph, GraphAlpha: cfg.Scoring.GraphAlpha,
	})
	require.NoError(t, err)

	shard := &fakeShard{index: index, notifier: events.NewNotifier(), leader: true}
	engine := NewEngine(shard, client, cfg.Consolidation, cfg.Community, cfg.Decay, 0)
	return engine, shard
}

func ingest(t *testing.T, sh *fakeShard, id, tenant, stream, data string) {
	t.Helper()
	cmd, err := types.NewCommand(types.OpIngestEvent, &types.Event{
		ID: id, Tenant: tenant, App: "app", Stream: stream,
		Timestamp: time.Now().UTC(),
		Content:   types.Content{Type: types.ContentTypeText, Data: data},
	})
	require.NoError(t, err)
	res := sh.index.Apply(cmd)
	require.NoError(t, res.Err)
}

func pendingCount(t *testing.T, sh *fakeShard) int {
	t.Helper()
	n, err := sh.index.Store().PendingCount()
	require.NoError(t, err)
	return n
}

func listL1(t *testing.T, sh *fakeShard, tenant string) []*types.Memory {
	t.Helper()
	out, err := sh.index.Store().ListMemories(storage.ListMemoriesFilter{
		Tenant: tenant, Level: types.LevelMemory,
	})
	require.NoError(t, err)
	return out
}

func TestEntropyRejection(t *testing.T) {
	engine, sh := newTestEngine(t)
	ingest(t, sh, "ev-1", "alice", "main", "ok")

	require.NoError(t, engine.consolidateCycle())

	assert.Zero(t, pendingCount(t, sh))
	assert.Empty(t, listL1(t, sh, "alice"), "a low-entropy event must not produce a memory")

	ev, err := sh.index.Store().GetEvent("ev-1")
	require.NoError(t, err)
	assert.False(t, ev.Pending)
	assert.Equal(t, types.OutcomeEntropyRejected, ev.Outcome)
}

func TestDeduplicationAcrossEvents(t *testing.T) {
	engine, sh := newTestEngine(t)
	ingest(t, sh, "ev-1", "alice", "main", "User prefers dark mode in the UI.")
	ingest(t, sh, "ev-2", "alice", "main", "User prefers dark mode in the UI.")

	require.NoError(t, engine.consolidateCycle())

	memories := listL1(t, sh, "alice")
	require.Len(t, memories, 1)
	m := memories[0]
	assert.ElementsMatch(t, []string{"ev-1", "ev-2"}, m.References)
	assert.GreaterOrEqual(t, m.Importance, 0.5)
	assert.Zero(t, pendingCount(t, sh))

	// Provenance edges cite both source events.
	edges, err := sh.index.Store().EdgesFrom(m.ID)
	require.NoError(t, err)
	targets := make(map[string]bool)
	for _, e := range edges {
		if e.Relation == types.RelationDerivedFrom {
			targets[e.Target] = true
		}
	}
	assert.True(t, targets["ev-1"])
	assert.True(t, targets["ev-2"])
}

func TestDeduplicationAcrossCycles(t *testing.T) {
	engine, sh := newTestEngine(t)
	ingest(t, sh, "ev-1", "alice", "main", "User prefers dark mode in the UI.")
	require.NoError(t, engine.consolidateCycle())

	ingest(t, sh, "ev-2", "alice", "main", "User prefers dark mode in the UI.")
	require.NoError(t, engine.consolidateCycle())

	memories := listL1(t, sh, "alice")
	require.Len(t, memories, 1, "an identical restatement merges instead of inserting")
	assert.ElementsMatch(t, []string{"ev-1", "ev-2"}, memories[0].References)
}

func TestScopesConsolidateSeparately(t *testing.T) {
	engine, sh := newTestEngine(t)
	ingest(t, sh, "ev-1", "alice", "work", "Prefers concise answers during working hours.")
	ingest(t, sh, "ev-2", "alice", "home", "Enjoys long cooking sessions on weekends at home.")

	require.NoError(t, engine.consolidateCycle())

	memories := listL1(t, sh, "alice")
	require.Len(t, memories, 2)
	streams := map[string]bool{}
	for _, m := range memories {
		streams[m.Stream] = true
	}
	assert.True(t, streams["work"])
	assert.True(t, streams["home"], "streams of one tenant never share a batch")
}

func TestConflictArbitration(t *testing.T) {
	engine, sh := newTestEngine(t)
	ingest(t, sh, "ev-1", "alice", "main", "user likes spicy asian food cuisine")
	require.NoError(t, engine.consolidateCycle())
	existing := listL1(t, sh, "alice")
	require.Len(t, existing, 1)

	ingest(t, sh, "ev-2", "alice", "main", "user likes spicy asian food not anymore")
	require.NoError(t, engine.consolidateCycle())

	memories := listL1(t, sh, "alice")
	require.Len(t, memories, 2, "conflicting statements are both kept")

	var newer *types.Memory
	for _, m := range memories {
		if m.ID != existing[0].ID {
			newer = m
		}
	}
	require.NotNil(t, newer)

	edges, err := sh.index.Store().EdgesFrom(newer.ID)
	require.NoError(t, err)
	var conflict bool
	for _, e := range edges {
		if e.Relation == types.RelationConflicts && e.Target == existing[0].ID {
			conflict = true
		}
	}
	assert.True(t, conflict, "the ambiguous band with a negation flips to a conflicts edge")
}

func TestFollowerDoesNothing(t *testing.T) {
	engine, sh := newTestEngine(t)
	sh.leader = false
	ingest(t, sh, "ev-1", "alice", "main", "User prefers dark mode in the UI.")

	engine.leaderOnly(engine.consolidateCycle)

	assert.Equal(t, 1, pendingCount(t, sh), "a follower leaves the pending set untouched")
	assert.Empty(t, sh.proposed)
}

func TestInsightCycleDetectsTwoClusters(t *testing.T) {
	engine, sh := newTestEngine(t)

	// Two topical clusters of 12 and 8 L1 memories with dense similar
	// edges inside each cluster and none across.
	seed := func(prefix string, n int, topic string) []string {
		ids := make([]string, n)
		batch := types.ConsolidationBatch{}
		now := time.Now().UTC()
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("%s-%02d", prefix, i)
			ids[i] = id
			batch.Upserts = append(batch.Upserts, &types.Memory{
				ID: id, Tenant: "alice", App: "app", Stream: "main",
				Content:         fmt.Sprintf("%s observation %d", topic, i),
				Importance:      0.6,
				Level:           types.LevelMemory,
				MemoryType:      types.MemoryTypeFactual,
				LastAccessed:    now,
				TransactionTime: now,
			})
		}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				batch.Edges = append(batch.Edges, &types.Edge{
					Source: ids[i], Target: ids[j], Relation: types.RelationSimilar, Weight: 0.9, Touched: now,
				})
			}
		}
		cmd, err := types.NewCommand(types.OpConsolidationBatch, &batch)
		require.NoError(t, err)
		res := sh.index.Apply(cmd)
		require.NoError(t, res.Err)
		return ids
	}
	hiking := seed("hike", 12, "mountain hiking")
	tea := seed("tea", 8, "tea brewing")

	require.NoError(t, engine.insightCycle())

	insights, err := sh.index.Store().ListMemories(storage.ListMemoriesFilter{
		Tenant: "alice", Level: types.LevelInsight,
	})
	require.NoError(t, err)
	require.Len(t, insights, 2)

	bySize := map[int][]string{}
	for _, ins := range insights {
		bySize[len(ins.DerivedFrom)] = ins.DerivedFrom
	}
	assert.ElementsMatch(t, hiking, bySize[12])
	assert.ElementsMatch(t, tea, bySize[8])

	// Re-running detects the same communities; ids are stable so nothing
	// is duplicated or retired.
	require.NoError(t, engine.insightCycle())
	again, err := sh.index.Store().ListMemories(storage.ListMemoriesFilter{
		Tenant: "alice", Level: types.LevelInsight,
	})
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

func TestDecayTickProposes(t *testing.T) {
	engine, sh := newTestEngine(t)
	require.NoError(t, engine.decayTick())
	require.NoError(t, engine.decayTick())
	assert.Equal(t, []types.CommandOp{types.OpDecayTick, types.OpDecayTick}, sh.proposed)
}
