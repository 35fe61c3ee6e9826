package shard

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/events"
	"github.com/memorose/memorose/pkg/hybrid"
	"github.com/memorose/memorose/pkg/llm"
	"github.com/memorose/memorose/pkg/log"
	"github.com/memorose/memorose/pkg/storage"
	"github.com/memorose/memorose/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

const testDim = 64

func newTestFSM(t *testing.T) (*FSM, *hybrid.Index) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	client := llm.NewClient(llm.NewLocal(testDim), cfg.LLM)
	index, err := hybrid.New(store, testDim, client, hybrid.ScoringConfig{
		WVector: 0.55, WText: 0.35, WGraph: 0.10, GraphAlpha: 0.1,
	})
	require.NoError(t, err)
	return NewFSM(index, events.NewNotifier()), index
}

func raftEntry(t *testing.T, op types.CommandOp, payload interface{}) *raft.Log {
	t.Helper()
	cmd, err := types.NewCommand(op, payload)
	require.NoError(t, err)
	data, err := cmd.Encode()
	require.NoError(t, err)
	return &raft.Log{Data: data}
}

// testLog is a short command sequence exercising every entry shape.
func testLog(t *testing.T) []*raft.Log {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	return []*raft.Log{
		raftEntry(t, types.OpIngestEvent, &types.Event{
			ID: "ev-1", Tenant: "alice", App: "app", Stream: "main",
			Timestamp: now,
			Content:   types.Content{Type: types.ContentTypeText, Data: "the payload"},
		}),
		raftEntry(t, types.OpConsolidationBatch, &types.ConsolidationBatch{
			Upserts: []*types.Memory{{
				ID: "m-1", Tenant: "alice", App: "app", Stream: "main",
				Content: "user prefers dark mode", Importance: 0.6,
				Level: types.LevelMemory, MemoryType: types.MemoryTypeFactual,
				LastAccessed: now, TransactionTime: now,
				References: []string{"ev-1"},
			}},
			Edges: []*types.Edge{{
				Source: "m-1", Target: "ev-1", Relation: types.RelationDerivedFrom, Weight: 1, Touched: now,
			}},
			Consumed: []types.MarkEventConsumed{{EventID: "ev-1", Outcome: types.OutcomeConsolidated}},
		}),
		raftEntry(t, types.OpRecordAccess, &types.RecordAccess{
			Records: []types.AccessRecord{{MemoryID: "m-1", At: now.Add(time.Hour)}},
		}),
		raftEntry(t, types.OpDecayTick, &types.DecayTick{
			Now: now.Add(2 * time.Hour), HalfLifeDays: 30, MinImportance: 0.1, MinAccessCount: 3,
		}),
		raftEntry(t, types.OpConfigChange, &types.ConfigChange{Key: "scoring.w_graph", Value: "0.2"}),
	}
}

func TestApplyIsDeterministic(t *testing.T) {
	// Applying the same entries to two empty state machines produces
	// bytewise-equal snapshots.
	a, _ := newTestFSM(t)
	b, _ := newTestFSM(t)

	for _, entry := range testLog(t) {
		resA := a.Apply(entry).(*types.ApplyResult)
		resB := b.Apply(entry).(*types.ApplyResult)
		require.NoError(t, resA.Err)
		require.NoError(t, resB.Err)
	}

	snapA, err := a.index.Store().Snapshot()
	require.NoError(t, err)
	snapB, err := b.index.Store().Snapshot()
	require.NoError(t, err)

	var bufA, bufB bytes.Buffer
	require.NoError(t, snapA.WriteTo(&bufA))
	require.NoError(t, snapB.WriteTo(&bufB))
	assert.Equal(t, bufA.Bytes(), bufB.Bytes())
}

func TestApplyRejectsGarbage(t *testing.T) {
	f, _ := newTestFSM(t)
	res := f.Apply(&raft.Log{Data: []byte("not json")})
	applied, ok := res.(*types.ApplyResult)
	require.True(t, ok)
	assert.Error(t, applied.Err)
}

func TestApplyPanicsOnFatalInvariant(t *testing.T) {
	f, _ := newTestFSM(t)
	entry := raftEntry(t, types.OpUpsertMemory, &types.Memory{
		ID: "m-1", Tenant: "alice", Content: "x",
		Level: types.LevelMemory, MemoryType: types.MemoryTypeFactual,
		Embedding: []float32{1, 2, 3}, // wrong dimension
	})
	assert.Panics(t, func() { f.Apply(entry) })
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f, _ := newTestFSM(t)
	for _, entry := range testLog(t) {
		res := f.Apply(entry).(*types.ApplyResult)
		require.NoError(t, res.Err)
	}

	snap, err := f.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &memorySink{buf: &buf}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.True(t, sink.closed)

	restored, restoredIx := newTestFSM(t)
	require.NoError(t, restored.Restore(readCloser{bytes.NewReader(buf.Bytes())}))

	m, err := restoredIx.Store().GetMemory("m-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.AccessCount)

	ev, err := restoredIx.Store().GetEvent("ev-1")
	require.NoError(t, err)
	assert.False(t, ev.Pending)

	// The restored machine snapshots back to the same bytes.
	again, err := restored.index.Store().Snapshot()
	require.NoError(t, err)
	var buf2 bytes.Buffer
	require.NoError(t, again.WriteTo(&buf2))
	assert.Equal(t, buf.Bytes(), buf2.Bytes())
}

// memorySink is an in-memory raft.SnapshotSink.
type memorySink struct {
	buf      *bytes.Buffer
	closed   bool
	canceled bool
}

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) Close() error                { s.closed = true; return nil }
func (s *memorySink) Cancel() error               { s.canceled = true; return nil }
func (s *memorySink) ID() string                  { return "test" }

type readCloser struct{ *bytes.Reader }

func (readCloser) Close() error { return nil }

// Guard: the snapshot dump is valid JSON of the storage state.
func TestSnapshotIsCanonicalJSON(t *testing.T) {
	f, _ := newTestFSM(t)
	for _, entry := range testLog(t) {
		res := f.Apply(entry).(*types.ApplyResult)
		require.NoError(t, res.Err)
	}
	snap, err := f.index.Store().Snapshot()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, snap.WriteTo(&buf))

	var decoded storage.SnapshotState
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded.Memories, 1)
	assert.Len(t, decoded.Events, 1)
	assert.Len(t, decoded.Edges, 1)
}
