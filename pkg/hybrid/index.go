package hybrid

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/memorose/memorose/pkg/llm"
	"github.com/memorose/memorose/pkg/storage"
	"github.com/memorose/memorose/pkg/textindex"
	"github.com/memorose/memorose/pkg/types"
	"github.com/memorose/memorose/pkg/vector"
)

// metaLastDecay keys the timestamp of the previous applied decay tick; it is
// replicated state, so every replica decays by the same elapsed interval.
const metaLastDecay = "decay/last_tick"

// edgeFloor drops decayed non-provenance edges that have faded out.
const edgeFloor = 0.01

// coRetrievalBoost strengthens an edge when both endpoints appear in the
// same access batch.
const coRetrievalBoost = 0.05

// Index is the tri-modal view over one shard's memories: the ordered KV
// engine (source of truth), the vector index, and the inverted text index.
// Apply is called only from the shard's raft apply loop; the two derived
// indexes are updated after the KV transaction commits, and are rebuilt from
// the KV rows on open and on snapshot restore.
type Index struct {
	store *storage.BoltStore
	vec   *vector.Store

	// mu guards the text engine handle, which is swapped wholesale on
	// snapshot restore while readers may be mid-query.
	mu   sync.RWMutex
	text *textindex.Index

	embedder *llm.Client
	scoring  ScoringConfig
}

// ScoringConfig holds the fusion weights of the query path.
type ScoringConfig struct {
	WVector    float64
	WText      float64
	WGraph     float64
	GraphAlpha float64
}

// New assembles the index over its three engines and rebuilds the derived
// indexes from the KV rows.
func New(store *storage.BoltStore, dim int, embedder *llm.Client, scoring ScoringConfig) (*Index, error) {
	text, err := textindex.New()
	if err != nil {
		return nil, err
	}
	ix := &Index{
		store:    store,
		vec:      vector.NewStore(dim),
		text:     text,
		embedder: embedder,
		scoring:  scoring,
	}
	if err := ix.rebuild(); err != nil {
		return nil, err
	}
	return ix, nil
}

// Store exposes the KV engine for read-only use by the API layer.
func (ix *Index) Store() *storage.BoltStore { return ix.store }

// rebuild derives the vector and text indexes from the KV memory rows.
func (ix *Index) rebuild() error {
	ix.vec.Reset()
	return ix.store.ForEachMemory(func(m *types.Memory) error {
		return ix.indexDerived(m)
	})
}

func (ix *Index) indexDerived(m *types.Memory) error {
	if len(m.Embedding) > 0 {
		if err := ix.vec.Upsert(m.ID, m.Embedding); err != nil {
			return err
		}
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.text.IndexMemory(m)
}

// Restore replaces the whole index state from a snapshot dump. The derived
// indexes are recreated from scratch so rows deleted since the snapshot do
// not linger.
func (ix *Index) Restore(snap *storage.SnapshotState) error {
	if err := ix.store.Restore(snap); err != nil {
		return err
	}
	text, err := textindex.New()
	if err != nil {
		return err
	}
	ix.mu.Lock()
	old := ix.text
	ix.text = text
	ix.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return ix.rebuild()
}

// sideEffect defers derived-index updates until the KV transaction commits.
type sideEffect struct {
	upserts []*types.Memory
	deletes []string
}

// Apply executes one committed command against the three engines. Any
// engine error aborts the application and is surfaced to the apply loop.
func (ix *Index) Apply(cmd *types.Command) *types.ApplyResult {
	res := &types.ApplyResult{}
	var fx sideEffect

	err := ix.store.Update(func(tx *storage.Tx) error {
		return ix.applyInTx(tx, cmd, res, &fx)
	})
	if err != nil {
		res.Err = err
		return res
	}

	for _, id := range fx.deletes {
		ix.vec.Delete(id)
		ix.mu.RLock()
		err := ix.text.Delete(id)
		ix.mu.RUnlock()
		if err != nil {
			res.Err = fmt.Errorf("text index delete: %w", err)
			return res
		}
	}
	for _, m := range fx.upserts {
		if err := ix.indexDerived(m); err != nil {
			res.Err = err
			return res
		}
	}
	return res
}

func (ix *Index) applyInTx(tx *storage.Tx, cmd *types.Command, res *types.ApplyResult, fx *sideEffect) error {
	switch cmd.Op {
	case types.OpIngestEvent:
		var e types.Event
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		// Re-proposing the same client-supplied id is a no-op; ingest is
		// idempotent by id.
		if existing, err := tx.GetEvent(e.ID); err == nil {
			res.EventID = existing.ID
			return nil
		}
		e.Pending = true
		res.EventID = e.ID
		return tx.CreateEvent(&e)

	case types.OpUpsertMemory:
		var m types.Memory
		if err := json.Unmarshal(cmd.Data, &m); err != nil {
			return err
		}
		return ix.upsertMemoryInTx(tx, &m, fx)

	case types.OpDeleteMemory:
		var del types.DeleteMemory
		if err := json.Unmarshal(cmd.Data, &del); err != nil {
			return err
		}
		if err := tx.DeleteMemory(del.MemoryID); err != nil {
			return err
		}
		fx.deletes = append(fx.deletes, del.MemoryID)
		return nil

	case types.OpUpsertEdge:
		var e types.Edge
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		return tx.UpsertEdge(&e)

	case types.OpMarkEventConsumed:
		var mark types.MarkEventConsumed
		if err := json.Unmarshal(cmd.Data, &mark); err != nil {
			return err
		}
		return tx.MarkEventConsumed(mark.EventID, mark.Outcome)

	case types.OpConsolidationBatch:
		var batch types.ConsolidationBatch
		if err := json.Unmarshal(cmd.Data, &batch); err != nil {
			return err
		}
		for _, m := range batch.Upserts {
			if err := ix.upsertMemoryInTx(tx, m, fx); err != nil {
				return err
			}
		}
		for _, e := range batch.Edges {
			if err := tx.UpsertEdge(e); err != nil {
				return err
			}
		}
		for _, mark := range batch.Consumed {
			if err := tx.MarkEventConsumed(mark.EventID, mark.Outcome); err != nil {
				return err
			}
		}
		return nil

	case types.OpDecayTick:
		var tick types.DecayTick
		if err := json.Unmarshal(cmd.Data, &tick); err != nil {
			return err
		}
		return ix.applyDecay(tx, &tick, res, fx)

	case types.OpRecordAccess:
		var rec types.RecordAccess
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return ix.applyAccess(tx, &rec, fx)

	case types.OpConfigChange:
		var change types.ConfigChange
		if err := json.Unmarshal(cmd.Data, &change); err != nil {
			return err
		}
		return tx.PutMeta("config/"+change.Key, []byte(change.Value))

	default:
		return types.NewErrorf(types.KindRejected, "unknown command: %s", cmd.Op)
	}
}

// upsertMemoryInTx validates the row invariants, writes it, and schedules
// the derived-index update.
func (ix *Index) upsertMemoryInTx(tx *storage.Tx, m *types.Memory, fx *sideEffect) error {
	if m.Level != types.LevelMemory && m.Level != types.LevelInsight {
		return types.NewErrorf(types.KindValidation, "memory %s has level %d", m.ID, m.Level)
	}
	if m.Level == types.LevelInsight && len(m.DerivedFrom) == 0 {
		return types.NewErrorf(types.KindValidation, "insight %s has empty derived_from", m.ID)
	}
	if len(m.Embedding) > 0 && len(m.Embedding) != ix.vec.Dim() {
		return types.NewErrorf(types.KindFatalInvariant,
			"memory %s embedding dimension %d, deployment dimension %d", m.ID, len(m.Embedding), ix.vec.Dim())
	}
	if err := tx.UpsertMemory(m); err != nil {
		return err
	}
	fx.upserts = append(fx.upserts, m)
	return nil
}

// applyDecay multiplies importance by the half-life factor for the elapsed
// interval since the previous tick, prunes cold memories below the floor,
// and fades non-provenance edge weights.
func (ix *Index) applyDecay(tx *storage.Tx, tick *types.DecayTick, res *types.ApplyResult, fx *sideEffect) error {
	var factor float64 = 1
	if prev := tx.GetMeta(metaLastDecay); prev != nil {
		var last time.Time
		if err := last.UnmarshalText(prev); err != nil {
			return err
		}
		elapsedDays := tick.Now.Sub(last).Hours() / 24
		if elapsedDays > 0 && tick.HalfLifeDays > 0 {
			factor = math.Pow(0.5, elapsedDays/tick.HalfLifeDays)
		}
	}

	var doomed []string
	err := tx.ForEachMemory(func(m *types.Memory) error {
		m.Importance *= factor
		if m.Importance < tick.MinImportance && m.AccessCount < tick.MinAccessCount {
			doomed = append(doomed, m.ID)
			return nil
		}
		return tx.UpsertMemory(m)
	})
	if err != nil {
		return err
	}
	for _, id := range doomed {
		if err := tx.DeleteMemory(id); err != nil {
			return err
		}
		fx.deletes = append(fx.deletes, id)
	}
	res.Deleted = len(doomed)

	// Unused semantic edges fade at the same rate; provenance never decays.
	var faded []*types.Edge
	err = tx.ForEachEdge(func(e *types.Edge) error {
		if e.Relation == types.RelationDerivedFrom {
			return nil
		}
		e.Weight *= factor
		faded = append(faded, e)
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range faded {
		if e.Weight < edgeFloor {
			continue // dropped with its endpoints or left to the next prune
		}
		if err := tx.UpsertEdge(e); err != nil {
			return err
		}
	}

	stamp, err := tick.Now.MarshalText()
	if err != nil {
		return err
	}
	return tx.PutMeta(metaLastDecay, stamp)
}

// applyAccess bumps access counters and strengthens edges between memories
// retrieved together in one batch.
func (ix *Index) applyAccess(tx *storage.Tx, rec *types.RecordAccess, fx *sideEffect) error {
	seen := make(map[string]bool, len(rec.Records))
	for _, r := range rec.Records {
		m, err := tx.GetMemory(r.MemoryID)
		if err != nil {
			if types.IsKind(err, types.KindNotFound) {
				continue // pruned between read and flush
			}
			return err
		}
		m.AccessCount++
		if r.At.After(m.LastAccessed) {
			m.LastAccessed = r.At
		}
		if err := tx.UpsertMemory(m); err != nil {
			return err
		}
		fx.upserts = append(fx.upserts, m)
		seen[r.MemoryID] = true
	}

	// Co-retrieval strengthens existing edges between batch members.
	for id := range seen {
		edges, err := tx.EdgesFrom(id)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if e.Relation == types.RelationDerivedFrom || !seen[e.Target] {
				continue
			}
			e.Weight += coRetrievalBoost
			if e.Weight > 1 {
				e.Weight = 1
			}
			if err := tx.UpsertEdge(e); err != nil {
				return err
			}
		}
	}
	return nil
}
