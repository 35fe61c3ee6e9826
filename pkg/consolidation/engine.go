package consolidation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/hybrid"
	"github.com/memorose/memorose/pkg/llm"
	"github.com/memorose/memorose/pkg/log"
	"github.com/memorose/memorose/pkg/metrics"
	"github.com/memorose/memorose/pkg/types"
	"github.com/rs/zerolog"
)

// memoryNamespace seeds deterministic memory ids: the same tenant and
// content always derive the same id, which is what makes batch re-derivation
// on a new leader idempotent.
var memoryNamespace = uuid.MustParse("7b8e9a31-4f2d-4c6e-9b1a-5d3f8c2e7a90")

// arbitrationK is how many existing neighbors the arbitrator consults.
const arbitrationK = 5

// Proposer is the slice of the shard the engine drives: it observes
// leadership and submits commands, never touching the engines directly.
type Proposer interface {
	IsLeader() bool
	Propose(cmd *types.Command) (*types.ApplyResult, error)
	Index() *hybrid.Index
	NotifierC() <-chan struct{}
}

// Engine is the per-shard background worker that converts pending L0
// events into L1 memories, periodically derives L2 insights, and fires
// decay ticks. It runs its pipeline only while its shard replica leads;
// every mutation it produces is proposed through the replicated log.
type Engine struct {
	shard   Proposer
	llm     *llm.Client
	cfg     config.ConsolidationConfig
	comm    config.CommunityConfig
	decay   config.DecayConfig
	logger  zerolog.Logger
	stopCh  chan struct{}
	stopped chan struct{}
}

// NewEngine creates a consolidation engine for one shard.
func NewEngine(shard Proposer, client *llm.Client, cfg config.ConsolidationConfig, comm config.CommunityConfig, decay config.DecayConfig, shardID int) *Engine {
	return &Engine{
		shard:   shard,
		llm:     client,
		cfg:     cfg,
		comm:    comm,
		decay:   decay,
		logger:  log.WithShard(shardID).With().Str("component", "consolidation").Logger(),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins the engine loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop stops the engine and waits for the in-flight cycle to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.stopped
}

// run is the main loop. Each branch is guarded by leadership: a follower
// replica keeps its tickers running but does nothing, and the new leader
// resumes from the durable pending set with no handover protocol.
func (e *Engine) run() {
	defer close(e.stopped)

	consolidate := time.NewTicker(e.cfg.Interval())
	defer consolidate.Stop()
	l2 := time.NewTicker(e.cfg.L2Interval())
	defer l2.Stop()
	decay := time.NewTicker(e.decay.Interval())
	defer decay.Stop()

	e.logger.Info().Msg("Consolidation engine started")

	for {
		select {
		case <-e.shard.NotifierC():
			e.leaderOnly(e.consolidateCycle)
		case <-consolidate.C:
			e.leaderOnly(e.consolidateCycle)
		case <-l2.C:
			e.leaderOnly(e.insightCycle)
		case <-decay.C:
			e.leaderOnly(e.decayTick)
		case <-e.stopCh:
			e.logger.Info().Msg("Consolidation engine stopped")
			return
		}
	}
}

func (e *Engine) leaderOnly(cycle func() error) {
	if !e.shard.IsLeader() {
		return
	}
	if err := cycle(); err != nil {
		// Cycle failures leave events pending; the next interval retries.
		e.logger.Error().Err(err).Msg("Consolidation cycle failed")
	}
}

// scope groups one batch by its partition key.
type scope struct {
	tenant, app, stream string
}

// consolidateCycle drains up to batch_size pending events and runs the
// entropy → summarize → embed → arbitrate → link pipeline per scope, then
// commits each scope's outcome as one atomic batch command.
func (e *Engine) consolidateCycle() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ConsolidationDuration)
		metrics.ConsolidationCyclesTotal.Inc()
	}()

	pending, err := e.shard.Index().Store().ScanPending(e.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	groups := make(map[scope][]*types.Event)
	var order []scope
	for _, ev := range pending {
		s := scope{ev.Tenant, ev.App, ev.Stream}
		if _, ok := groups[s]; !ok {
			order = append(order, s)
		}
		groups[s] = append(groups[s], ev)
	}

	for _, s := range order {
		if !e.shard.IsLeader() {
			return nil // demoted mid-cycle; the new leader re-derives
		}
		if err := e.consolidateScope(s, groups[s]); err != nil {
			if types.IsKind(err, types.KindNotLeader) {
				return nil
			}
			metrics.ConsolidationBatchesTotal.WithLabelValues("deferred").Inc()
			e.logger.Error().Err(err).
				Str("tenant", s.tenant).Str("app", s.app).Str("stream", s.stream).
				Msg("Batch deferred; events remain pending")
			continue
		}
		metrics.ConsolidationBatchesTotal.WithLabelValues("committed").Inc()
	}
	return nil
}

// consolidateScope builds and proposes one atomic batch for a single
// (tenant, app, stream) group. Any error abandons the whole batch with no
// partial state proposed.
func (e *Engine) consolidateScope(s scope, events []*types.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	batch := types.ConsolidationBatch{}

	// Entropy filter: rejected events reach their terminal state inside
	// the same atomic batch.
	var live []*types.Event
	for _, ev := range events {
		if shannonEntropy(ev.Content.Data) < e.cfg.EntropyThreshold {
			metrics.EntropyRejectedTotal.Inc()
			batch.Consumed = append(batch.Consumed, types.MarkEventConsumed{
				EventID: ev.ID,
				Outcome: types.OutcomeEntropyRejected,
			})
			continue
		}
		live = append(live, ev)
	}

	if len(live) > 0 {
		candidates, err := e.llm.Summarize(ctx, live)
		if err != nil {
			return err
		}
		eventIDs := make([]string, len(live))
		for i, ev := range live {
			eventIDs[i] = ev.ID
		}

		for _, cand := range candidates {
			mem, edges, err := e.arbitrate(ctx, s, cand, eventIDs)
			if err != nil {
				return err
			}
			batch.Upserts = append(batch.Upserts, mem)
			batch.Edges = append(batch.Edges, edges...)
		}
		for _, ev := range live {
			batch.Consumed = append(batch.Consumed, types.MarkEventConsumed{
				EventID: ev.ID,
				Outcome: types.OutcomeConsolidated,
			})
		}
	}

	if len(batch.Upserts) == 0 && len(batch.Consumed) == 0 {
		return nil
	}

	cmd, err := types.NewCommand(types.OpConsolidationBatch, &batch)
	if err != nil {
		return err
	}
	_, err = e.shard.Propose(cmd)
	return err
}

// arbitrate dedupes one candidate against the existing L1 memories of the
// same tenant, then constructs its similar and provenance edges.
func (e *Engine) arbitrate(ctx context.Context, s scope, cand llm.Candidate, eventIDs []string) (*types.Memory, []*types.Edge, error) {
	embedding, err := e.llm.EmbedOne(ctx, cand.Content)
	if err != nil {
		return nil, nil, err
	}

	sameTenant := func(m *types.Memory) bool {
		return m.Tenant == s.tenant && m.Level == types.LevelMemory
	}
	matches, err := e.shard.Index().ANNByVector(embedding, arbitrationK, sameTenant)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	var mem *types.Memory
	var edges []*types.Edge

	if len(matches) > 0 && matches[0].Similarity >= e.cfg.DedupThreshold {
		// Merge: the candidate restates an existing memory.
		existing, err := e.shard.Index().Store().GetMemory(matches[0].ID)
		if err != nil {
			return nil, nil, err
		}
		existing.References = unionStrings(existing.References, eventIDs)
		existing.Keywords = unionStrings(existing.Keywords, cand.Keywords)
		if merged := 0.9 * cand.Importance; merged > existing.Importance {
			existing.Importance = merged
		}
		mem = existing
	} else {
		mem = &types.Memory{
			ID:              uuid.NewSHA1(memoryNamespace, []byte(s.tenant+"\x00"+cand.Content)).String(),
			Tenant:          s.tenant,
			App:             s.app,
			Stream:          s.stream,
			Content:         cand.Content,
			Embedding:       embedding,
			Keywords:        cand.Keywords,
			Importance:      cand.Importance,
			Level:           types.LevelMemory,
			MemoryType:      cand.MemoryType,
			LastAccessed:    now,
			TransactionTime: now,
			References:      eventIDs,
		}

		if len(matches) > 0 && matches[0].Similarity >= e.cfg.LinkThreshold {
			verdict, err := e.llm.Arbitrate(ctx, cand.Content, e.contentOf(matches[0].ID))
			if err != nil {
				return nil, nil, err
			}
			if verdict == llm.VerdictConflicts {
				edges = append(edges, &types.Edge{
					Source:   mem.ID,
					Target:   matches[0].ID,
					Relation: types.RelationConflicts,
					Weight:   matches[0].Similarity,
					Touched:  now,
				})
			}
		}
	}

	// Similar edges to the nearest neighbors above the link threshold.
	linked := 0
	for _, match := range matches {
		if match.ID == mem.ID || match.Similarity < e.cfg.LinkThreshold {
			continue
		}
		if linked >= e.cfg.LinkTopK {
			break
		}
		edges = append(edges, &types.Edge{
			Source:   mem.ID,
			Target:   match.ID,
			Relation: types.RelationSimilar,
			Weight:   match.Similarity,
			Touched:  now,
		})
		linked++
	}

	// Provenance edges to every cited event.
	for _, evID := range eventIDs {
		edges = append(edges, &types.Edge{
			Source:   mem.ID,
			Target:   evID,
			Relation: types.RelationDerivedFrom,
			Weight:   1,
			Touched:  now,
		})
	}
	return mem, edges, nil
}

func (e *Engine) contentOf(memoryID string) string {
	m, err := e.shard.Index().Store().GetMemory(memoryID)
	if err != nil {
		return ""
	}
	return m.Content
}

// decayTick proposes one decay command carrying the clock, so replay on
// every replica decays identically.
func (e *Engine) decayTick() error {
	cmd, err := types.NewCommand(types.OpDecayTick, &types.DecayTick{
		Now:            time.Now().UTC(),
		HalfLifeDays:   e.decay.HalfLifeDays,
		MinImportance:  e.decay.MinImportance,
		MinAccessCount: e.decay.MinAccessCount,
	})
	if err != nil {
		return err
	}
	res, err := e.shard.Propose(cmd)
	if err != nil {
		return err
	}
	if res.Deleted > 0 {
		metrics.MemoriesPrunedTotal.Add(float64(res.Deleted))
		e.logger.Info().Int("pruned", res.Deleted).Msg("Decay tick pruned cold memories")
	}
	return nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
