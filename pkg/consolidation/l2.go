package consolidation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/memorose/memorose/pkg/community"
	"github.com/memorose/memorose/pkg/metrics"
	"github.com/memorose/memorose/pkg/types"
)

// communityTokenBudget bounds how much member content is fed into one
// insight summarization call.
const communityTokenBudget = 4000

// insightCycle runs the L2 pass: per tenant, cluster the L1 graph, fold
// each surviving community into one insight, and retire insights whose
// source community dissolved. Each tenant's new insights and their
// derived_from edges commit as one batch; retired insights are removed by
// separate DeleteMemory proposals made before that batch.
func (e *Engine) insightCycle() error {
	metrics.L2PassesTotal.Inc()
	store := e.shard.Index().Store()

	// Collect L1 members and existing L2 insights per tenant.
	l1ByTenant := make(map[string][]*types.Memory)
	l2ByTenant := make(map[string][]*types.Memory)
	err := store.ForEachMemory(func(m *types.Memory) error {
		switch m.Level {
		case types.LevelMemory:
			l1ByTenant[m.Tenant] = append(l1ByTenant[m.Tenant], m)
		case types.LevelInsight:
			l2ByTenant[m.Tenant] = append(l2ByTenant[m.Tenant], m)
		}
		return nil
	})
	if err != nil {
		return err
	}

	tenants := make([]string, 0, len(l1ByTenant))
	for t := range l1ByTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		if !e.shard.IsLeader() {
			return nil
		}
		if err := e.insightPass(tenant, l1ByTenant[tenant], l2ByTenant[tenant]); err != nil {
			if types.IsKind(err, types.KindNotLeader) {
				return nil
			}
			e.logger.Error().Err(err).Str("tenant", tenant).Msg("L2 pass failed for tenant")
		}
	}
	return nil
}

func (e *Engine) insightPass(tenant string, l1 []*types.Memory, existing []*types.Memory) error {
	if len(l1) < e.comm.MinSize {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store := e.shard.Index().Store()
	members := make(map[string]*types.Memory, len(l1))
	graph := community.NewGraph()
	for _, m := range l1 {
		members[m.ID] = m
		graph.AddNode(m.ID)
	}
	for _, m := range l1 {
		edges, err := store.EdgesFrom(m.ID)
		if err != nil {
			return err
		}
		for _, edge := range edges {
			if edge.Relation == types.RelationDerivedFrom {
				continue
			}
			if _, ok := members[edge.Target]; !ok {
				continue
			}
			graph.AddEdge(edge.Source, edge.Target, edge.Weight)
		}
	}

	communities := community.Detect(graph, e.comm)
	batch := types.ConsolidationBatch{}
	now := time.Now().UTC()
	generated := make(map[string]bool)

	for _, comm := range communities {
		insight, err := e.summarizeCommunity(ctx, tenant, comm, members, now)
		if err != nil {
			return err
		}
		generated[insight.ID] = true
		batch.Upserts = append(batch.Upserts, insight)
		for _, memberID := range comm.Members {
			batch.Edges = append(batch.Edges, &types.Edge{
				Source:   insight.ID,
				Target:   memberID,
				Relation: types.RelationDerivedFrom,
				Weight:   1,
				Touched:  now,
			})
		}
	}

	// Insights whose community dissolved are retired. Ids are derived from
	// the member set, so a re-detected community overwrites in place.
	for _, old := range existing {
		if !generated[old.ID] {
			if err := e.deleteMemory(old.ID); err != nil {
				return err
			}
		}
	}

	if len(batch.Upserts) == 0 {
		return nil
	}
	cmd, err := types.NewCommand(types.OpConsolidationBatch, &batch)
	if err != nil {
		return err
	}
	_, err = e.shard.Propose(cmd)
	return err
}

// summarizeCommunity folds one community's member contents into an L2
// insight with a deterministic id.
func (e *Engine) summarizeCommunity(ctx context.Context, tenant string, comm *types.Community, members map[string]*types.Memory, now time.Time) (*types.Memory, error) {
	sorted := append([]string{}, comm.Members...)
	sort.Strings(sorted)

	var contents []string
	budget := communityTokenBudget
	var app, stream string
	for _, id := range sorted {
		m := members[id]
		if app == "" {
			app, stream = m.App, m.Stream
		}
		if budget <= 0 {
			break
		}
		c := m.Content
		if len(c) > budget {
			c = c[:budget]
		}
		contents = append(contents, c)
		budget -= len(c)
	}

	cand, err := e.llm.SummarizeCommunity(ctx, contents)
	if err != nil {
		return nil, err
	}
	embedding, err := e.llm.EmbedOne(ctx, cand.Content)
	if err != nil {
		return nil, err
	}

	return &types.Memory{
		ID:              uuid.NewSHA1(memoryNamespace, []byte("l2\x00"+tenant+"\x00"+strings.Join(sorted, "\x00"))).String(),
		Tenant:          tenant,
		App:             app,
		Stream:          stream,
		Content:         cand.Content,
		Embedding:       embedding,
		Keywords:        cand.Keywords,
		Importance:      cand.Importance,
		Level:           types.LevelInsight,
		MemoryType:      cand.MemoryType,
		LastAccessed:    now,
		TransactionTime: now,
		DerivedFrom:     sorted,
	}, nil
}

func (e *Engine) deleteMemory(id string) error {
	cmd, err := types.NewCommand(types.OpDeleteMemory, &types.DeleteMemory{MemoryID: id})
	if err != nil {
		return err
	}
	_, err = e.shard.Propose(cmd)
	return err
}
