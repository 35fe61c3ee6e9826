// Package node assembles one Memorose process: every shard's replica, the
// per-shard consolidation engines and access recorders, the tenant router,
// and the REST API.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/memorose/memorose/pkg/api"
	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/consolidation"
	"github.com/memorose/memorose/pkg/llm"
	"github.com/memorose/memorose/pkg/log"
	"github.com/memorose/memorose/pkg/router"
	"github.com/memorose/memorose/pkg/shard"
	"github.com/memorose/memorose/pkg/types"
	"github.com/rs/zerolog"
)

// Node is one running Memorose process.
type Node struct {
	cfg *config.Config

	shards    map[int]*shard.Shard
	engines   []*consolidation.Engine
	recorders map[int]*shard.AccessRecorder
	router    *router.Router
	server    *api.Server

	logger zerolog.Logger
}

// New builds a node from configuration. Bootstrap controls whether fresh
// single-voter groups are formed immediately; otherwise the node waits to
// be joined or initialized over the API.
func New(cfg *config.Config, bootstrap bool) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	client := llm.NewClient(provider, cfg.LLM)

	n := &Node{
		cfg:       cfg,
		shards:    make(map[int]*shard.Shard),
		recorders: make(map[int]*shard.AccessRecorder),
		logger:    log.WithComponent("node"),
	}

	for i := 0; i < cfg.ShardCount; i++ {
		bindAddr, err := config.ShardBindAddr(cfg.BindAddr, i)
		if err != nil {
			return nil, err
		}
		sh, err := shard.New(shard.Config{
			ShardID:      i,
			NodeID:       cfg.NodeID,
			BindAddr:     bindAddr,
			DataDir:      cfg.DataDir,
			Bootstrap:    bootstrap,
			Raft:         cfg.Raft,
			EmbeddingDim: cfg.EmbeddingDim,
			Scoring:      cfg.Scoring,
			LLM:          client,
		})
		if err != nil {
			n.closeShards()
			return nil, fmt.Errorf("failed to start shard %d: %w", i, err)
		}
		n.shards[i] = sh
		n.recorders[i] = shard.NewAccessRecorder(sh)
		n.engines = append(n.engines, consolidation.NewEngine(
			sh, client, cfg.Consolidation, cfg.Community, cfg.Decay, i))
	}

	n.router = router.New(n.shards, cfg.ShardCount, cfg.Router, cfg.Raft.HeartbeatInterval())
	n.server = api.NewServer(api.Config{
		NodeID:        cfg.NodeID,
		APIAddr:       cfg.APIAddr,
		Router:        n.router,
		Recorders:     n.recorders,
		ShardRaftAddr: config.ShardBindAddr,
		Bootstrap:     n.bootstrapShards,
		StatusConfig: api.ClusterConfigView{
			HeartbeatIntervalMs:  cfg.Raft.HeartbeatIntervalMs,
			ElectionTimeoutMinMs: cfg.Raft.ElectionTimeoutMinMs,
			ElectionTimeoutMaxMs: cfg.Raft.ElectionTimeoutMaxMs,
		},
	})
	return n, nil
}

func buildProvider(cfg *config.Config) (llm.Capability, error) {
	switch cfg.LLM.Provider {
	case "", "local":
		return llm.NewLocal(cfg.EmbeddingDim), nil
	default:
		return nil, types.NewErrorf(types.KindValidation, "unknown llm provider %q", cfg.LLM.Provider)
	}
}

// bootstrapShards forms a single-voter group on every local shard; it is
// the one-time POST /v1/cluster/initialize path.
func (n *Node) bootstrapShards() error {
	for _, sh := range n.shards {
		if err := sh.Bootstrap(); err != nil {
			return err
		}
	}
	return nil
}

// Start launches every background component and blocks serving the API.
func (n *Node) Start() error {
	for _, rec := range n.recorders {
		rec.Start()
	}
	for _, e := range n.engines {
		e.Start()
	}
	n.router.Start()
	n.logger.Info().
		Str("node_id", n.cfg.NodeID).
		Int("shards", n.cfg.ShardCount).
		Msg("Node started")
	return n.server.Start()
}

// Stop drains and halts every component in reverse dependency order.
func (n *Node) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), api.ShutdownTimeout())
	defer cancel()
	if err := n.server.Stop(ctx); err != nil {
		n.logger.Error().Err(err).Msg("API shutdown failed")
	}
	n.router.Stop()
	for _, e := range n.engines {
		e.Stop()
	}
	for _, rec := range n.recorders {
		rec.Stop()
	}
	n.closeShards()
	n.logger.Info().Msg("Node stopped")
}

func (n *Node) closeShards() {
	for _, sh := range n.shards {
		if err := sh.Shutdown(); err != nil {
			n.logger.Error().Err(err).Int("shard_id", sh.ID).Msg("Shard shutdown failed")
		}
	}
}

// WaitForLeadership blocks until every local shard has some leader, or the
// timeout elapses.
func (n *Node) WaitForLeadership(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ready := true
		for _, sh := range n.shards {
			if sh.LeaderAddr() == "" {
				ready = false
				break
			}
		}
		if ready {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
