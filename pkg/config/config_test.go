package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.ShardCount)
	assert.Equal(t, 500, cfg.Raft.HeartbeatIntervalMs)
	assert.Equal(t, 1500, cfg.Raft.ElectionTimeoutMinMs)
	assert.Equal(t, 3000, cfg.Raft.ElectionTimeoutMaxMs)
	assert.Equal(t, 0.9, cfg.Consolidation.DedupThreshold)
	assert.Equal(t, 0.7, cfg.Consolidation.LinkThreshold)
	assert.Equal(t, 30.0, cfg.Decay.HalfLifeDays)
	assert.Equal(t, 0.1, cfg.Decay.MinImportance)
	assert.InDelta(t, 1.0, cfg.Scoring.WVector+cfg.Scoring.WText+cfg.Scoring.WGraph, 1e-9)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
node_id: node-7
shard_count: 4
consolidation:
  batch_size: 25
  entropy_threshold: 1.5
scoring:
  w_vector: 0.6
  w_text: 0.3
  w_graph: 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, 4, cfg.ShardCount)
	assert.Equal(t, 25, cfg.Consolidation.BatchSize)
	assert.Equal(t, 1.5, cfg.Consolidation.EntropyThreshold)
	assert.Equal(t, 0.6, cfg.Scoring.WVector)
	// Untouched sections keep their defaults.
	assert.Equal(t, 500, cfg.Raft.HeartbeatIntervalMs)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty node id", func(c *Config) { c.NodeID = "" }},
		{"zero shards", func(c *Config) { c.ShardCount = 0 }},
		{"zero embedding dim", func(c *Config) { c.EmbeddingDim = 0 }},
		{"election under heartbeat", func(c *Config) { c.Raft.ElectionTimeoutMinMs = 100 }},
		{"election max under min", func(c *Config) { c.Raft.ElectionTimeoutMaxMs = 1000 }},
		{"zero batch size", func(c *Config) { c.Consolidation.BatchSize = 0 }},
		{"dedup below link", func(c *Config) { c.Consolidation.DedupThreshold = 0.5 }},
		{"zero community size", func(c *Config) { c.Community.MinSize = 0 }},
		{"zero scoring weights", func(c *Config) { c.Scoring = ScoringConfig{} }},
		{"zero llm concurrency", func(c *Config) { c.LLM.MaxConcurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestShardBindAddr(t *testing.T) {
	addr, err := ShardBindAddr("127.0.0.1:7000", 0)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", addr)

	addr, err = ShardBindAddr("10.0.0.2:7000", 3)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:7003", addr)

	_, err = ShardBindAddr("no-port", 0)
	assert.Error(t, err)
}
