package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration. Zero values are filled with the
// documented defaults by Default()/Load; Validate rejects the rest.
type Config struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"` // raft transport base address; shard i listens on port+i
	APIAddr  string `yaml:"api_addr"`
	DataDir  string `yaml:"data_dir"`

	ShardCount int `yaml:"shard_count"`

	// EmbeddingDim is fixed per deployment; a stored embedding of any other
	// length is a fatal invariant violation at shard open.
	EmbeddingDim int `yaml:"embedding_dim"`

	Raft          RaftConfig          `yaml:"raft"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Community     CommunityConfig     `yaml:"community"`
	Decay         DecayConfig         `yaml:"decay"`
	LLM           LLMConfig           `yaml:"llm"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Router        RouterConfig        `yaml:"router"`

	Log LogConfig `yaml:"log"`
}

// RaftConfig tunes the per-shard replication groups.
type RaftConfig struct {
	HeartbeatIntervalMs  int    `yaml:"heartbeat_interval_ms"`
	ElectionTimeoutMinMs int    `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int    `yaml:"election_timeout_max_ms"`
	SnapshotPolicyLogs   uint64 `yaml:"snapshot_policy_logs"`
	ProposeTimeoutMs     int    `yaml:"propose_timeout_ms"`
}

// ConsolidationConfig tunes the L0→L1 engine.
type ConsolidationConfig struct {
	IntervalSecs     int     `yaml:"interval_secs"`
	BatchSize        int     `yaml:"batch_size"`
	EntropyThreshold float64 `yaml:"entropy_threshold"`
	LinkThreshold    float64 `yaml:"link_threshold"`
	DedupThreshold   float64 `yaml:"dedup_threshold"`
	L2IntervalSecs   int     `yaml:"l2_interval_secs"`
	// LinkTopK caps how many similar-edges one new memory fans out.
	LinkTopK int `yaml:"link_top_k"`
}

// CommunityConfig tunes the L2 clustering pass.
type CommunityConfig struct {
	Algorithm     string `yaml:"algorithm"` // auto, modularity, label_propagation
	MinSize       int    `yaml:"min_size"`
	MaxIterations int    `yaml:"max_iterations"`
}

// DecayConfig tunes temporal decay and pruning.
type DecayConfig struct {
	IntervalSecs   int     `yaml:"interval_secs"`
	HalfLifeDays   float64 `yaml:"half_life_days"`
	MinImportance  float64 `yaml:"min_importance"`
	MinAccessCount uint64  `yaml:"min_access_count"`
}

// LLMConfig bounds the shared capability client.
type LLMConfig struct {
	Provider       string `yaml:"provider"` // local is the only built-in
	TimeoutMs      int    `yaml:"timeout_ms"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxRetries     int    `yaml:"max_retries"`
}

// ScoringConfig holds the hybrid fusion weights.
type ScoringConfig struct {
	WVector float64 `yaml:"w_vector"`
	WText   float64 `yaml:"w_text"`
	WGraph  float64 `yaml:"w_graph"`
	// GraphAlpha scales the in-edge boost before fusion.
	GraphAlpha float64 `yaml:"graph_alpha"`
}

// RouterConfig tunes leader-aware dispatch.
type RouterConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	MaxPingFailures int      `yaml:"max_ping_failures"`
	Peers           []string `yaml:"peers"` // api addresses of other physical nodes
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration with every documented default filled in.
func Default() *Config {
	return &Config{
		NodeID:       "node-1",
		BindAddr:     "127.0.0.1:7000",
		APIAddr:      "127.0.0.1:8080",
		DataDir:      "./data",
		ShardCount:   1,
		EmbeddingDim: 128,
		Raft: RaftConfig{
			HeartbeatIntervalMs:  500,
			ElectionTimeoutMinMs: 1500,
			ElectionTimeoutMaxMs: 3000,
			SnapshotPolicyLogs:   8192,
			ProposeTimeoutMs:     10000,
		},
		Consolidation: ConsolidationConfig{
			IntervalSecs:     5,
			BatchSize:        50,
			EntropyThreshold: 2.0,
			LinkThreshold:    0.7,
			DedupThreshold:   0.9,
			L2IntervalSecs:   300,
			LinkTopK:         5,
		},
		Community: CommunityConfig{
			Algorithm:     "auto",
			MinSize:       3,
			MaxIterations: 100,
		},
		Decay: DecayConfig{
			IntervalSecs:   3600,
			HalfLifeDays:   30,
			MinImportance:  0.1,
			MinAccessCount: 3,
		},
		LLM: LLMConfig{
			Provider:       "local",
			TimeoutMs:      30000,
			MaxConcurrency: 8,
			MaxRetries:     5,
		},
		Scoring: ScoringConfig{
			WVector:    0.55,
			WText:      0.35,
			WGraph:     0.10,
			GraphAlpha: 0.1,
		},
		Router: RouterConfig{
			MaxAttempts:     5,
			MaxPingFailures: 3,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("shard_count must be >= 1, got %d", c.ShardCount)
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("embedding_dim must be >= 1, got %d", c.EmbeddingDim)
	}
	if c.Raft.ElectionTimeoutMinMs <= c.Raft.HeartbeatIntervalMs {
		return fmt.Errorf("election_timeout_min_ms (%d) must exceed heartbeat_interval_ms (%d)",
			c.Raft.ElectionTimeoutMinMs, c.Raft.HeartbeatIntervalMs)
	}
	if c.Raft.ElectionTimeoutMaxMs < c.Raft.ElectionTimeoutMinMs {
		return fmt.Errorf("election_timeout_max_ms must be >= election_timeout_min_ms")
	}
	if c.Consolidation.BatchSize < 1 {
		return fmt.Errorf("consolidation.batch_size must be >= 1")
	}
	if c.Consolidation.IntervalSecs < 1 || c.Consolidation.L2IntervalSecs < 1 || c.Decay.IntervalSecs < 1 {
		return fmt.Errorf("consolidation, l2, and decay intervals must be >= 1s")
	}
	if c.Consolidation.DedupThreshold < c.Consolidation.LinkThreshold {
		return fmt.Errorf("consolidation.dedup_threshold must be >= link_threshold")
	}
	if c.Community.MinSize < 1 {
		return fmt.Errorf("community.min_size must be >= 1")
	}
	if w := c.Scoring.WVector + c.Scoring.WText + c.Scoring.WGraph; w <= 0 {
		return fmt.Errorf("scoring weights must sum to a positive value, got %f", w)
	}
	if c.LLM.MaxConcurrency < 1 {
		return fmt.Errorf("llm.max_concurrency must be >= 1")
	}
	return nil
}

// HeartbeatInterval returns the raft heartbeat as a duration.
func (c *RaftConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ElectionTimeoutMin returns the lower election bound as a duration.
func (c *RaftConfig) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.ElectionTimeoutMinMs) * time.Millisecond
}

// ProposeTimeout returns the proposal deadline as a duration.
func (c *RaftConfig) ProposeTimeout() time.Duration {
	return time.Duration(c.ProposeTimeoutMs) * time.Millisecond
}

// Interval returns the consolidation drain period.
func (c *ConsolidationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// L2Interval returns the insight pass period.
func (c *ConsolidationConfig) L2Interval() time.Duration {
	return time.Duration(c.L2IntervalSecs) * time.Second
}

// Interval returns the decay tick period.
func (c *DecayConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// Timeout returns the per-call capability deadline.
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
