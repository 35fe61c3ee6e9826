package types

import (
	"time"
)

// MemoryLevel identifies the tier of a stored record in the pipeline.
type MemoryLevel int

const (
	// LevelEvent is a raw inbound L0 event, not yet consolidated.
	LevelEvent MemoryLevel = 0
	// LevelMemory is a consolidated L1 semantic memory.
	LevelMemory MemoryLevel = 1
	// LevelInsight is an L2 insight derived from a community of L1 memories.
	LevelInsight MemoryLevel = 2
)

// ContentType describes the payload encoding of an event.
type ContentType string

const (
	ContentTypeText ContentType = "text"
	ContentTypeJSON ContentType = "json"
)

// Content is the payload of a raw event.
type Content struct {
	Type ContentType `json:"type"`
	Data string      `json:"data"`
}

// Event is a raw L0 unit as accepted by the ingest API.
// Pending is true until the consolidation engine has either consumed the
// event into an L1 memory or rejected it through the entropy filter.
type Event struct {
	ID        string            `json:"id"`
	Tenant    string            `json:"tenant"`
	App       string            `json:"app"`
	Stream    string            `json:"stream"`
	Timestamp time.Time         `json:"timestamp"`
	Content   Content           `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Pending   bool              `json:"pending"`
	// Outcome records the terminal state of a consumed event:
	// "consolidated" or "entropy_rejected". Empty while pending.
	Outcome string `json:"outcome,omitempty"`
}

// Event outcomes.
const (
	OutcomeConsolidated    = "consolidated"
	OutcomeEntropyRejected = "entropy_rejected"
)

// MemoryType classifies an L1/L2 memory.
type MemoryType string

const (
	MemoryTypeFactual    MemoryType = "factual"
	MemoryTypeProcedural MemoryType = "procedural"
)

// Memory is a consolidated L1 memory or an L2 insight.
type Memory struct {
	ID           string      `json:"id"`
	Tenant       string      `json:"tenant"`
	App          string      `json:"app"`
	Stream       string      `json:"stream"`
	Content      string      `json:"content"`
	Embedding    []float32   `json:"embedding,omitempty"`
	Keywords     []string    `json:"keywords,omitempty"`
	Importance   float64     `json:"importance"`
	Level        MemoryLevel `json:"level"`
	MemoryType   MemoryType  `json:"memory_type"`
	AccessCount  uint64      `json:"access_count"`
	LastAccessed time.Time   `json:"last_accessed"`
	// TransactionTime is when the memory was committed to the store.
	TransactionTime time.Time `json:"transaction_time"`
	// ValidTime, when set, bounds the real-world validity of the fact.
	ValidTime *time.Time `json:"valid_time,omitempty"`
	// References holds L0 event ids this memory consolidates.
	References []string `json:"references,omitempty"`
	// DerivedFrom holds L1 memory ids for level=2 insights.
	DerivedFrom []string `json:"derived_from,omitempty"`
}

// Relation labels a semantic or provenance edge.
type Relation string

const (
	RelationSimilar     Relation = "similar"
	RelationDerivedFrom Relation = "derived_from"
	RelationCoOccurs    Relation = "co_occurs"
	RelationConflicts   Relation = "conflicts"
)

// Edge is a directed, weighted relation between two nodes of one shard.
// Weight is always kept within [0,1].
type Edge struct {
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	Relation Relation  `json:"relation"`
	Weight   float64   `json:"weight"`
	Touched  time.Time `json:"touched"`
}

// Community is a detected cluster over the L1 graph of one tenant.
type Community struct {
	ID            string   `json:"id"`
	Members       []string `json:"members"`
	Modularity    float64  `json:"modularity_contribution"`
	GeneratedL2ID string   `json:"generated_l2_id,omitempty"`
}

// QueryMode selects the retrieval channel mix.
type QueryMode string

const (
	QueryModeText   QueryMode = "text"
	QueryModeVector QueryMode = "vector"
	QueryModeHybrid QueryMode = "hybrid"
)

// QueryFilters narrows a search to a tenant slice of the shard.
type QueryFilters struct {
	Tenant     string      `json:"tenant,omitempty"`
	App        string      `json:"app,omitempty"`
	Level      MemoryLevel `json:"level,omitempty"`
	MemoryType MemoryType  `json:"memory_type,omitempty"`
	After      *time.Time  `json:"after,omitempty"`
	Before     *time.Time  `json:"before,omitempty"`
}

// Query is a retrieval request against the hybrid index.
type Query struct {
	Text              string       `json:"text"`
	Mode              QueryMode    `json:"mode"`
	Filters           QueryFilters `json:"filters"`
	K                 int          `json:"k"`
	EnableArbitration bool         `json:"enable_arbitration"`
}

// ScoredMemory is one ranked search result.
type ScoredMemory struct {
	Memory *Memory `json:"unit"`
	Score  float64 `json:"score"`
	// Channel scores, kept for explainability.
	VectorScore float64 `json:"vector_score,omitempty"`
	TextScore   float64 `json:"text_score,omitempty"`
	GraphScore  float64 `json:"graph_score,omitempty"`
}

// GraphView is a bounded dump of the adjacency for inspection.
type GraphView struct {
	Nodes []*Memory  `json:"nodes"`
	Edges []*Edge    `json:"edges"`
	Stats GraphStats `json:"stats"`
}

// GraphStats summarizes a GraphView.
type GraphStats struct {
	NodeCount            int            `json:"node_count"`
	EdgeCount            int            `json:"edge_count"`
	RelationDistribution map[string]int `json:"relation_distribution"`
}

// RaftState mirrors the replication role of one shard replica.
type RaftState string

const (
	RaftStateFollower  RaftState = "follower"
	RaftStateCandidate RaftState = "candidate"
	RaftStateLeader    RaftState = "leader"
	RaftStateShutdown  RaftState = "shutdown"
)

// Peer identifies one replica of a shard group.
type Peer struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// ShardStatus is the status view of one shard replica.
type ShardStatus struct {
	ShardID        int               `json:"shard_id"`
	NodeID         string            `json:"node_id"`
	State          RaftState         `json:"raft_state"`
	Term           uint64            `json:"current_term"`
	LastLogIndex   uint64            `json:"last_log_index"`
	LastApplied    uint64            `json:"last_applied"`
	Leader         string            `json:"leader,omitempty"`
	Voters         []Peer            `json:"voters"`
	Learners       []Peer            `json:"learners,omitempty"`
	ReplicationLag map[string]uint64 `json:"replication_lag,omitempty"`
}
