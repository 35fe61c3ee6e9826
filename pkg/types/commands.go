package types

import (
	"encoding/json"
	"time"
)

// CommandOp enumerates the replicated command alphabet. Every mutation of a
// shard's state machine is one of these, serialized into the raft log.
type CommandOp string

const (
	OpIngestEvent       CommandOp = "ingest_event"
	OpUpsertMemory      CommandOp = "upsert_memory"
	OpDeleteMemory      CommandOp = "delete_memory"
	OpUpsertEdge        CommandOp = "upsert_edge"
	OpDecayTick         CommandOp = "decay_tick"
	OpMarkEventConsumed CommandOp = "mark_event_consumed"
	OpConfigChange      CommandOp = "config_change"
	// OpConsolidationBatch applies a whole consolidation batch atomically:
	// upserts, edges, and consumed-marks land in a single log entry.
	OpConsolidationBatch CommandOp = "consolidation_batch"
	// OpRecordAccess applies batched access_count/last_accessed updates so
	// hot reads do not amplify the log one entry per read.
	OpRecordAccess CommandOp = "record_access"
)

// Command is one replicated log entry.
type Command struct {
	Op   CommandOp       `json:"op"`
	Data json.RawMessage `json:"data"`
}

// NewCommand serializes payload into a Command envelope.
func NewCommand(op CommandOp, payload interface{}) (*Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Command{Op: op, Data: data}, nil
}

// Encode renders the command for the raft log.
func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand parses a raft log entry back into a Command.
func DecodeCommand(data []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkEventConsumed is the payload of OpMarkEventConsumed.
type MarkEventConsumed struct {
	EventID string `json:"event_id"`
	Outcome string `json:"outcome"`
}

// DecayTick is the payload of OpDecayTick. Now is carried in the command so
// replay on every replica decays against the same clock.
type DecayTick struct {
	Now           time.Time `json:"now"`
	HalfLifeDays  float64   `json:"half_life_days"`
	MinImportance float64   `json:"min_importance"`
	// MinAccessCount guards pruning: memories read at least this often
	// survive even below the importance floor.
	MinAccessCount uint64 `json:"min_access_count"`
}

// AccessRecord is one element of an OpRecordAccess batch.
type AccessRecord struct {
	MemoryID string    `json:"memory_id"`
	At       time.Time `json:"at"`
}

// RecordAccess is the payload of OpRecordAccess.
type RecordAccess struct {
	Records []AccessRecord `json:"records"`
}

// ConsolidationBatch is the payload of OpConsolidationBatch. The state
// machine applies the three slices in order inside one storage batch.
type ConsolidationBatch struct {
	Upserts  []*Memory           `json:"upserts,omitempty"`
	Edges    []*Edge             `json:"edges,omitempty"`
	Consumed []MarkEventConsumed `json:"consumed,omitempty"`
}

// ConfigChange is the payload of OpConfigChange; runtime-tunable knobs that
// must change in lockstep on every replica travel through the log.
type ConfigChange struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DeleteMemory is the payload of OpDeleteMemory.
type DeleteMemory struct {
	MemoryID string `json:"memory_id"`
}

// ApplyResult is what the state machine returns for one applied command.
type ApplyResult struct {
	// EventID echoes the id assigned or confirmed by an ingest.
	EventID string `json:"event_id,omitempty"`
	// Deleted counts rows removed by a decay tick.
	Deleted int `json:"deleted,omitempty"`
	Err     error
}
