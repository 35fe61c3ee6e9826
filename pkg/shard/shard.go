package shard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/events"
	"github.com/memorose/memorose/pkg/hybrid"
	"github.com/memorose/memorose/pkg/llm"
	"github.com/memorose/memorose/pkg/log"
	"github.com/memorose/memorose/pkg/metrics"
	"github.com/memorose/memorose/pkg/storage"
	"github.com/memorose/memorose/pkg/types"
	"github.com/rs/zerolog"
)

// Shard is one replicated partition: a raft group whose state machine owns
// the partition's three engines. All mutations flow through Propose; reads
// run against the hybrid index on any replica, with ReadLinearizable
// fencing leader reads behind a barrier.
type Shard struct {
	ID     int
	nodeID string

	raft     *raft.Raft
	fsm      *FSM
	index    *hybrid.Index
	store    *storage.BoltStore
	notifier *events.Notifier

	cfg       config.RaftConfig
	localAddr raft.ServerAddress
	logger    zerolog.Logger
}

// Config carries what one shard needs to start.
type Config struct {
	ShardID  int
	NodeID   string
	BindAddr string // raft transport address for this shard
	DataDir  string
	// Bootstrap starts a fresh single-voter group on this node.
	Bootstrap bool

	Raft         config.RaftConfig
	EmbeddingDim int
	Scoring      config.ScoringConfig
	LLM          *llm.Client
}

// New opens the shard's engines and starts its raft group.
func New(cfg Config) (*Shard, error) {
	dataDir := filepath.Join(cfg.DataDir, "shard-"+strconv.Itoa(cfg.ShardID))
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	index, err := hybrid.New(store, cfg.EmbeddingDim, cfg.LLM, hybrid.ScoringConfig{
		WVector:    cfg.Scoring.WVector,
		WText:      cfg.Scoring.WText,
		WGraph:     cfg.Scoring.WGraph,
		GraphAlpha: cfg.Scoring.GraphAlpha,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open hybrid index: %w", err)
	}

	notifier := events.NewNotifier()
	fsm := NewFSM(index, notifier)

	s := &Shard{
		ID:       cfg.ShardID,
		nodeID:   cfg.NodeID,
		fsm:      fsm,
		index:    index,
		store:    store,
		notifier: notifier,
		cfg:      cfg.Raft,
		logger:   log.WithShard(cfg.ShardID),
	}

	if err := s.startRaft(cfg, dataDir); err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// startRaft wires the raft group: TCP transport, bolt log/stable stores,
// file snapshot store, and the tuned timeouts.
func (s *Shard) startRaft(cfg Config, dataDir string) error {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)

	// Timeout mapping onto the library's knobs: a follower waits the
	// election minimum without contact before campaigning, and the library
	// randomizes the campaign timeout in [min, 2*min). The election maximum
	// is not passed to the library, so the window equals [election_min,
	// election_max] only when max is twice min (the defaults). The leader
	// lease rides the heartbeat interval.
	rc.HeartbeatTimeout = s.cfg.ElectionTimeoutMin()
	rc.ElectionTimeout = s.cfg.ElectionTimeoutMin()
	rc.LeaderLeaseTimeout = s.cfg.HeartbeatInterval()
	rc.CommitTimeout = s.cfg.HeartbeatInterval() / 10
	if s.cfg.SnapshotPolicyLogs > 0 {
		rc.SnapshotThreshold = s.cfg.SnapshotPolicyLogs
	}
	rc.LogOutput = os.Stderr

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(rc, s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	s.raft = r
	s.localAddr = transport.LocalAddr()

	if cfg.Bootstrap {
		if err := s.Bootstrap(); err != nil {
			return err
		}
	}

	s.logger.Info().Str("bind_addr", cfg.BindAddr).Msg("Shard raft group started")
	return nil
}

// Bootstrap forms a fresh single-voter group with this replica as the only
// member. Calling it on an already-initialized shard is a no-op.
func (s *Shard) Bootstrap() error {
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(s.nodeID), Address: s.localAddr},
		},
	}
	future := s.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return fmt.Errorf("failed to bootstrap shard %d: %w", s.ID, err)
	}
	return nil
}

// Index exposes the hybrid index for reads.
func (s *Shard) Index() *hybrid.Index { return s.index }

// Store exposes the KV engine for reads.
func (s *Shard) Store() *storage.BoltStore { return s.store }

// Notifier is the pending-events wake-up channel for the consolidation
// worker.
func (s *Shard) Notifier() *events.Notifier { return s.notifier }

// NotifierC is the coalesced wake-up channel, in the shape the
// consolidation engine selects on.
func (s *Shard) NotifierC() <-chan struct{} { return s.notifier.C() }

// IsLeader reports whether this replica currently leads the shard group.
func (s *Shard) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// LeaderCh surfaces leadership transitions for the consolidation engine.
func (s *Shard) LeaderCh() <-chan bool {
	return s.raft.LeaderCh()
}

// LeaderAddr returns the last known leader address, empty when unknown.
func (s *Shard) LeaderAddr() string {
	addr, _ := s.raft.LeaderWithID()
	return string(addr)
}

// Propose submits one command to the replicated log and waits for it to be
// applied. On a non-leader replica it fails fast with the leader hint.
func (s *Shard) Propose(cmd *types.Command) (*types.ApplyResult, error) {
	if s.raft.State() != raft.Leader {
		return nil, types.NotLeaderError(s.LeaderAddr())
	}

	data, err := cmd.Encode()
	if err != nil {
		return nil, types.WrapError(types.KindValidation, "failed to encode command", err)
	}

	future := s.raft.Apply(data, s.cfg.ProposeTimeout())
	if err := future.Error(); err != nil {
		switch err {
		case raft.ErrNotLeader, raft.ErrLeadershipLost, raft.ErrLeadershipTransferInProgress:
			return nil, types.NotLeaderError(s.LeaderAddr())
		case raft.ErrEnqueueTimeout:
			// The command may still commit later.
			return nil, types.WrapError(types.KindTimeout, "proposal timed out", err)
		case raft.ErrRaftShutdown:
			return nil, types.WrapError(types.KindUnavailable, "shard shut down", err)
		default:
			return nil, types.WrapError(types.KindTransientIO, "proposal failed", err)
		}
	}

	res, ok := future.Response().(*types.ApplyResult)
	if !ok {
		return nil, types.NewError(types.KindRejected, "unexpected apply response")
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res, nil
}

// ReadLinearizable runs fn on the leader after a read-index barrier, so the
// read observes every write acknowledged before it started.
func (s *Shard) ReadLinearizable(fn func() error) error {
	if err := s.raft.VerifyLeader().Error(); err != nil {
		return types.NotLeaderError(s.LeaderAddr())
	}
	if err := s.raft.Barrier(s.cfg.ProposeTimeout()).Error(); err != nil {
		return types.WrapError(types.KindTimeout, "read barrier failed", err)
	}
	return fn()
}

// ReadLocal runs fn against this replica's state, which may be stale.
func (s *Shard) ReadLocal(fn func() error) error {
	return fn()
}

// Status reports the replica's replication view.
func (s *Shard) Status() types.ShardStatus {
	stats := s.raft.Stats()
	st := types.ShardStatus{
		ShardID:      s.ID,
		NodeID:       s.nodeID,
		State:        raftStateOf(s.raft.State()),
		LastLogIndex: s.raft.LastIndex(),
		LastApplied:  s.raft.AppliedIndex(),
		Leader:       s.LeaderAddr(),
	}
	if term, err := strconv.ParseUint(stats["current_term"], 10, 64); err == nil {
		st.Term = term
	}

	if future := s.raft.GetConfiguration(); future.Error() == nil {
		for _, srv := range future.Configuration().Servers {
			peer := types.Peer{ID: string(srv.ID), Address: string(srv.Address)}
			if srv.Suffrage == raft.Voter {
				st.Voters = append(st.Voters, peer)
			} else {
				st.Learners = append(st.Learners, peer)
			}
		}
	}

	// The library exposes replication progress only as aggregate indexes;
	// the lag entry for this replica is last-log-index-minus-applied.
	st.ReplicationLag = map[string]uint64{
		s.nodeID: st.LastLogIndex - st.LastApplied,
	}
	return st
}

func raftStateOf(s raft.RaftState) types.RaftState {
	switch s {
	case raft.Leader:
		return types.RaftStateLeader
	case raft.Candidate:
		return types.RaftStateCandidate
	case raft.Shutdown:
		return types.RaftStateShutdown
	default:
		return types.RaftStateFollower
	}
}

// AddVoter adds a voting member to the shard group.
func (s *Shard) AddVoter(nodeID, address string) error {
	if !s.IsLeader() {
		return types.NotLeaderError(s.LeaderAddr())
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return types.WrapError(types.KindTransientIO, "failed to add voter", err)
	}
	s.logger.Info().Str("node_id", nodeID).Str("address", address).Msg("Added voter")
	return nil
}

// AddLearner adds a non-voting member that receives the log without
// counting toward quorum. Promote it with AddVoter once caught up.
func (s *Shard) AddLearner(nodeID, address string) error {
	if !s.IsLeader() {
		return types.NotLeaderError(s.LeaderAddr())
	}
	future := s.raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return types.WrapError(types.KindTransientIO, "failed to add learner", err)
	}
	s.logger.Info().Str("node_id", nodeID).Str("address", address).Msg("Added learner")
	return nil
}

// PromoteWhenCaughtUp promotes a learner to voter on the first heartbeat
// tick at which a leader barrier succeeds, giving up after five minutes or
// on loss of leadership. The learner's own replication index is not
// checked before promotion.
func (s *Shard) PromoteWhenCaughtUp(nodeID, address string) {
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval())
		defer ticker.Stop()
		deadline := time.Now().Add(5 * time.Minute)
		for range ticker.C {
			if !s.IsLeader() {
				return
			}
			if time.Now().After(deadline) {
				s.logger.Warn().Str("node_id", nodeID).Msg("Learner catch-up timed out; leaving as learner")
				return
			}
			// A barrier round-trip confirms the leader has applied its log
			// tail; it says nothing about the learner's progress.
			if err := s.raft.Barrier(s.cfg.ProposeTimeout()).Error(); err != nil {
				continue
			}
			if err := s.AddVoter(nodeID, address); err != nil {
				continue
			}
			s.logger.Info().Str("node_id", nodeID).Msg("Promoted learner to voter")
			return
		}
	}()
}

// Remove removes a member from the shard group.
func (s *Shard) Remove(nodeID string) error {
	if !s.IsLeader() {
		return types.NotLeaderError(s.LeaderAddr())
	}
	future := s.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return types.WrapError(types.KindTransientIO, "failed to remove server", err)
	}
	return nil
}

// UpdateMetrics refreshes the shard's prometheus gauges.
func (s *Shard) UpdateMetrics() {
	label := strconv.Itoa(s.ID)
	if s.IsLeader() {
		metrics.RaftLeader.WithLabelValues(label).Set(1)
	} else {
		metrics.RaftLeader.WithLabelValues(label).Set(0)
	}
	metrics.RaftLogIndex.WithLabelValues(label).Set(float64(s.raft.LastIndex()))
	metrics.RaftAppliedIndex.WithLabelValues(label).Set(float64(s.raft.AppliedIndex()))

	if n, err := s.store.PendingCount(); err == nil {
		metrics.EventsPending.WithLabelValues(label).Set(float64(n))
	}
	if counts, err := s.store.CountMemoriesByLevel(); err == nil {
		for level, n := range counts {
			metrics.MemoriesTotal.WithLabelValues(label, strconv.Itoa(int(level))).Set(float64(n))
		}
	}
}

// Shutdown stops the raft group and closes the engines.
func (s *Shard) Shutdown() error {
	if err := s.raft.Shutdown().Error(); err != nil {
		s.logger.Error().Err(err).Msg("Raft shutdown failed")
	}
	return s.store.Close()
}
