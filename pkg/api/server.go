package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/memorose/memorose/pkg/log"
	"github.com/memorose/memorose/pkg/metrics"
	"github.com/memorose/memorose/pkg/router"
	"github.com/memorose/memorose/pkg/shard"
	"github.com/memorose/memorose/pkg/types"
	"github.com/rs/zerolog"
)

// leaderHintHeader carries the leader's API address on not-leader rejects.
const leaderHintHeader = "X-Memorose-Leader"

// Server is the REST /v1 surface of one physical node.
type Server struct {
	nodeID    string
	apiAddr   string
	router    *router.Router
	recorders map[int]*shard.AccessRecorder
	// shardRaftAddr resolves a peer's raft address for one shard during
	// cluster joins.
	shardRaftAddr func(base string, shardID int) (string, error)
	// bootstrap starts fresh single-voter groups on this node.
	bootstrap func() error
	tuning    ClusterConfigView

	http   *http.Server
	logger zerolog.Logger
}

// Config wires the server's collaborators.
type Config struct {
	NodeID        string
	APIAddr       string
	Router        *router.Router
	Recorders     map[int]*shard.AccessRecorder
	ShardRaftAddr func(base string, shardID int) (string, error)
	Bootstrap     func() error
	StatusConfig  ClusterConfigView
}

// NewServer builds the REST server and its route table.
func NewServer(cfg Config) *Server {
	s := &Server{
		nodeID:        cfg.NodeID,
		apiAddr:       cfg.APIAddr,
		router:        cfg.Router,
		recorders:     cfg.Recorders,
		shardRaftAddr: cfg.ShardRaftAddr,
		bootstrap:     cfg.Bootstrap,
		tuning:        cfg.StatusConfig,
		logger:        log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/users/{tenant}/apps/{app}/streams/{stream}/events",
		withObservability("ingest", s.handleIngest))
	mux.HandleFunc("POST /v1/search", withObservability("search", s.handleSearch))
	mux.HandleFunc("GET /v1/memories", withObservability("memories", s.handleListMemories))
	mux.HandleFunc("GET /v1/memories/{id}", withObservability("memory", s.handleGetMemory))
	mux.HandleFunc("GET /v1/events", withObservability("events", s.handleListEvents))
	mux.HandleFunc("GET /v1/graph", withObservability("graph", s.handleGraph))
	mux.HandleFunc("POST /v1/cluster/initialize", withObservability("cluster_init", s.handleClusterInit))
	mux.HandleFunc("POST /v1/cluster/join", withObservability("cluster_join", s.handleClusterJoin))
	mux.HandleFunc("GET /v1/cluster/status", withObservability("cluster_status", s.handleClusterStatus))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	s.http = &http.Server{Addr: cfg.APIAddr, Handler: mux}
	return s
}

// Start serves until Stop.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.apiAddr).Msg("API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests then halts.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// writeJSON renders a 2xx payload.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case types.KindValidation, types.KindRejected:
		status = http.StatusBadRequest
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindCapacity:
		status = http.StatusTooManyRequests
	case types.KindNotLeader, types.KindUnavailable:
		status = http.StatusServiceUnavailable
	case types.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if hint := types.LeaderHintOf(err); hint != "" {
		w.Header().Set(leaderHintHeader, hint)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

// proposeOrForward proposes on the local replica when it leads, otherwise
// relays the original request toward the leader.
func (s *Server) proposeOrForward(w http.ResponseWriter, req *http.Request, shardID int, cmd *types.Command, body []byte, onApplied func(*types.ApplyResult)) {
	local, ok := s.router.Local(shardID)
	if !ok {
		writeError(w, types.NewErrorf(types.KindUnavailable, "shard %d not hosted here", shardID))
		return
	}

	if local.IsLeader() {
		res, err := local.Propose(cmd)
		if err != nil {
			writeError(w, err)
			return
		}
		onApplied(res)
		return
	}

	resp, err := s.router.Forward(shardID, req.Method, req.URL.Path, body, req.Header.Get("Content-Type"))
	if err != nil {
		werr := types.NotLeaderError(local.LeaderAddr())
		werr.Reason = fmt.Sprintf("not the leader for shard %d", shardID)
		writeError(w, werr)
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	var buf [4096]byte
	for {
		n, rerr := resp.Body.Read(buf[:])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// ClusterStatus is the sharded status form of GET /v1/cluster/status.
type ClusterStatus struct {
	PhysicalNodeID string              `json:"physical_node_id"`
	ShardCount     int                 `json:"shard_count"`
	Shards         []types.ShardStatus `json:"shards"`
	Config         ClusterConfigView   `json:"config"`
}

// ClusterConfigView echoes the replication tuning in the status payload.
type ClusterConfigView struct {
	HeartbeatIntervalMs  int `json:"heartbeat_interval_ms"`
	ElectionTimeoutMinMs int `json:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int `json:"election_timeout_max_ms"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node_id": s.nodeID})
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, _ *http.Request) {
	status := ClusterStatus{
		PhysicalNodeID: s.nodeID,
		ShardCount:     s.router.ShardCount(),
		Config:         s.tuning,
	}
	for i := 0; i < s.router.ShardCount(); i++ {
		if sh, ok := s.router.Local(i); ok {
			status.Shards = append(status.Shards, sh.Status())
			sh.UpdateMetrics()
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleClusterInit(w http.ResponseWriter, _ *http.Request) {
	if s.bootstrap == nil {
		writeError(w, types.NewError(types.KindRejected, "bootstrap not available"))
		return
	}
	if err := s.bootstrap(); err != nil {
		writeError(w, types.WrapError(types.KindRejected, "bootstrap failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "initialized", "node_id": s.nodeID})
}

// joinRequest is the body of POST /v1/cluster/join.
type joinRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"` // raft base address of the joining node
}

func (s *Server) handleClusterJoin(w http.ResponseWriter, req *http.Request) {
	var join joinRequest
	if err := json.NewDecoder(req.Body).Decode(&join); err != nil {
		writeError(w, types.WrapError(types.KindValidation, "invalid join request", err))
		return
	}
	if join.NodeID == "" || join.Address == "" {
		writeError(w, types.NewError(types.KindValidation, "node_id and address are required"))
		return
	}

	results := make(map[string]string)
	for shardID, sh := range s.router.Shards() {
		if !sh.IsLeader() {
			results[fmt.Sprintf("shard_%d", shardID)] = "not_leader"
			continue
		}
		addr, err := s.shardRaftAddr(join.Address, shardID)
		if err != nil {
			writeError(w, types.WrapError(types.KindValidation, "invalid join address", err))
			return
		}
		if err := sh.AddLearner(join.NodeID, addr); err != nil {
			results[fmt.Sprintf("shard_%d", shardID)] = err.Error()
			continue
		}
		sh.PromoteWhenCaughtUp(join.NodeID, addr)
		results[fmt.Sprintf("shard_%d", shardID)] = "learner_added"
	}
	writeJSON(w, http.StatusOK, results)
}

// shutdownTimeout bounds the graceful drain on Stop.
const shutdownTimeout = 15 * time.Second

// ShutdownTimeout is the default drain budget for callers wiring signal
// handling.
func ShutdownTimeout() time.Duration { return shutdownTimeout }
