package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memorose_events_ingested_total",
			Help: "Total number of L0 events accepted, by shard",
		},
		[]string{"shard"},
	)

	EventsPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memorose_events_pending",
			Help: "Events awaiting consolidation, by shard",
		},
		[]string{"shard"},
	)

	// Memory metrics
	MemoriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memorose_memories_total",
			Help: "Stored memories by level",
		},
		[]string{"shard", "level"},
	)

	EdgesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memorose_edges_total",
			Help: "Stored graph edges, by shard",
		},
		[]string{"shard"},
	)

	// Consolidation metrics
	ConsolidationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memorose_consolidation_cycles_total",
			Help: "Total number of consolidation cycles executed",
		},
	)

	ConsolidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memorose_consolidation_duration_seconds",
			Help:    "Duration of consolidation cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConsolidationBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memorose_consolidation_batches_total",
			Help: "Consolidation batches by outcome (committed, deferred)",
		},
		[]string{"outcome"},
	)

	EntropyRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memorose_entropy_rejected_total",
			Help: "Events rejected by the entropy filter",
		},
	)

	L2PassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memorose_l2_passes_total",
			Help: "Total number of L2 insight passes",
		},
	)

	MemoriesPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memorose_memories_pruned_total",
			Help: "Memories deleted by decay ticks",
		},
	)

	// LLM capability metrics
	LLMCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memorose_llm_calls_total",
			Help: "Capability calls by operation and status",
		},
		[]string{"op", "status"},
	)

	LLMCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memorose_llm_call_duration_seconds",
			Help:    "Capability call latency by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memorose_raft_is_leader",
			Help: "Whether this replica leads its shard (1 = leader)",
		},
		[]string{"shard"},
	)

	RaftLogIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memorose_raft_log_index",
			Help: "Current raft log index, by shard",
		},
		[]string{"shard"},
	)

	RaftAppliedIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memorose_raft_applied_index",
			Help: "Last applied raft log index, by shard",
		},
		[]string{"shard"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memorose_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memorose_api_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memorose_query_duration_seconds",
			Help:    "Hybrid index query latency by mode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsIngestedTotal,
		EventsPending,
		MemoriesTotal,
		EdgesTotal,
		ConsolidationCyclesTotal,
		ConsolidationDuration,
		ConsolidationBatchesTotal,
		EntropyRejectedTotal,
		L2PassesTotal,
		MemoriesPrunedTotal,
		LLMCallsTotal,
		LLMCallDuration,
		RaftLeader,
		RaftLogIndex,
		RaftAppliedIndex,
		APIRequestsTotal,
		APIRequestDuration,
		QueryDuration,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and feeds it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
