package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/memorose/memorose/pkg/storage"
	"github.com/memorose/memorose/pkg/types"
)

// maxEventBytes bounds an ingest payload.
const maxEventBytes = 1 << 20

// ingestRequest is the body of the event ingest endpoint.
type ingestRequest struct {
	ID       string            `json:"id,omitempty"` // optional client-supplied id for idempotent retries
	Content  types.Content     `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func validSegment(s string) bool {
	return s != "" && !strings.ContainsRune(s, 0)
}

func (s *Server) handleIngest(w http.ResponseWriter, req *http.Request) {
	tenant := req.PathValue("tenant")
	app := req.PathValue("app")
	stream := req.PathValue("stream")
	if !validSegment(tenant) || !validSegment(app) || !validSegment(stream) {
		writeError(w, types.NewError(types.KindValidation, "tenant, app, and stream are required"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxEventBytes+1))
	if err != nil {
		writeError(w, types.WrapError(types.KindValidation, "failed to read body", err))
		return
	}
	if len(body) > maxEventBytes {
		writeError(w, types.NewError(types.KindCapacity, "event payload too large"))
		return
	}

	var in ingestRequest
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, types.WrapError(types.KindValidation, "invalid event body", err))
		return
	}
	if in.Content.Data == "" {
		writeError(w, types.NewError(types.KindValidation, "content.data is required"))
		return
	}
	if in.Content.Type == "" {
		in.Content.Type = types.ContentTypeText
	}

	event := types.Event{
		ID:        in.ID,
		Tenant:    tenant,
		App:       app,
		Stream:    stream,
		Timestamp: time.Now().UTC(),
		Content:   in.Content,
		Metadata:  in.Metadata,
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	cmd, err := types.NewCommand(types.OpIngestEvent, &event)
	if err != nil {
		writeError(w, types.WrapError(types.KindValidation, "failed to encode event", err))
		return
	}

	shardID := s.router.ShardFor(tenant)
	s.proposeOrForward(w, req, shardID, cmd, body, func(res *types.ApplyResult) {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"event_id": res.EventID,
			"shard_id": shardID,
		})
	})
}

// searchRequest is the body of POST /v1/search.
type searchRequest struct {
	Query             string `json:"query"`
	Mode              string `json:"mode,omitempty"`
	Limit             int    `json:"limit,omitempty"`
	EnableArbitration bool   `json:"enable_arbitration,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	AppID             string `json:"app_id,omitempty"`
	Level             int    `json:"level,omitempty"`
	Stale             bool   `json:"stale,omitempty"` // opt into follower reads
}

type searchResponse struct {
	Results     []*types.ScoredMemory `json:"results"`
	QueryTimeMs int64                 `json:"query_time_ms"`
}

func (s *Server) handleSearch(w http.ResponseWriter, req *http.Request) {
	var in searchRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, types.WrapError(types.KindValidation, "invalid search request", err))
		return
	}
	if strings.TrimSpace(in.Query) == "" {
		writeError(w, types.NewError(types.KindValidation, "query is required"))
		return
	}
	if in.Limit <= 0 {
		in.Limit = 10
	}

	q := types.Query{
		Text:              in.Query,
		Mode:              types.QueryMode(in.Mode),
		K:                 in.Limit,
		EnableArbitration: in.EnableArbitration,
		Filters: types.QueryFilters{
			Tenant: in.UserID,
			App:    in.AppID,
			Level:  types.MemoryLevel(in.Level),
		},
	}

	start := time.Now()
	var results []*types.ScoredMemory

	// A tenant-scoped query touches one shard; an unscoped one fans out
	// over every locally hosted shard and merges by score.
	shardIDs := make([]int, 0, s.router.ShardCount())
	if in.UserID != "" {
		shardIDs = append(shardIDs, s.router.ShardFor(in.UserID))
	} else {
		for i := 0; i < s.router.ShardCount(); i++ {
			shardIDs = append(shardIDs, i)
		}
	}

	for _, shardID := range shardIDs {
		sh, ok := s.router.Local(shardID)
		if !ok {
			continue
		}
		run := func() error {
			part, err := sh.Index().Query(req.Context(), q)
			if err != nil {
				return err
			}
			results = append(results, part...)
			return nil
		}
		var err error
		if in.Stale {
			err = sh.ReadLocal(run)
		} else {
			err = sh.ReadLinearizable(run)
			if err != nil && types.IsKind(err, types.KindNotLeader) {
				// Strict reads need the leader; fall back to a local read
				// only if the caller tolerates staleness, otherwise reject.
				writeError(w, err)
				return
			}
		}
		if err != nil {
			writeError(w, err)
			return
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > in.Limit {
		results = results[:in.Limit]
	}
	if results == nil {
		results = []*types.ScoredMemory{}
	}

	// Retrieval bumps access asynchronously; the batcher folds the bumps
	// into one command.
	byShard := make(map[int][]string)
	for _, r := range results {
		byShard[s.router.ShardFor(r.Memory.Tenant)] = append(byShard[s.router.ShardFor(r.Memory.Tenant)], r.Memory.ID)
	}
	for shardID, ids := range byShard {
		if rec, ok := s.recorders[shardID]; ok {
			rec.Record(ids)
		}
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Results:     results,
		QueryTimeMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleListMemories(w http.ResponseWriter, req *http.Request) {
	qs := req.URL.Query()
	level, _ := strconv.Atoi(qs.Get("level"))
	page, _ := strconv.Atoi(qs.Get("page"))
	limit, _ := strconv.Atoi(qs.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}

	filter := storage.ListMemoriesFilter{
		Tenant: qs.Get("user_id"),
		Level:  types.MemoryLevel(level),
		Sort:   qs.Get("sort"),
		Offset: (page - 1) * limit,
		Limit:  limit,
	}

	var out []*types.Memory
	for i := 0; i < s.router.ShardCount(); i++ {
		sh, ok := s.router.Local(i)
		if !ok {
			continue
		}
		part, err := sh.Store().ListMemories(filter)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, part...)
	}
	if out == nil {
		out = []*types.Memory{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"memories": out,
		"page":     page,
		"limit":    limit,
	})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	for i := 0; i < s.router.ShardCount(); i++ {
		sh, ok := s.router.Local(i)
		if !ok {
			continue
		}
		m, err := sh.Store().GetMemory(id)
		if err == nil {
			if rec, ok := s.recorders[i]; ok {
				rec.Record([]string{id})
			}
			writeJSON(w, http.StatusOK, m)
			return
		}
		if !types.IsKind(err, types.KindNotFound) {
			writeError(w, err)
			return
		}
	}
	writeError(w, types.NewErrorf(types.KindNotFound, "memory not found: %s", id))
}

func (s *Server) handleListEvents(w http.ResponseWriter, req *http.Request) {
	qs := req.URL.Query()
	pendingOnly := qs.Get("pending") == "true"
	limit, _ := strconv.Atoi(qs.Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	var out []*types.Event
	pendingTotal := 0
	for i := 0; i < s.router.ShardCount(); i++ {
		sh, ok := s.router.Local(i)
		if !ok {
			continue
		}
		part, err := sh.Store().ListEvents(storage.ListEventsFilter{
			Tenant:      qs.Get("user_id"),
			PendingOnly: pendingOnly,
			Limit:       limit,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, part...)
		if n, err := sh.Store().PendingCount(); err == nil {
			pendingTotal += n
		}
	}
	if out == nil {
		out = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":        out,
		"pending_count": pendingTotal,
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, req *http.Request) {
	qs := req.URL.Query()
	limit, _ := strconv.Atoi(qs.Get("limit"))
	tenant := qs.Get("user_id")

	merged := &types.GraphView{
		Stats: types.GraphStats{RelationDistribution: make(map[string]int)},
	}
	for i := 0; i < s.router.ShardCount(); i++ {
		sh, ok := s.router.Local(i)
		if !ok {
			continue
		}
		view, err := sh.Index().Graph(limit, tenant)
		if err != nil {
			writeError(w, err)
			return
		}
		merged.Nodes = append(merged.Nodes, view.Nodes...)
		merged.Edges = append(merged.Edges, view.Edges...)
		for rel, n := range view.Stats.RelationDistribution {
			merged.Stats.RelationDistribution[rel] += n
		}
	}
	merged.Stats.NodeCount = len(merged.Nodes)
	merged.Stats.EdgeCount = len(merged.Edges)
	writeJSON(w, http.StatusOK, merged)
}
