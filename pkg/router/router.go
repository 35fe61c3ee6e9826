package router

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/log"
	"github.com/memorose/memorose/pkg/shard"
	"github.com/memorose/memorose/pkg/types"
	"github.com/rs/zerolog"
)

// Router maps tenants onto shards and dispatches requests leader-aware.
// It is stateless apart from cached leader locations and the peer liveness
// view; every physical node runs one.
type Router struct {
	shardCount  int
	maxAttempts int

	mu        sync.RWMutex
	local     map[int]*shard.Shard
	leaderAPI map[int]string // last observed leader API address per shard

	health *HealthMonitor
	client *http.Client
	logger zerolog.Logger
}

// New creates a router over the locally hosted shards and the configured
// peer API addresses.
func New(local map[int]*shard.Shard, shardCount int, cfg config.RouterConfig, heartbeat time.Duration) *Router {
	r := &Router{
		shardCount:  shardCount,
		maxAttempts: cfg.MaxAttempts,
		local:       local,
		leaderAPI:   make(map[int]string),
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      log.WithComponent("router"),
	}
	r.health = NewHealthMonitor(cfg.Peers, cfg.MaxPingFailures, heartbeat, r.client)
	return r
}

// Start begins the peer liveness loop.
func (r *Router) Start() { r.health.Start() }

// Stop halts the liveness loop.
func (r *Router) Stop() { r.health.Stop() }

// ShardFor maps a tenant onto its owning shard.
func (r *Router) ShardFor(tenant string) int {
	return int(xxhash.Sum64String(tenant) % uint64(r.shardCount))
}

// Local returns the locally hosted replica of a shard.
func (r *Router) Local(shardID int) (*shard.Shard, bool) {
	s, ok := r.local[shardID]
	return s, ok
}

// Shards returns every locally hosted shard keyed by id.
func (r *Router) Shards() map[int]*shard.Shard { return r.local }

// ShardCount returns the fixed cluster shard count.
func (r *Router) ShardCount() int { return r.shardCount }

// NoteLeader caches the API address that last answered a write for a shard.
func (r *Router) NoteLeader(shardID int, apiAddr string) {
	r.mu.Lock()
	r.leaderAPI[shardID] = apiAddr
	r.mu.Unlock()
}

// targets returns candidate peer API addresses for a shard: the cached
// leader first, then live peers round-robin.
func (r *Router) targets(shardID int) []string {
	r.mu.RLock()
	cached := r.leaderAPI[shardID]
	r.mu.RUnlock()

	live := r.health.Live()
	var out []string
	if cached != "" {
		out = append(out, cached)
	}
	for _, p := range live {
		if p != cached {
			out = append(out, p)
		}
	}
	return out
}

// Forward relays an API request for a shard to its leader elsewhere in the
// cluster, retrying against the leader hint and then live peers with capped
// attempts and exponential backoff.
func (r *Router) Forward(shardID int, method, path string, body []byte, contentType string) (*http.Response, error) {
	targets := r.targets(shardID)
	if len(targets) == 0 {
		return nil, types.NewError(types.KindUnavailable, "no live peers to forward to")
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	attempts := 0
	for attempts < r.maxAttempts {
		for _, base := range targets {
			if attempts >= r.maxAttempts {
				break
			}
			attempts++

			req, err := http.NewRequest(method, "http://"+base+path, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}
			resp, err := r.client.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.StatusCode == http.StatusServiceUnavailable {
				// The peer is not the leader either; honor its hint next.
				if hint := resp.Header.Get("X-Memorose-Leader"); hint != "" {
					r.NoteLeader(shardID, hint)
					targets = append([]string{hint}, targets...)
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				lastErr = types.NotLeaderError(resp.Header.Get("X-Memorose-Leader"))
				continue
			}
			r.NoteLeader(shardID, base)
			return resp, nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no target accepted the request")
	}
	return nil, types.WrapError(types.KindUnavailable,
		fmt.Sprintf("shard %d leader unreachable after %d attempts", shardID, r.maxAttempts), lastErr)
}
