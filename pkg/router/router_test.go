package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/log"
	"github.com/memorose/memorose/pkg/shard"
	"github.com/memorose/memorose/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestRouter(peers []string, shardCount int) *Router {
	return New(map[int]*shard.Shard{}, shardCount, config.RouterConfig{
		MaxAttempts:     5,
		MaxPingFailures: 3,
		Peers:           peers,
	}, 10*time.Millisecond)
}

func addrOf(ts *httptest.Server) string {
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestShardForIsStableAndInRange(t *testing.T) {
	r := newTestRouter(nil, 8)
	for _, tenant := range []string{"alice", "bob", "carol", ""} {
		first := r.ShardFor(tenant)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, r.ShardFor(tenant))
		}
	}

	// Distinct tenants spread over shards rather than piling onto one.
	seen := map[int]bool{}
	for _, tenant := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		seen[r.ShardFor(tenant)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestForwardReachesLeader(t *testing.T) {
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/search", req.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer leader.Close()

	r := newTestRouter([]string{addrOf(leader)}, 1)
	resp, err := r.Forward(0, http.MethodPost, "/v1/search", []byte(`{}`), "application/json")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Success caches the leader for the next dispatch.
	assert.Equal(t, []string{addrOf(leader)}, r.targets(0))
}

func TestForwardFollowsLeaderHint(t *testing.T) {
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer leader.Close()

	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Memorose-Leader", addrOf(leader))
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer follower.Close()

	r := newTestRouter([]string{addrOf(follower)}, 1)
	resp, err := r.Forward(0, http.MethodPost, "/v1/x", nil, "")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestForwardExhaustsAttempts(t *testing.T) {
	r := newTestRouter([]string{"127.0.0.1:1"}, 1) // nothing listens there
	_, err := r.Forward(0, http.MethodPost, "/v1/x", nil, "")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindUnavailable))
}

func TestForwardWithNoPeers(t *testing.T) {
	r := newTestRouter(nil, 1)
	_, err := r.Forward(0, http.MethodPost, "/v1/x", nil, "")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindUnavailable))
}

func TestHealthMonitorDropsAndReinstates(t *testing.T) {
	healthy := true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	hm := NewHealthMonitor([]string{addrOf(ts)}, 3, 5*time.Millisecond, ts.Client())
	hm.Start()
	defer hm.Stop()

	require.Eventually(t, func() bool { return len(hm.Live()) == 1 }, time.Second, 5*time.Millisecond)

	healthy = false
	require.Eventually(t, func() bool { return len(hm.Live()) == 0 }, time.Second, 5*time.Millisecond,
		"three consecutive failures drop the peer")

	healthy = true
	require.Eventually(t, func() bool { return len(hm.Live()) == 1 }, time.Second, 5*time.Millisecond,
		"one successful ping reinstates the peer")
}
