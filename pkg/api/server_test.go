package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/log"
	"github.com/memorose/memorose/pkg/router"
	"github.com/memorose/memorose/pkg/shard"
	"github.com/memorose/memorose/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// newTestServer builds a server over a router with no locally hosted
// shards, enough to exercise validation and status plumbing.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := router.New(map[int]*shard.Shard{}, 1, config.RouterConfig{
		MaxAttempts:     1,
		MaxPingFailures: 3,
	}, 100*time.Millisecond)
	s := NewServer(Config{
		NodeID:        "node-test",
		APIAddr:       "127.0.0.1:0",
		Router:        r,
		Recorders:     map[int]*shard.AccessRecorder{},
		ShardRaftAddr: config.ShardBindAddr,
		Bootstrap:     func() error { return nil },
		StatusConfig: ClusterConfigView{
			HeartbeatIntervalMs:  500,
			ElectionTimeoutMinMs: 1500,
			ElectionTimeoutMaxMs: 3000,
		},
	})
	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	return out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-test", body["node_id"])
}

func TestClusterStatusShape(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/cluster/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "node-test", body["physical_node_id"])
	assert.Equal(t, float64(1), body["shard_count"])
	cfg := body["config"].(map[string]interface{})
	assert.Equal(t, float64(500), cfg["heartbeat_interval_ms"])
	assert.Equal(t, float64(1500), cfg["election_timeout_min_ms"])
	assert.Equal(t, float64(3000), cfg["election_timeout_max_ms"])
}

func TestIngestValidation(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL + "/v1/users/alice/apps/demo/streams/main/events"

	resp, err := http.Post(url, "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, string(types.KindValidation), body["kind"])

	resp, err = http.Post(url, "application/json", strings.NewReader(`{"content":{"type":"text","data":""}}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decodeBody(t, resp)
}

func TestIngestWithoutLocalShardIsUnavailable(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL + "/v1/users/alice/apps/demo/streams/main/events"

	resp, err := http.Post(url, "application/json",
		strings.NewReader(`{"content":{"type":"text","data":"some event"}}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, string(types.KindUnavailable), body["kind"])
}

func TestSearchValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/search", "application/json", strings.NewReader(`{"query":"  "}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decodeBody(t, resp)
}

func TestGetMissingMemoryIs404(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/memories/no-such-id")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, string(types.KindNotFound), body["kind"])
}

func TestJoinValidation(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/cluster/join", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decodeBody(t, resp)
}

func TestClusterInitialize(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/cluster/initialize", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "initialized", body["status"])
}
