package router

import (
	"net/http"
	"sync"
	"time"

	"github.com/memorose/memorose/pkg/log"
	"github.com/rs/zerolog"
)

// HealthMonitor keeps a liveness view over peer nodes. A peer is dropped
// from dispatch after max consecutive ping failures and reinstated on the
// first successful ping.
type HealthMonitor struct {
	peers       []string
	maxFailures int
	interval    time.Duration
	client      *http.Client

	mu       sync.RWMutex
	failures map[string]int
	down     map[string]bool

	stopCh  chan struct{}
	stopped chan struct{}
	logger  zerolog.Logger
}

// NewHealthMonitor creates a monitor over the peer API addresses.
func NewHealthMonitor(peers []string, maxFailures int, interval time.Duration, client *http.Client) *HealthMonitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &HealthMonitor{
		peers:       peers,
		maxFailures: maxFailures,
		interval:    interval,
		client:      client,
		failures:    make(map[string]int),
		down:        make(map[string]bool),
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
		logger:      log.WithComponent("health"),
	}
}

// Start begins the ping loop.
func (h *HealthMonitor) Start() {
	go h.run()
}

// Stop halts the ping loop.
func (h *HealthMonitor) Stop() {
	close(h.stopCh)
	<-h.stopped
}

// Live returns the peers currently considered reachable.
func (h *HealthMonitor) Live() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for _, p := range h.peers {
		if !h.down[p] {
			out = append(out, p)
		}
	}
	return out
}

func (h *HealthMonitor) run() {
	defer close(h.stopped)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.pingAll()
		case <-h.stopCh:
			return
		}
	}
}

func (h *HealthMonitor) pingAll() {
	for _, peer := range h.peers {
		ok := h.ping(peer)
		h.mu.Lock()
		if ok {
			if h.down[peer] {
				h.logger.Info().Str("peer", peer).Msg("Peer reinstated")
			}
			h.failures[peer] = 0
			h.down[peer] = false
		} else {
			h.failures[peer]++
			if h.failures[peer] >= h.maxFailures && !h.down[peer] {
				h.down[peer] = true
				h.logger.Warn().Str("peer", peer).Int("failures", h.failures[peer]).Msg("Peer dropped from dispatch")
			}
		}
		h.mu.Unlock()
	}
}

func (h *HealthMonitor) ping(peer string) bool {
	resp, err := h.client.Get("http://" + peer + "/healthz")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
