package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/replicator/internal/cluster"
)

// Health states reported for a node.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health of one registered node.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// CheckFunc probes one node and returns nil when it is healthy.
type CheckFunc func(ctx context.Context, node cluster.NodeIdentifier) error

// HealthMonitor periodically probes every registered node's /health
// endpoint. A node is marked unhealthy after maxFailures consecutive failed
// checks, and the onUnhealthy callback fires once per transition.
//
// Replication itself does not consult the monitor: a request is sent to every
// registered node and an unreachable node shows up as a failed node response.
// The monitor feeds the node listing and, when the coordinator is configured
// to, deregisters nodes that stay down.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth // node ID -> health
	checkFunc   CheckFunc
	onUnhealthy func(node cluster.NodeIdentifier)
	logger      zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration // How often to check node health
	timeout     time.Duration // Per-check timeout
	mu          sync.RWMutex  // Protects nodes map
	wg          sync.WaitGroup
	maxFailures int // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor that checks nodes every interval and
// marks them unhealthy after maxFailures consecutive failures (default 3).
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 3, logger)
//	monitor.Start(srv.Nodes)
//	defer monitor.Stop()
func NewHealthMonitor(interval time.Duration, maxFailures int, logger zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures <= 0 {
		maxFailures = 3
	}

	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: maxFailures,
		nodes:       make(map[string]*NodeHealth),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	client := &http.Client{Timeout: h.timeout}
	h.checkFunc = func(ctx context.Context, node cluster.NodeIdentifier) error {
		return httpHealthCheck(ctx, client, node)
	}
	return h
}

// SetOnUnhealthy sets the callback invoked when a node becomes unhealthy. The
// callback runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(node cluster.NodeIdentifier)) {
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the HTTP health check.
func (h *HealthMonitor) SetCheckFunction(checkFunc CheckFunc) {
	h.checkFunc = checkFunc
}

// Start launches the monitoring goroutine. nodeProvider is called before
// every round to get the current membership. The first round runs
// immediately.
func (h *HealthMonitor) Start(nodeProvider func() []cluster.NodeIdentifier) {
	h.wg.Add(1)
	go h.run(nodeProvider)
}

func (h *HealthMonitor) run(nodeProvider func() []cluster.NodeIdentifier) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Msg("health monitor started")

	h.checkAllNodes(nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(nodeProvider())
		case <-h.ctx.Done():
			h.logger.Info().Msg("health monitor stopped")
			return
		}
	}
}

// Stop cancels the monitoring goroutine and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAllNodes checks every node and forgets nodes no longer registered.
func (h *HealthMonitor) checkAllNodes(nodes []cluster.NodeIdentifier) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(node)
	}

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.logger.Debug().Str("node", nodeID).Msg("removed node from health monitoring")
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(node cluster.NodeIdentifier) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	err := h.checkFunc(ctx, node)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warn().
			Str("node", node.String()).
			Int("attempt", health.ConsecutiveFails).
			Int("max", h.maxFailures).
			Err(err).
			Msg("health check failed")

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Warn().Str("node", node.String()).Msg("node marked unhealthy")
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.logger.Info().Str("node", node.String()).Msg("node recovered")
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

func httpHealthCheck(ctx context.Context, client *http.Client, node cluster.NodeIdentifier) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.APIBaseURL()+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// NodeHealth returns a copy of a node's health, or nil if it is not
// monitored.
func (h *HealthMonitor) NodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	copied := *health
	return &copied
}

// IsHealthy reports whether a node's last checks succeeded. Unmonitored
// nodes are not healthy.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}
