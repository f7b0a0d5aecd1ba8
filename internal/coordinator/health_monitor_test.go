package coordinator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicator/internal/cluster"
)

func monitoredNodes() []cluster.NodeIdentifier {
	return []cluster.NodeIdentifier{
		{ID: "node-1", APIAddress: "localhost", APIPort: 8081},
		{ID: "node-2", APIAddress: "localhost", APIPort: 8082},
	}
}

// TestNewHealthMonitor verifies the defaults of a new monitor.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, 0, zerolog.Nop())
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.checkFunc)
	assert.Len(t, monitor.nodes, 0)
}

// TestHealthMonitorStart verifies that checks run immediately and then on
// every tick.
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(20*time.Millisecond, 3, zerolog.Nop())
	defer monitor.Stop()

	var mu sync.Mutex
	checks := map[string]int{}
	monitor.SetCheckFunction(func(_ context.Context, node cluster.NodeIdentifier) error {
		mu.Lock()
		checks[node.ID]++
		mu.Unlock()
		return nil
	})

	monitor.Start(monitoredNodes)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return checks["node-1"] >= 3 && checks["node-2"] >= 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))
}

// TestHealthMonitorFailureAndRecovery walks a node through
// healthy -> unhealthy -> healthy.
func TestHealthMonitorFailureAndRecovery(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, 3, zerolog.Nop())
	defer monitor.Stop()

	var mu sync.Mutex
	down := false
	var unhealthy []string

	monitor.SetCheckFunction(func(_ context.Context, node cluster.NodeIdentifier) error {
		mu.Lock()
		defer mu.Unlock()
		if node.ID == "node-1" && down {
			return errors.New("node is down")
		}
		return nil
	})
	monitor.SetOnUnhealthy(func(node cluster.NodeIdentifier) {
		mu.Lock()
		unhealthy = append(unhealthy, node.ID)
		mu.Unlock()
	})

	monitor.Start(monitoredNodes)
	require.Eventually(t, func() bool { return monitor.IsHealthy("node-1") }, time.Second, 5*time.Millisecond)

	mu.Lock()
	down = true
	mu.Unlock()

	require.Eventually(t, func() bool {
		h := monitor.NodeHealth("node-1")
		return h != nil && h.Status == StatusUnhealthy
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, monitor.IsHealthy("node-2"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(unhealthy) == 1 && unhealthy[0] == "node-1"
	}, time.Second, 5*time.Millisecond)

	// The callback fires once per transition, not once per failed check.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, unhealthy, 1)
	down = false
	mu.Unlock()

	require.Eventually(t, func() bool { return monitor.IsHealthy("node-1") }, 2*time.Second, 5*time.Millisecond)
	health := monitor.NodeHealth("node-1")
	require.NotNil(t, health)
	assert.Zero(t, health.ConsecutiveFails)
}

// TestHealthMonitorNodeRemoval verifies that deregistered nodes are forgotten.
func TestHealthMonitorNodeRemoval(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, 3, zerolog.Nop())
	defer monitor.Stop()
	monitor.SetCheckFunction(func(context.Context, cluster.NodeIdentifier) error { return nil })

	var mu sync.Mutex
	nodes := monitoredNodes()
	monitor.Start(func() []cluster.NodeIdentifier {
		mu.Lock()
		defer mu.Unlock()
		return append([]cluster.NodeIdentifier(nil), nodes...)
	})

	require.Eventually(t, func() bool { return monitor.NodeHealth("node-2") != nil }, time.Second, 5*time.Millisecond)

	mu.Lock()
	nodes = nodes[:1]
	mu.Unlock()

	assert.Eventually(t, func() bool { return monitor.NodeHealth("node-2") == nil }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, monitor.NodeHealth("node-1"))
}

// TestHealthMonitorStop verifies that Stop waits for the goroutine and that
// no checks run afterwards.
func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Millisecond, 3, zerolog.Nop())

	var mu sync.Mutex
	calls := 0
	monitor.SetCheckFunction(func(context.Context, cluster.NodeIdentifier) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	monitor.Start(monitoredNodes)
	time.Sleep(30 * time.Millisecond)
	monitor.Stop()

	mu.Lock()
	after := calls
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, after, calls)
	mu.Unlock()
}

// TestHTTPHealthCheck exercises the default check against a real server.
func TestHTTPHealthCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	node := cluster.NodeIdentifier{ID: "n", APIAddress: host, APIPort: port}

	client := &http.Client{Timeout: time.Second}
	assert.NoError(t, httpHealthCheck(context.Background(), client, node))

	status.Store(http.StatusServiceUnavailable)
	assert.ErrorContains(t, httpHealthCheck(context.Background(), client, node), "503")

	srv.Close()
	assert.Error(t, httpHealthCheck(context.Background(), client, node))
}
