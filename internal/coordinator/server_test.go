package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/node"
	"github.com/dreamware/replicator/internal/replication"
	"github.com/dreamware/replicator/internal/storage"
	"github.com/dreamware/replicator/internal/transport"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testNode struct {
	id    cluster.NodeIdentifier
	store *storage.MemoryStore
	srv   *httptest.Server
}

// startNodes runs n node services on loopback listeners.
func startNodes(t *testing.T, n int) []*testNode {
	t.Helper()
	nodes := make([]*testNode, n)
	for i := range nodes {
		id := "node-" + strconv.Itoa(i+1)
		store := storage.NewMemoryStore(0)
		srv := httptest.NewServer(node.NewService(id, store, zerolog.Nop()).Handler())
		t.Cleanup(srv.Close)
		nodes[i] = &testNode{id: identifierFor(t, id, srv.Listener.Addr()), store: store, srv: srv}
	}
	return nodes
}

func identifierFor(t *testing.T, id string, addr net.Addr) cluster.NodeIdentifier {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return cluster.NodeIdentifier{ID: id, APIAddress: host, APIPort: port}
}

func startReplicator(t *testing.T, caller replication.Caller) *replication.ThreadPoolReplicator {
	t.Helper()
	r := replication.NewThreadPoolReplicator(caller, replication.Config{
		Logger:          zerolog.Nop(),
		PoolSize:        4,
		ResponseTimeout: 2 * time.Second,
	})
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

// newCluster wires a coordinator to real nodes over HTTP.
func newCluster(t *testing.T, n int) (*Server, *replication.ThreadPoolReplicator, []*testNode) {
	t.Helper()
	nodes := startNodes(t, n)
	caller := transport.NewHTTPCaller(transport.Config{Logger: zerolog.Nop(), ResponseTimeout: 2 * time.Second})
	r := startReplicator(t, caller)
	srv := NewServer(r, Config{Logger: zerolog.Nop(), RequestTimeout: 5 * time.Second})
	for _, tn := range nodes {
		srv.Register(tn.id)
	}
	return srv, r, nodes
}

func serve(srv *Server, method, path string, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func registerBody(t *testing.T, n cluster.NodeIdentifier) string {
	t.Helper()
	b, err := json.Marshal(cluster.RegisterRequest{Node: n})
	require.NoError(t, err)
	return string(b)
}

func TestRegisterAndListNodes(t *testing.T) {
	srv := NewServer(startReplicator(t, replication.CallerFunc(nil)), Config{Logger: zerolog.Nop()})

	b := cluster.NodeIdentifier{ID: "b", APIAddress: "10.0.0.2", APIPort: 8081}
	a := cluster.NodeIdentifier{ID: "a", APIAddress: "10.0.0.1", APIPort: 8081}

	assert.Equal(t, http.StatusNoContent, serve(srv, http.MethodPost, "/register", registerBody(t, b), nil).Code)
	assert.Equal(t, http.StatusNoContent, serve(srv, http.MethodPost, "/register", registerBody(t, a), nil).Code)

	// Re-registering replaces the identifier.
	a.APIPort = 9091
	assert.Equal(t, http.StatusNoContent, serve(srv, http.MethodPost, "/register", registerBody(t, a), nil).Code)

	rec := serve(srv, http.MethodGet, "/nodes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Nodes []NodeStatus `json:"nodes"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Nodes, 2)
	assert.Equal(t, "a", list.Nodes[0].ID)
	assert.Equal(t, 9091, list.Nodes[0].APIPort)
	assert.Equal(t, "b", list.Nodes[1].ID)
	assert.Nil(t, list.Nodes[0].Health)

	rec = serve(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"nodes":2`)

	assert.Equal(t, http.StatusNoContent, serve(srv, http.MethodDelete, "/nodes/a", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(srv, http.MethodDelete, "/nodes/a", "", nil).Code)
	assert.Len(t, srv.Nodes(), 1)
}

func TestRegisterValidation(t *testing.T) {
	srv := NewServer(startReplicator(t, replication.CallerFunc(nil)), Config{Logger: zerolog.Nop()})

	tests := []struct {
		name string
		body string
	}{
		{name: "bad json", body: "{"},
		{name: "missing id", body: `{"node":{"api_address":"h","api_port":1}}`},
		{name: "missing port", body: `{"node":{"id":"n","api_address":"h"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(srv, http.MethodPost, "/register", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, srv.Nodes())
}

func TestClusterWithoutNodes(t *testing.T) {
	srv := NewServer(startReplicator(t, replication.CallerFunc(nil)), Config{Logger: zerolog.Nop()})
	rec := serve(srv, http.MethodGet, "/cluster/store/k", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClusterReplicatesWrites(t *testing.T) {
	srv, _, nodes := newCluster(t, 3)

	rec := serve(srv, http.MethodPut, "/cluster/store/users/1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(replication.RequestIDHeader))
	assert.Equal(t, "1", rec.Header().Get(node.RevisionHeader))

	for _, tn := range nodes {
		entry, err := tn.store.Get("users/1")
		require.NoError(t, err, tn.id.ID)
		assert.Equal(t, "alice", string(entry.Value))

		stats := tn.store.Stats()
		assert.Equal(t, uint64(1), stats.Validated, "probe reaches %s", tn.id.ID)
		assert.Equal(t, uint64(1), stats.Applied, "commit reaches %s", tn.id.ID)
	}

	rec = serve(srv, http.MethodGet, "/cluster/store/users/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())

	rec = serve(srv, http.MethodDelete, "/cluster/store/users/1", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	for _, tn := range nodes {
		_, err := tn.store.Get("users/1")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	}
}

func TestClusterAbortsWhenOneNodeRejects(t *testing.T) {
	srv, _, nodes := newCluster(t, 3)

	_, err := nodes[1].store.Apply(storage.Op{Kind: storage.OpPut, Key: "k", Value: []byte("existing")})
	require.NoError(t, err)

	// Create-only write: node-2 already holds k and rejects the probe.
	rec := serve(srv, http.MethodPut, "/cluster/store/k", "new", http.Header{node.RevisionHeader: []string{"0"}})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "node-2", body["node"])
	assert.NotEmpty(t, body["request_id"])

	for _, tn := range []*testNode{nodes[0], nodes[2]} {
		_, err := tn.store.Get("k")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound, "%s must not be written", tn.id.ID)
		assert.Equal(t, uint64(0), tn.store.Stats().Applied)
	}
	entry, err := nodes[1].store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "existing", string(entry.Value))
}

func TestClusterTwoPhaseOptOut(t *testing.T) {
	srv, _, nodes := newCluster(t, 2)

	rec := serve(srv, http.MethodPut, "/cluster/store/k", "v", http.Header{replication.TwoPhaseHeader: []string{"false"}})
	require.Equal(t, http.StatusOK, rec.Code)

	for _, tn := range nodes {
		stats := tn.store.Stats()
		assert.Equal(t, uint64(0), stats.Validated)
		assert.Equal(t, uint64(1), stats.Applied)
	}
}

// TestClusterReservedContinueMarker verifies that a client-sent can-commit
// marker does not turn a write into a validation-only round.
func TestClusterReservedContinueMarker(t *testing.T) {
	for _, optOut := range []bool{false, true} {
		t.Run("opt-out "+strconv.FormatBool(optOut), func(t *testing.T) {
			srv, _, nodes := newCluster(t, 3)

			header := http.Header{}
			header.Set(replication.ExpectsHeader, replication.NodeContinue)
			if optOut {
				header.Set(replication.TwoPhaseHeader, "false")
			}

			rec := serve(srv, http.MethodPut, "/cluster/store/k", "v", header)
			require.Equal(t, http.StatusOK, rec.Code)

			for _, tn := range nodes {
				entry, err := tn.store.Get("k")
				require.NoError(t, err, tn.id.ID)
				assert.Equal(t, "v", string(entry.Value))
				assert.Equal(t, uint64(1), tn.store.Stats().Applied)
			}
		})
	}
}

// TestClusterRefusesInformationalStatus verifies that a 1xx merged status is
// never relayed as the final status.
func TestClusterRefusesInformationalStatus(t *testing.T) {
	caller := replication.CallerFunc(func(ctx context.Context, n cluster.NodeIdentifier, method string, uri *url.URL, entity []byte, header http.Header) (*replication.NodeResponse, error) {
		return &replication.NodeResponse{Status: replication.NodeContinueStatus, Header: http.Header{}}, nil
	})
	srv := NewServer(startReplicator(t, caller), Config{Logger: zerolog.Nop()})
	srv.Register(cluster.NodeIdentifier{ID: "odd", APIAddress: "127.0.0.1", APIPort: 1})

	rec := serve(srv, http.MethodGet, "/cluster/store/k", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "non-final status 150")
	assert.Contains(t, rec.Body.String(), "odd")
}

func TestClusterMergesFailures(t *testing.T) {
	srv, _, nodes := newCluster(t, 2)

	// Only node-2 has the key, so node-1's 404 represents the cluster.
	_, err := nodes[1].store.Apply(storage.Op{Kind: storage.OpPut, Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	rec := serve(srv, http.MethodGet, "/cluster/store/k", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClusterUnreachableNode(t *testing.T) {
	srv, _, nodes := newCluster(t, 1)

	_, err := nodes[0].store.Apply(storage.Op{Kind: storage.OpPut, Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := identifierFor(t, "node-9", ln.Addr())
	require.NoError(t, ln.Close())
	srv.Register(dead)

	// node-1 succeeds, so the failure of node-9 represents the cluster.
	rec := serve(srv, http.MethodGet, "/cluster/store/k", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "node-9")

	rec = serve(srv, http.MethodPut, "/cluster/store/k", "v", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "node-9")
}

// blockingCaller holds every call until release is closed.
func blockingCaller(release <-chan struct{}) replication.Caller {
	return replication.CallerFunc(func(ctx context.Context, n cluster.NodeIdentifier, method string, uri *url.URL, entity []byte, header http.Header) (*replication.NodeResponse, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &replication.NodeResponse{Status: http.StatusOK, Header: http.Header{}, Body: []byte("ok")}, nil
	})
}

func TestClusterTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := startReplicator(t, blockingCaller(release))
	srv := NewServer(r, Config{Logger: zerolog.Nop(), RequestTimeout: 50 * time.Millisecond})
	srv.Register(cluster.NodeIdentifier{ID: "slow", APIAddress: "127.0.0.1", APIPort: 1})

	rec := serve(srv, http.MethodGet, "/cluster/anything", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "did not respond in time")
}

func TestRequestStatus(t *testing.T) {
	release := make(chan struct{})
	r := startReplicator(t, blockingCaller(release))
	srv := NewServer(r, Config{Logger: zerolog.Nop()})

	nodes := []cluster.NodeIdentifier{
		{ID: "n1", APIAddress: "127.0.0.1", APIPort: 1},
		{ID: "n2", APIAddress: "127.0.0.1", APIPort: 2},
	}
	resp, err := r.Replicate(nodes, http.MethodGet, &url.URL{Path: "/store/k"}, nil, nil)
	require.NoError(t, err)

	rec := serve(srv, http.MethodGet, "/requests/"+resp.RequestID(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status RequestStatus
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&status))
	assert.Equal(t, resp.RequestID(), status.RequestID)
	assert.Equal(t, http.MethodGet, status.Method)
	assert.Equal(t, "/store/k", status.URI)
	assert.False(t, status.Complete)
	require.Len(t, status.Nodes, 2)
	assert.True(t, status.Nodes[0].Pending)

	close(release)
	require.Eventually(t, resp.IsComplete, time.Second, 5*time.Millisecond)

	// Inspecting a completed request does not fetch it.
	rec = serve(srv, http.MethodGet, "/requests/"+resp.RequestID(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.True(t, status.Complete)
	assert.Equal(t, http.StatusOK, status.Nodes[1].Status)

	_, err = resp.AwaitMergedResponse(time.Second)
	require.NoError(t, err)

	rec = serve(srv, http.MethodGet, "/requests/"+resp.RequestID(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnhealthyNodesAreEvicted(t *testing.T) {
	srv := NewServer(startReplicator(t, replication.CallerFunc(nil)), Config{
		Logger:            zerolog.Nop(),
		HealthInterval:    10 * time.Millisecond,
		MaxHealthFailures: 2,
		EvictUnhealthy:    true,
	})
	srv.monitor.SetCheckFunction(func(_ context.Context, n cluster.NodeIdentifier) error {
		if n.ID == "down" {
			return assert.AnError
		}
		return nil
	})
	srv.Register(cluster.NodeIdentifier{ID: "up", APIAddress: "127.0.0.1", APIPort: 1})
	srv.Register(cluster.NodeIdentifier{ID: "down", APIAddress: "127.0.0.1", APIPort: 2})

	srv.Start()
	defer srv.Stop()

	require.Eventually(t, func() bool { return len(srv.Nodes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "up", srv.Nodes()[0].ID)

	rec := serve(srv, http.MethodGet, "/nodes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}
