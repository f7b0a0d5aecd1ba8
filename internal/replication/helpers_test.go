package replication

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicator/internal/cluster"
)

func testNode(id string, port int) cluster.NodeIdentifier {
	return cluster.NodeIdentifier{
		ID:                id,
		APIAddress:        "localhost",
		APIPort:           port,
		SocketAddress:     "localhost",
		SocketPort:        port + 1,
		SiteToSiteAddress: "localhost",
		SiteToSitePort:    port + 2,
	}
}

func testNodes(n int) []cluster.NodeIdentifier {
	nodes := make([]cluster.NodeIdentifier, n)
	for i := range nodes {
		nodes[i] = testNode(strconv.Itoa(i+1), 8000+100*(i+1))
	}
	return nodes
}

func testURI(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("http://localhost:8080/processors/1")
	require.NoError(t, err)
	return u
}

func okResponse(status int) *NodeResponse {
	return &NodeResponse{Status: status, Header: http.Header{}}
}

// statusCaller answers every call with status.
func statusCaller(status int) Caller {
	return CallerFunc(func(ctx context.Context, node cluster.NodeIdentifier, method string, uri *url.URL, entity []byte, header http.Header) (*NodeResponse, error) {
		return okResponse(status), nil
	})
}

// withReplicator starts a replicator around caller and stops it when the test
// ends.
func withReplicator(t *testing.T, caller Caller, cfg Config) *ThreadPoolReplicator {
	t.Helper()
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 2
	}
	cfg.Logger = zerolog.Nop()
	r := NewThreadPoolReplicator(caller, cfg)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func newTestResponse(nodes []cluster.NodeIdentifier) *AsyncClusterResponse {
	u, _ := url.Parse("http://localhost:8080/processors/1")
	req := &ReplicationRequest{ID: "req-1", Method: http.MethodGet, URI: u, Header: http.Header{}, Nodes: nodes}
	return newAsyncClusterResponse(req, nil)
}

func nodeResponse(node cluster.NodeIdentifier, status int) *NodeResponse {
	return &NodeResponse{NodeID: node, Method: http.MethodGet, Status: status, Header: http.Header{}, RequestID: "req-1"}
}
