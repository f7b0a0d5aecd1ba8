package replication

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicator/internal/cluster"
)

// Caller performs one request against one node. Implementations return an
// error only when no HTTP response was obtained; the replicator records such
// errors as failed node responses.
type Caller interface {
	Call(ctx context.Context, node cluster.NodeIdentifier, method string, uri *url.URL, entity []byte, header http.Header) (*NodeResponse, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, node cluster.NodeIdentifier, method string, uri *url.URL, entity []byte, header http.Header) (*NodeResponse, error)

func (f CallerFunc) Call(ctx context.Context, node cluster.NodeIdentifier, method string, uri *url.URL, entity []byte, header http.Header) (*NodeResponse, error) {
	return f(ctx, node, method, uri, entity, header)
}

// ThreadPoolReplicator replicates requests to a set of nodes on a fixed-size
// worker pool and keeps the resulting AsyncClusterResponses in a registry
// until they are fetched.
//
// Replicate never blocks on node calls. Mutating requests go through
// two-phase commit on a separate coordination goroutine; other requests are
// queued on the pool directly, one task per node.
type ThreadPoolReplicator struct {
	cfg      Config
	caller   Caller
	registry *ResponseRegistry
	pool     *workerPool
	logger   zerolog.Logger

	mu      sync.RWMutex // guards started/stopped; held shared while dispatching
	started bool
	stopped bool

	coordinators sync.WaitGroup // two-phase coordination goroutines
}

// NewThreadPoolReplicator creates a replicator that calls nodes through
// caller. Call Start before Replicate.
func NewThreadPoolReplicator(caller Caller, cfg Config) *ThreadPoolReplicator {
	cfg = cfg.withDefaults()
	return &ThreadPoolReplicator{
		cfg:      cfg,
		caller:   caller,
		registry: NewResponseRegistry(cfg.ReaperInterval, cfg.MaxResponseAge, cfg.Logger),
		logger:   cfg.Logger,
	}
}

// Start creates the worker pool and starts the response reaper.
func (r *ThreadPoolReplicator) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}
	r.started = true
	r.pool = newWorkerPool(r.cfg.PoolSize, r.logger)
	r.registry.Start()
	r.logger.Info().Int("pool_size", r.cfg.PoolSize).Msg("replicator started")
}

// Stop rejects new requests, waits for two-phase coordination to finish,
// drains the worker pool and stops the reaper. Requests still incomplete
// afterwards are failed with ErrReplicatorStopped.
func (r *ThreadPoolReplicator) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.coordinators.Wait()
	r.pool.Shutdown()
	r.registry.Stop()

	for _, resp := range r.registry.Incomplete() {
		resp.RecordFatalError(ErrReplicatorStopped)
	}
	r.logger.Info().Msg("replicator stopped")
}

// Registry exposes the response registry.
func (r *ThreadPoolReplicator) Registry() *ResponseRegistry {
	return r.registry
}

// ClusterResponse returns the response registered for requestID, or nil when
// the id is unknown or its merged response has already been fetched.
func (r *ThreadPoolReplicator) ClusterResponse(requestID string) *AsyncClusterResponse {
	return r.registry.Get(requestID)
}

// Replicate sends method uri to every node in nodes and returns immediately.
// Nodes are deduplicated by ID, keeping the first occurrence; their order
// decides which response represents the cluster when all succeed.
//
// Errors:
//   - *InvalidRequestError when nodes is empty, uri is nil or method is empty
//   - ErrReplicatorNotStarted / ErrReplicatorStopped outside Start..Stop
func (r *ThreadPoolReplicator) Replicate(nodes []cluster.NodeIdentifier, method string, uri *url.URL, entity []byte, header http.Header) (*AsyncClusterResponse, error) {
	req, err := newReplicationRequest(nodes, method, uri, entity, header)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		return nil, ErrReplicatorStopped
	}
	if !r.started {
		return nil, ErrReplicatorNotStarted
	}

	resp := newAsyncClusterResponse(req, r.registry.Remove)
	if err := r.registry.Register(resp); err != nil {
		return nil, err
	}

	twoPhase := IsMutating(req.Method) &&
		len(req.Nodes) >= r.cfg.TwoPhaseMinNodes &&
		!strings.EqualFold(header.Get(TwoPhaseHeader), "false")

	r.logger.Debug().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Str("uri", req.URI.String()).
		Int("nodes", len(req.Nodes)).
		Bool("two_phase", twoPhase).
		Msg("replicating request")

	if twoPhase {
		r.coordinators.Add(1)
		go r.replicateTwoPhase(req, resp)
	} else {
		r.dispatch(req, resp, req.Header)
	}
	return resp, nil
}

func newReplicationRequest(nodes []cluster.NodeIdentifier, method string, uri *url.URL, entity []byte, header http.Header) (*ReplicationRequest, error) {
	if len(nodes) == 0 {
		return nil, &InvalidRequestError{Reason: "no nodes targeted"}
	}
	if uri == nil {
		return nil, &InvalidRequestError{Reason: "uri is required"}
	}
	if method == "" {
		return nil, &InvalidRequestError{Reason: "method is required"}
	}

	unique := make([]cluster.NodeIdentifier, 0, len(nodes))
	for _, node := range nodes {
		if node.ID == "" {
			return nil, &InvalidRequestError{Reason: "node with empty id"}
		}
		if slices.IndexFunc(unique, node.Equal) >= 0 {
			continue
		}
		unique = append(unique, node)
	}

	id := uuid.NewString()
	outbound := header.Clone()
	if outbound == nil {
		outbound = http.Header{}
	}
	// The probe marker is reserved: only replicateTwoPhase sets it.
	outbound.Del(TwoPhaseHeader)
	outbound.Del(ExpectsHeader)
	outbound.Set(RequestIDHeader, id)

	u := *uri
	return &ReplicationRequest{
		ID:     id,
		Method: strings.ToUpper(method),
		URI:    &u,
		Entity: append([]byte(nil), entity...),
		Header: outbound,
		Nodes:  unique,
	}, nil
}

// dispatch queues one task per node; each records its node's response into
// resp. A node whose task cannot be queued is recorded as failed.
func (r *ThreadPoolReplicator) dispatch(req *ReplicationRequest, resp *AsyncClusterResponse, header http.Header) {
	for _, node := range req.Nodes {
		node := node
		err := r.pool.Submit(func() {
			resp.RecordResponse(r.callNode(req, node, header))
		})
		if err != nil {
			resp.RecordResponse(NewFailedNodeResponse(node, req.Method, req.URI, err, req.ID))
		}
	}
}

// callNode performs one node call and always returns a response. Caller
// errors and panics become failed responses.
func (r *ThreadPoolReplicator) callNode(req *ReplicationRequest, node cluster.NodeIdentifier, header http.Header) (result *NodeResponse) {
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			result = NewFailedNodeResponse(node, req.Method, req.URI, &NodeTransportError{Node: node, Err: errPanic(v)}, req.ID)
			result.Latency = time.Since(start)
		}
		if !result.IsSuccess() {
			r.logger.Debug().
				Str("request_id", req.ID).
				Str("node", node.ID).
				Int("status", result.Status).
				Err(result.Err).
				Msg("node call did not succeed")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.NodeCallTimeout())
	defer cancel()

	nodeResp, err := r.caller.Call(ctx, node, req.Method, req.URI, req.Entity, header.Clone())
	if err != nil {
		failed := NewFailedNodeResponse(node, req.Method, req.URI, &NodeTransportError{Node: node, Err: err}, req.ID)
		failed.Latency = time.Since(start)
		return failed
	}
	if nodeResp == nil {
		failed := NewFailedNodeResponse(node, req.Method, req.URI, &NodeTransportError{Node: node, Err: errNoResponse}, req.ID)
		failed.Latency = time.Since(start)
		return failed
	}

	out := *nodeResp
	out.NodeID = node
	out.RequestID = req.ID
	if out.Method == "" {
		out.Method = req.Method
	}
	if out.URI == nil {
		out.URI = req.URI
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	if out.Err != nil && out.Status == 0 {
		out.Status = http.StatusInternalServerError
	}
	if out.Latency == 0 {
		out.Latency = time.Since(start)
	}
	return &out
}
