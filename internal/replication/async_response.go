package replication

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/dreamware/replicator/internal/cluster"
)

// AsyncClusterResponse collects the per-node responses of one replicated
// request and exposes the merged result once every node has answered, the
// request was aborted, or a caller gave up waiting.
//
// Completion is monotonic: once IsComplete returns true it stays true and the
// merged response never changes. Node responses arriving after a caller timed
// out are still recorded and visible through NodeResponse.
//
// Thread Safety:
// All methods are safe for concurrent use. RecordResponse, RecordFatalError
// and the timeout path are serialized by mu, so the merge runs exactly once.
type AsyncClusterResponse struct {
	id        string
	method    string
	uri       *url.URL
	nodes     []cluster.NodeIdentifier
	createdAt time.Time

	mu          sync.Mutex
	responses   map[string]*NodeResponse // node ID -> response; absent means outstanding
	merged      *NodeResponse
	fatalErr    error
	complete    bool
	completedAt time.Time
	done        chan struct{}

	fetchOnce sync.Once
	onFetch   func(requestID string)
}

func newAsyncClusterResponse(req *ReplicationRequest, onFetch func(string)) *AsyncClusterResponse {
	return &AsyncClusterResponse{
		id:        req.ID,
		method:    req.Method,
		uri:       req.URI,
		nodes:     req.Nodes,
		createdAt: time.Now(),
		responses: make(map[string]*NodeResponse, len(req.Nodes)),
		done:      make(chan struct{}),
		onFetch:   onFetch,
	}
}

func (a *AsyncClusterResponse) RequestID() string { return a.id }

func (a *AsyncClusterResponse) Method() string { return a.method }

func (a *AsyncClusterResponse) URI() *url.URL { return a.uri }

func (a *AsyncClusterResponse) CreatedAt() time.Time { return a.createdAt }

// NodesInvolved returns the targeted nodes in dispatch order.
func (a *AsyncClusterResponse) NodesInvolved() []cluster.NodeIdentifier {
	out := make([]cluster.NodeIdentifier, len(a.nodes))
	copy(out, a.nodes)
	return out
}

// RecordResponse stores the response of one node. The first response for a
// node wins; responses from nodes outside the request are ignored. It reports
// whether the response was stored.
func (a *AsyncClusterResponse) RecordResponse(resp *NodeResponse) bool {
	if resp == nil {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.involves(resp.NodeID.ID) {
		return false
	}
	if _, exists := a.responses[resp.NodeID.ID]; exists {
		return false
	}
	a.responses[resp.NodeID.ID] = resp

	if !a.complete && len(a.responses) == len(a.nodes) {
		a.merged = mergeResponses(a.nodes, a.responses)
		a.markComplete()
	}
	return true
}

// RecordFatalError completes the request without waiting for the remaining
// nodes. Every node without a response gets a failed response carrying err;
// responses already recorded are kept. Waiters receive err.
func (a *AsyncClusterResponse) RecordFatalError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.complete {
		return
	}
	for _, node := range a.nodes {
		if _, exists := a.responses[node.ID]; !exists {
			a.responses[node.ID] = NewFailedNodeResponse(node, a.method, a.uri, err, a.id)
		}
	}
	a.fatalErr = err
	a.merged = mergeResponses(a.nodes, a.responses)
	a.markComplete()
}

// expire completes the request on behalf of a caller whose wait ended. The
// synthesized timeout responses take part in the merge but are not stored, so
// late node responses can still be recorded.
func (a *AsyncClusterResponse) expire(cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.complete {
		return
	}

	var missing []cluster.NodeIdentifier
	for _, node := range a.nodes {
		if _, exists := a.responses[node.ID]; !exists {
			missing = append(missing, node)
		}
	}
	timeoutErr := &ClusterTimeoutError{RequestID: a.id, Missing: missing, Err: cause}

	view := make(map[string]*NodeResponse, len(a.nodes))
	for id, resp := range a.responses {
		view[id] = resp
	}
	for _, node := range missing {
		view[node.ID] = NewFailedNodeResponse(node, a.method, a.uri, timeoutErr, a.id)
	}
	a.merged = mergeResponses(a.nodes, view)
	a.markComplete()
}

// markComplete must be called with mu held.
func (a *AsyncClusterResponse) markComplete() {
	a.complete = true
	a.completedAt = time.Now()
	close(a.done)
}

func (a *AsyncClusterResponse) involves(nodeID string) bool {
	for _, node := range a.nodes {
		if node.ID == nodeID {
			return true
		}
	}
	return false
}

// NodeResponse returns the response recorded for node, or nil while the node
// is outstanding.
func (a *AsyncClusterResponse) NodeResponse(node cluster.NodeIdentifier) *NodeResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.responses[node.ID]
}

// IsComplete reports whether the merged response is available.
func (a *AsyncClusterResponse) IsComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete
}

// CompletedAt returns when the request completed; zero while incomplete.
func (a *AsyncClusterResponse) CompletedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completedAt
}

// Err returns the fatal error that aborted the request, if any.
func (a *AsyncClusterResponse) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatalErr
}

// MergedResponse returns the merged response without blocking. The second
// result is false while the request is incomplete. Reading a completed
// response releases it from the replicator's registry.
func (a *AsyncClusterResponse) MergedResponse() (*NodeResponse, bool) {
	a.mu.Lock()
	merged, complete := a.merged, a.complete
	a.mu.Unlock()

	if !complete {
		return nil, false
	}
	a.fetched()
	return merged, true
}

// Done returns a channel closed when the request completes.
func (a *AsyncClusterResponse) Done() <-chan struct{} {
	return a.done
}

// AwaitMergedResponse blocks until the request completes or timeout elapses.
// A timeout <= 0 waits without limit. See Await for the result semantics.
func (a *AsyncClusterResponse) AwaitMergedResponse(timeout time.Duration) (*NodeResponse, error) {
	if timeout <= 0 {
		return a.Await(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Await(ctx)
}

// Await blocks until the request completes or ctx is done.
//
// When ctx ends first, the request is marked complete and the merged response
// is synthesized with status 500 and a ClusterTimeoutError cause for every
// node that had not answered; no error is returned in that case. The only
// error returned is the fatal error of an aborted request (for example a
// *TwoPhaseCommitAbortedError), alongside the merged response.
func (a *AsyncClusterResponse) Await(ctx context.Context) (*NodeResponse, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		a.expire(ctx.Err())
	}

	a.mu.Lock()
	merged, fatalErr := a.merged, a.fatalErr
	a.mu.Unlock()

	a.fetched()
	return merged, fatalErr
}

func (a *AsyncClusterResponse) fetched() {
	a.fetchOnce.Do(func() {
		if a.onFetch != nil {
			a.onFetch(a.id)
		}
	})
}
