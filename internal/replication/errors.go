package replication

import (
	"errors"
	"fmt"

	"github.com/dreamware/replicator/internal/cluster"
)

var (
	// ErrReplicatorStopped is returned by Replicate once Stop has been called,
	// and recorded as the fatal error of requests still incomplete at shutdown.
	ErrReplicatorStopped = errors.New("replicator is stopped")

	// ErrReplicatorNotStarted is returned by Replicate before Start.
	ErrReplicatorNotStarted = errors.New("replicator is not started")

	// ErrPoolClosed is returned when work is submitted to a drained pool.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrDuplicateRequest is returned when a request id is registered twice.
	ErrDuplicateRequest = errors.New("request id already registered")
)

// InvalidRequestError reports malformed input to Replicate. Nothing has been
// dispatched when it is returned.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid replication request: " + e.Reason
}

// NodeTransportError wraps the failure of a single node call. It is recorded
// as that node's response and never returned from Replicate.
type NodeTransportError struct {
	Node cluster.NodeIdentifier
	Err  error
}

func (e *NodeTransportError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeTransportError) Unwrap() error { return e.Err }

// NodeRejectedError describes a can-commit probe answered with something
// other than the continue status.
type NodeRejectedError struct {
	Node   cluster.NodeIdentifier
	Status int
	Body   string
}

func (e *NodeRejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("node %s rejected request with status %d", e.Node, e.Status)
	}
	return fmt.Sprintf("node %s rejected request with status %d: %s", e.Node, e.Status, e.Body)
}

// TwoPhaseCommitAbortedError is returned to callers waiting on a request whose
// can-commit phase was rejected by at least one node. No node received the
// commit phase. Unwrap yields the rejecting node's cause, so errors.As finds
// the node's own error type.
type TwoPhaseCommitAbortedError struct {
	RequestID string
	Node      cluster.NodeIdentifier
	Cause     error
}

func (e *TwoPhaseCommitAbortedError) Error() string {
	return fmt.Sprintf("request %s aborted: node %s rejected can-commit: %v", e.RequestID, e.Node, e.Cause)
}

func (e *TwoPhaseCommitAbortedError) Unwrap() error { return e.Cause }

// ClusterTimeoutError is the cause carried by the synthesized merged response
// when a caller stops waiting before every node answered.
type ClusterTimeoutError struct {
	RequestID string
	Missing   []cluster.NodeIdentifier
	Err       error
}

func (e *ClusterTimeoutError) Error() string {
	return fmt.Sprintf("request %s: %d node(s) did not respond in time: %v", e.RequestID, len(e.Missing), e.Err)
}

func (e *ClusterTimeoutError) Unwrap() error { return e.Err }

// errPanic converts a recovered panic value into an error.
func errPanic(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("node call panicked: %w", err)
	}
	return fmt.Errorf("node call panicked: %v", v)
}

var errNoResponse = errors.New("caller returned no response")
