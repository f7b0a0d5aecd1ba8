package replication

import (
	"net/http"
	"net/url"
	"time"

	"github.com/dreamware/replicator/internal/cluster"
)

// NodeResponse is the outcome of calling one node for one request. A
// NodeResponse is created once by the worker that made the call and is not
// modified afterwards.
type NodeResponse struct {
	NodeID    cluster.NodeIdentifier
	Method    string
	URI       *url.URL
	Status    int
	Header    http.Header
	Body      []byte
	Err       error // set when the call failed; Status is then 500
	Latency   time.Duration
	RequestID string
}

// NewFailedNodeResponse builds the response recorded for a node whose call
// failed before producing an HTTP status.
func NewFailedNodeResponse(node cluster.NodeIdentifier, method string, uri *url.URL, err error, requestID string) *NodeResponse {
	return &NodeResponse{
		NodeID:    node,
		Method:    method,
		URI:       uri,
		Status:    http.StatusInternalServerError,
		Header:    http.Header{},
		Err:       err,
		RequestID: requestID,
	}
}

// IsSuccess reports whether the node answered with a 2xx status.
func (r *NodeResponse) IsSuccess() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 300
}

// ReplicationRequest is the logical unit of work sent to every node. It is
// not modified after Replicate builds it.
type ReplicationRequest struct {
	ID     string
	Method string
	URI    *url.URL
	Entity []byte
	Header http.Header
	Nodes  []cluster.NodeIdentifier
}

// IsMutating reports whether method may change node state. Only mutating
// requests go through two-phase commit.
func IsMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}
