package replication

import (
	"errors"
	"sync"

	"github.com/dreamware/replicator/internal/cluster"
)

// Wire contract of the two-phase protocol. Every cluster member must agree on
// these values.
const (
	// ExpectsHeader marks a can-commit probe. A node receiving it validates
	// the request without applying it. Inbound copies are never forwarded.
	ExpectsHeader = "X-NcmExpects"
	// NodeContinue is the value of ExpectsHeader on a probe.
	NodeContinue = "150-NodeContinue"
	// NodeContinueStatus is the status a node answers a probe with when it is
	// ready to commit.
	NodeContinueStatus = 150

	// RequestIDHeader carries the replication request id to every node.
	RequestIDHeader = "X-Request-Id"
	// TwoPhaseHeader set to "false" on an inbound request skips two-phase
	// commit for it. It is not forwarded to nodes.
	TwoPhaseHeader = "X-Cluster-Two-Phase"
)

// CommitPhase is the stage a two-phase request has reached.
type CommitPhase int

const (
	// PhaseCanCommit: probes are out, votes are being collected.
	PhaseCanCommit CommitPhase = iota
	// PhaseCommit: every node acknowledged and the request is dispatched.
	PhaseCommit
	// PhaseAborted: at least one node rejected or did not answer.
	PhaseAborted
)

func (p CommitPhase) String() string {
	switch p {
	case PhaseCanCommit:
		return "CAN_COMMIT"
	case PhaseCommit:
		return "COMMIT"
	case PhaseAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// Vote is one node's answer to the can-commit probe.
type Vote int

const (
	// VotePending means the node has not answered yet.
	VotePending Vote = iota
	// VoteAck means the node answered NodeContinueStatus.
	VoteAck
	// VoteReject means the node answered anything else or failed.
	VoteReject
)

// CommitPhaseState tracks the can-commit votes of one request. The state moves
// to PhaseCommit only when every node acknowledged; a single rejection moves
// it to PhaseAborted.
type CommitPhaseState struct {
	mu         sync.Mutex
	phase      CommitPhase
	order      []cluster.NodeIdentifier
	votes      map[string]Vote
	rejections map[string]*NodeResponse
}

func newCommitPhaseState(req *ReplicationRequest) *CommitPhaseState {
	s := &CommitPhaseState{
		phase:      PhaseCanCommit,
		votes:      make(map[string]Vote, len(req.Nodes)),
		rejections: make(map[string]*NodeResponse),
	}
	for _, node := range req.Nodes {
		s.order = append(s.order, node)
		s.votes[node.ID] = VotePending
	}
	return s
}

// RecordVote classifies a can-commit response as an acknowledgement or a
// rejection.
func (s *CommitPhaseState) RecordVote(resp *NodeResponse) Vote {
	vote := VoteReject
	if resp.Err == nil && resp.Status == NodeContinueStatus {
		vote = VoteAck
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.votes[resp.NodeID.ID]; !ok {
		return VotePending
	}
	s.votes[resp.NodeID.ID] = vote
	if vote == VoteReject {
		s.rejections[resp.NodeID.ID] = resp
	}
	return vote
}

var errNoVote = errors.New("node did not answer the can-commit probe")

// Decide moves the state out of PhaseCanCommit. It returns the first rejecting
// response in node order, or nil when every node acknowledged. Nodes that
// never voted count as rejections.
func (s *CommitPhaseState) Decide() *NodeResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, node := range s.order {
		switch s.votes[node.ID] {
		case VoteAck:
			continue
		case VoteReject:
			s.phase = PhaseAborted
			return s.rejections[node.ID]
		default:
			s.phase = PhaseAborted
			return &NodeResponse{NodeID: node, Status: 500, Err: errNoVote}
		}
	}
	s.phase = PhaseCommit
	return nil
}

// Phase returns the current phase.
func (s *CommitPhaseState) Phase() CommitPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Vote returns the recorded vote of nodeID, VotePending if none.
func (s *CommitPhaseState) Vote(nodeID string) Vote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votes[nodeID]
}

// rejectionCause extracts the error surfaced to callers for a rejected probe.
func rejectionCause(resp *NodeResponse) error {
	if resp.Err != nil {
		return resp.Err
	}
	return &NodeRejectedError{Node: resp.NodeID, Status: resp.Status, Body: string(resp.Body)}
}

// replicateTwoPhase runs on its own goroutine. Phase one probes every node in
// parallel on the pool and joins on all outcomes; phase two is dispatched only
// if every node acknowledged.
func (r *ThreadPoolReplicator) replicateTwoPhase(req *ReplicationRequest, resp *AsyncClusterResponse) {
	defer r.coordinators.Done()

	state := newCommitPhaseState(req)

	probe := req.Header.Clone()
	probe.Set(ExpectsHeader, NodeContinue)

	var wg sync.WaitGroup
	for _, node := range req.Nodes {
		node := node
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			state.RecordVote(r.callNode(req, node, probe))
		})
		if err != nil {
			wg.Done()
			state.RecordVote(NewFailedNodeResponse(node, req.Method, req.URI, err, req.ID))
		}
	}
	wg.Wait()

	if rejected := state.Decide(); rejected != nil {
		abort := &TwoPhaseCommitAbortedError{RequestID: req.ID, Node: rejected.NodeID, Cause: rejectionCause(rejected)}
		r.logger.Warn().
			Str("request_id", req.ID).
			Str("node", abort.Node.ID).
			Err(abort.Cause).
			Msg("two-phase commit aborted")
		resp.RecordFatalError(abort)
		return
	}

	r.logger.Debug().Str("request_id", req.ID).Msg("all nodes acknowledged, committing")
	r.dispatch(req, resp, req.Header)
}
