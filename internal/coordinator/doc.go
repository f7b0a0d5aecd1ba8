// Package coordinator implements the cluster-facing HTTP API of the
// replication engine: node membership, the replicated request endpoint and
// request status lookup.
//
// # Overview
//
// The coordinator is the single entry point for clients. It does not store
// data. Every request sent under /cluster is handed to a
// replication.ThreadPoolReplicator, which fans it out to all registered nodes
// and merges their answers into one response.
//
//	        client
//	          │  PUT /cluster/store/k
//	          ▼
//	┌──────────────────────────────────────┐
//	│            COORDINATOR                │
//	│                                      │
//	│  membership ──► Replicate(nodes, …)  │
//	│                    │                 │
//	│                    ▼                 │
//	│           AsyncClusterResponse       │
//	│                    │ Await           │
//	│                    ▼                 │
//	│            merged response           │
//	└──────────────────────────────────────┘
//	     │            │            │
//	     ▼            ▼            ▼
//	   node-1       node-2       node-3
//
// # Endpoints
//
//	POST   /register       register or re-register a node
//	GET    /nodes          membership sorted by node ID, with health
//	DELETE /nodes/:id      deregister a node
//	GET    /health         liveness and node count
//	ANY    /cluster/*path  replicate the request to every node at /path
//	GET    /requests/:id   progress of an in-flight or unfetched request
//
// # Membership
//
// Nodes announce themselves through /register and stay registered until they
// are removed through DELETE /nodes/:id. With a health interval configured,
// the HealthMonitor probes each node's /health endpoint. With EvictUnhealthy
// set, nodes that fail repeatedly are deregistered.
//
// # Responses
//
// The merged response is the first non-2xx node response in node order, or
// the first node's response when every node succeeded. A two-phase commit
// rejected by any node is answered with 409 and the rejecting node's cause.
// Every /cluster response carries the request id in X-Request-Id.
package coordinator
