// Package cluster holds the values shared by every member of a replication
// cluster: node identity and the registration messages nodes send to the
// coordinator.
//
// # Topology
//
// A single coordinator accepts client requests and replicates them to every
// registered node:
//
//	              ┌──────────────┐
//	   client ───▶│ Coordinator  │
//	              └──────┬───────┘
//	                     │ replicate
//	      ┌──────────────┼──────────────┐
//	      ▼              ▼              ▼
//	┌───────────┐ ┌───────────┐ ┌───────────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Node Identity
//
// NodeIdentifier carries a stable ID plus the addresses of the three node
// interfaces (API, cluster socket, site-to-site). Only the API address is used
// when replicating requests. Identifiers are created by whoever resolves the
// membership (here: the coordinator's registration endpoint) and never change
// afterwards.
//
// # Communication
//
// Nodes register with a JSON POST to the coordinator's /register endpoint
// (PostJSON) and may list peers with a GET of /nodes (GetJSON). Both helpers
// share one http.Client with a 5 second timeout and treat any status >= 300 as
// an error.
package cluster
