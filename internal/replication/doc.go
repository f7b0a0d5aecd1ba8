// Package replication fans a single HTTP-style request out to every targeted
// cluster node and folds the per-node outcomes into one merged response.
//
// # Flow
//
//	caller ──Replicate──▶ ThreadPoolReplicator
//	                         │ register AsyncClusterResponse (ResponseRegistry)
//	                         │
//	          read ──────────┼────────── mutating
//	           │                            │
//	   one task per node            coordination goroutine
//	   on the worker pool            phase 1: probe all nodes (X-NcmExpects)
//	           │                     join, all 150? ── no ──▶ RecordFatalError
//	           │                            │ yes
//	           │                     phase 2: one task per node
//	           ▼                            ▼
//	      RecordResponse ◀──────────────────┘
//	           │ last node
//	           ▼
//	      merge once, complete, wake waiters
//
// # Merging
//
// A failing node response (non-2xx, or a failed call reported as 500)
// outranks every success; the first failure in node order is chosen. When all
// nodes succeeded, the first node's response represents the cluster. Every
// node's own response stays available through NodeResponse.
//
// # Lifetime
//
// The registry holds a response until its merged result is read for the first
// time (Await, AwaitMergedResponse or MergedResponse). Completed responses
// nobody reads are evicted by the reaper after Config.MaxResponseAge.
// Incomplete responses are only failed by Stop.
//
// # Timeouts
//
// A caller that stops waiting does not cancel node calls. The response is
// marked complete with a synthesized 500 merged result, and node responses
// arriving later are still recorded.
package replication
