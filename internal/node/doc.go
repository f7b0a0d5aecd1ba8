// Package node implements the storage node a coordinator replicates requests
// to.
//
// A node keeps a revisioned key-value store (see package storage) behind an
// HTTP API and takes part in two-phase commit:
//
//	coordinator                         node
//	    │  PUT /store/k                  │
//	    │  X-NcmExpects: 150-NodeContinue│
//	    ├───────────────────────────────►│ Validate(op)
//	    │◄────────── 150 (or 4xx) ───────┤ nothing is written
//	    │                                │
//	    │  PUT /store/k                  │
//	    ├───────────────────────────────►│ Apply(op)
//	    │◄────────── 200 X-Revision: n ──┤
//
// Optimistic locking is expressed with the X-Revision request header. A probe
// fails with 409 when the revision no longer matches, which aborts the
// replicated request on every node.
//
// On start a node registers its identifier with the coordinator (Register),
// retrying until the coordinator is reachable.
package node
