// Package storage is the node-side state that replicated mutations land in.
//
// # Two-Step Mutations
//
// Every mutation can be checked before it is applied:
//
//	Validate(op)  can-commit, answers whether Apply would succeed, changes nothing
//	Apply(op)     commit, checks again and mutates
//
// A node answering a can-commit probe calls only Validate, so a rejected
// two-phase request leaves every node untouched.
//
// # Revisions
//
// Each key carries a revision that grows by one on every Put. Callers pass an
// ExpectedRevision to get optimistic locking: the op fails with a
// *RevisionConflictError when someone else wrote the key in between. An absent
// key has revision 0, so ExpectedRevision 0 means "create only". Revisions are
// kept across deletes and never repeat for a key.
//
// # Concurrency and Thread Safety
//
// MemoryStore guards its maps with a sync.RWMutex:
//   - Get, List and Stats take the shared lock
//   - Validate and Apply take the exclusive lock
//   - Values are copied in and out, callers may reuse their slices
//
// # Example
//
//	store := storage.NewMemoryStore(1 << 20)
//	rev := uint64(0)
//	op := storage.Op{Kind: storage.OpPut, Key: "user:1", Value: []byte("alice"), ExpectedRevision: &rev}
//	if err := store.Validate(op); err == nil {
//	    entry, _ := store.Apply(op) // entry.Revision == 1
//	}
package storage
