// Package storage provides the revisioned key-value store a node applies
// replicated mutations to. See doc.go for the package overview.
package storage

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrKeyNotFound is returned by Get for keys that were never written or
	// have been deleted.
	ErrKeyNotFound = errors.New("key not found")

	// ErrEmptyKey is returned for operations on the empty key.
	ErrEmptyKey = errors.New("key cannot be empty")

	// ErrValueTooLarge is returned when a value exceeds the store's limit.
	ErrValueTooLarge = errors.New("value too large")
)

// RevisionConflictError reports an optimistic-lock failure: the caller's
// expected revision no longer matches the key's current revision.
type RevisionConflictError struct {
	Key      string
	Expected uint64
	Actual   uint64
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %q: expected %d, current %d", e.Key, e.Expected, e.Actual)
}

// Entry is a stored value with its revision. Revisions start at 1 and grow by
// one with every successful Put; an absent key has revision 0.
type Entry struct {
	Value    []byte
	Revision uint64
}

type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op describes a mutation. ExpectedRevision, when set, must equal the key's
// current revision for the op to succeed.
type Op struct {
	Kind             OpKind
	Key              string
	Value            []byte
	ExpectedRevision *uint64
}

// Store is the storage interface used by the node service.
//
// Validate must not modify the store: it answers whether Apply would succeed
// right now. A successful Validate does not reserve anything, so Apply checks
// again.
type Store interface {
	Get(key string) (Entry, error)

	Validate(op Op) error

	Apply(op Op) (Entry, error)

	List() []string

	Stats() StoreStats
}

type StoreStats struct {
	Keys      int    `json:"keys"`      // Number of keys
	Bytes     int    `json:"bytes"`     // Total size of all values in bytes
	Validated uint64 `json:"validated"` // Ops checked without being applied
	Applied   uint64 `json:"applied"`   // Ops applied
}

// MemoryStore is an in-memory Store guarded by a RWMutex.
type MemoryStore struct {
	mu        sync.RWMutex
	data      map[string]Entry
	revisions map[string]uint64 // survives deletes so revisions never repeat
	maxValue  int
	validated uint64
	applied   uint64
}

// NewMemoryStore creates an empty store. maxValueBytes <= 0 means no limit.
func NewMemoryStore(maxValueBytes int) *MemoryStore {
	return &MemoryStore{
		data:      make(map[string]Entry),
		revisions: make(map[string]uint64),
		maxValue:  maxValueBytes,
	}
}

func (m *MemoryStore) Get(key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.data[key]
	if !exists {
		return Entry{}, ErrKeyNotFound
	}

	result := make([]byte, len(entry.Value))
	copy(result, entry.Value)
	return Entry{Value: result, Revision: entry.Revision}, nil
}

func (m *MemoryStore) Validate(op Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.validated++
	return m.check(op)
}

func (m *MemoryStore) Apply(op Op) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(op); err != nil {
		return Entry{}, err
	}
	m.applied++

	switch op.Kind {
	case OpDelete:
		delete(m.data, op.Key)
		return Entry{Revision: m.revisions[op.Key]}, nil
	default:
		stored := make([]byte, len(op.Value))
		copy(stored, op.Value)
		m.revisions[op.Key]++
		entry := Entry{Value: stored, Revision: m.revisions[op.Key]}
		m.data[op.Key] = entry
		return Entry{Value: op.Value, Revision: entry.Revision}, nil
	}
}

// check must be called with mu held.
func (m *MemoryStore) check(op Op) error {
	if op.Key == "" {
		return ErrEmptyKey
	}
	if op.Kind == OpPut && m.maxValue > 0 && len(op.Value) > m.maxValue {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrValueTooLarge, len(op.Value), m.maxValue)
	}
	if op.ExpectedRevision != nil {
		var current uint64
		if entry, exists := m.data[op.Key]; exists {
			current = entry.Revision
		}
		if *op.ExpectedRevision != current {
			return &RevisionConflictError{Key: op.Key, Expected: *op.ExpectedRevision, Actual: current}
		}
	}
	return nil
}

func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, entry := range m.data {
		totalBytes += len(entry.Value)
	}

	return StoreStats{
		Keys:      len(m.data),
		Bytes:     totalBytes,
		Validated: m.validated,
		Applied:   m.applied,
	}
}
