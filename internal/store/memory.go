package store

import (
	"context"
	"sort"
	"sync"

	"github.com/seantiz/geoexec/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is the reference Store. Each record is a private snapshot that
// Save replaces wholesale, so readers never observe a partial update.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.ExecutionStatus
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*model.ExecutionStatus),
	}
}

// Save upserts a copy of s.
func (m *MemoryStore) Save(_ context.Context, s model.ExecutionStatus) error {
	snap := s.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[s.ExecutionID] = &snap
	return nil
}

// Get returns a copy of the status with the given id.
func (m *MemoryStore) Get(_ context.Context, id string) (model.ExecutionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.records[id]
	if !ok {
		return model.ExecutionStatus{}, ErrNotFound
	}
	return s.Clone(), nil
}

// List returns copies of the matching statuses, ordered and windowed.
func (m *MemoryStore) List(_ context.Context, q Query) ([]model.ExecutionStatus, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	m.mu.RLock()
	matched := m.match(q.Filter)
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return less(matched[i], matched[j], q.Sort)
	})

	page := window(matched, q.StartIndex, q.MaxCount)
	out := make([]model.ExecutionStatus, len(page))
	for i, s := range page {
		out[i] = s.Clone()
	}
	return out, nil
}

// Count returns the number of statuses matching f.
func (m *MemoryStore) Count(_ context.Context, f Filter) (int, error) {
	if err := Validate(f); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.match(f)), nil
}

// Remove deletes every status matching f under a single write lock.
func (m *MemoryStore) Remove(_ context.Context, f Filter) (int, error) {
	if err := Validate(f); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.records {
		if eval(f, s) == triTrue {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// match must be called with mu held. The returned pointers are the stored
// snapshots and must be cloned before leaving the store.
func (m *MemoryStore) match(f Filter) []*model.ExecutionStatus {
	out := make([]*model.ExecutionStatus, 0, len(m.records))
	for _, s := range m.records {
		if eval(f, s) == triTrue {
			out = append(out, s)
		}
	}
	return out
}
