// Package artifact keeps the results of asynchronous executions so that the
// status only has to carry a reference to them.
package artifact

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// refPrefix marks references handed out by this package.
const refPrefix = "artifact:"

// ErrNotFound is returned when a reference does not resolve.
var ErrNotFound = errors.New("artifact not found")

// Store persists execution results and returns retrievable references.
type Store interface {
	Put(ctx context.Context, executionID string, value any) (string, error)
	Get(ctx context.Context, ref string) (any, error)
	Delete(ctx context.Context, ref string) error
}

// MemoryStore is an in-process Store. Values are kept as given; callers must
// not mutate a value after handing it over.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]any
}

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]any)}
}

// Ref returns the reference under which an execution's result is stored.
func Ref(executionID string) string {
	return refPrefix + executionID
}

func (s *MemoryStore) Put(ctx context.Context, executionID string, value any) (string, error) {
	if executionID == "" {
		return "", errors.New("artifact: empty execution id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := Ref(executionID)
	s.items[ref] = value
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) (any, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return nil, errors.Wrapf(ErrNotFound, "malformed reference %q", ref)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[ref]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "reference %q", ref)
	}
	return v, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, ref)
	return nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
