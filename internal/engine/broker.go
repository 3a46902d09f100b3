package engine

import (
	"sync"

	"github.com/seantiz/geoexec/internal/model"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// Snapshots are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// StatusBroker fans persisted status snapshots out to per-execution
// subscribers. It is safe for concurrent use.
//
// Finished executions keep a closed marker so a subscriber arriving after the
// terminal snapshot gets a closed channel instead of blocking forever.
type StatusBroker struct {
	mu     sync.Mutex
	topics map[string]*statusTopic
}

type statusTopic struct {
	subs   map[int]chan model.ExecutionStatus
	nextID int
	closed bool
}

// NewStatusBroker creates a new status broker.
func NewStatusBroker() *StatusBroker {
	return &StatusBroker{
		topics: make(map[string]*statusTopic),
	}
}

// Subscribe returns a channel of snapshots for the given execution and an
// unsubscribe function.
func (b *StatusBroker) Subscribe(executionID string) (<-chan model.ExecutionStatus, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &statusTopic{subs: make(map[int]chan model.ExecutionStatus)}
		b.topics[executionID] = t
	}

	ch := make(chan model.ExecutionStatus, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a snapshot to every subscriber of its execution. It never
// blocks: full subscriber buffers drop the snapshot.
func (b *StatusBroker) Publish(st model.ExecutionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[st.ExecutionID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- st.Clone():
		default:
		}
	}
}

// Close ends the stream of an execution.
func (b *StatusBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		b.topics[executionID] = &statusTopic{subs: make(map[int]chan model.ExecutionStatus), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops the closed marker of a finished execution, e.g. after its
// status was removed from the store.
func (b *StatusBroker) Forget(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[executionID]; ok && t.closed {
		delete(b.topics, executionID)
	}
}
