package limits

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/geoexec/internal/model"
)

// ErrSyncDisabled is returned by admission when synchronous execution is
// switched off.
var ErrSyncDisabled = errors.New("synchronous execution is disabled")

// Gate counts in-flight executions of one mode against a ceiling that is read
// live on every decision.
type Gate struct {
	max func() int

	mu     sync.Mutex
	active int
	// wake is closed and replaced whenever a slot may have become available.
	wake chan struct{}
}

// NewGate creates a gate whose ceiling is returned by max; a ceiling <= 0
// admits everything.
func NewGate(max func() int) *Gate {
	return &Gate{max: max, wake: make(chan struct{})}
}

// Acquire takes a slot, blocking until one frees, the ceiling is raised, or
// ctx ends. On ctx end it returns the context cause and holds no slot.
func (g *Gate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		if m := g.max(); m <= 0 || g.active < m {
			g.active++
			g.mu.Unlock()
			return nil
		}
		wake := g.wake
		g.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// TryAcquire takes a slot if one is free right now.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m := g.max(); m <= 0 || g.active < m {
		g.active++
		return true
	}
	return false
}

// Release returns a slot and wakes waiters.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	g.broadcast()
}

// Refresh wakes waiters so they re-read the ceiling.
func (g *Gate) Refresh() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcast()
}

// Active returns the number of held slots.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// broadcast must be called with g.mu held.
func (g *Gate) broadcast() {
	close(g.wake)
	g.wake = make(chan struct{})
}

// Policy evaluates limits from a Source. It owns one Gate per mode.
type Policy struct {
	src   Source
	sync  *Gate
	async *Gate
}

// NewPolicy creates a policy reading limits from src.
func NewPolicy(src Source) *Policy {
	p := &Policy{src: src}
	p.sync = NewGate(func() int { return p.src.Limits().MaxSynchronousProcesses })
	p.async = NewGate(func() int { return p.src.Limits().MaxAsynchronousProcesses })
	return p
}

// Limits returns the current limits.
func (p *Policy) Limits() Limits { return p.src.Limits() }

// Gate returns the admission gate for mode.
func (p *Policy) Gate(mode model.Mode) *Gate {
	if mode == model.ModeSync {
		return p.sync
	}
	return p.async
}

// CheckMode rejects modes that are switched off.
func (p *Policy) CheckMode(mode model.Mode) error {
	if mode == model.ModeSync && p.src.Limits().SynchronousDisabled {
		return ErrSyncDisabled
	}
	return nil
}

// Refresh wakes every waiter after the limits changed.
func (p *Policy) Refresh() {
	p.sync.Refresh()
	p.async.Refresh()
}
