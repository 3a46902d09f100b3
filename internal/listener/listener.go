// Package listener fans execution lifecycle events out to observers,
// including events of chained sub-invocations.
package listener

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/geoexec/internal/model"
)

// Event identifies the invocation an event is about.
type Event struct {
	ExecutionID string
	ParentID    string
	Name        model.Name
	// Nested is true for chained sub-invocations.
	Nested bool
}

// Listener observes invocation lifecycles. For chained invocations events
// nest like balanced parentheses: a child starts after its parent started
// and ends before its parent ends.
//
// Implementations are called synchronously on the goroutine that performed
// the transition and must not block.
type Listener interface {
	Started(ev Event)
	Completed(ev Event)
	Dismissed(ev Event)
	Failed(ev Event, cause error)
}

// Fanout calls each listener in order. A panicking listener is logged and
// skipped so it cannot break the execution that emitted the event.
type Fanout struct {
	listeners []Listener
	logger    *slog.Logger
}

// Compile-time interface satisfaction check.
var _ Listener = (*Fanout)(nil)

// NewFanout creates a fan-out over listeners in the given order.
func NewFanout(logger *slog.Logger, listeners ...Listener) *Fanout {
	return &Fanout{listeners: listeners, logger: logger}
}

func (f *Fanout) Started(ev Event)   { f.each(ev, "started", func(l Listener) { l.Started(ev) }) }
func (f *Fanout) Completed(ev Event) { f.each(ev, "completed", func(l Listener) { l.Completed(ev) }) }
func (f *Fanout) Dismissed(ev Event) { f.each(ev, "dismissed", func(l Listener) { l.Dismissed(ev) }) }
func (f *Fanout) Failed(ev Event, cause error) {
	f.each(ev, "failed", func(l Listener) { l.Failed(ev, cause) })
}

func (f *Fanout) each(ev Event, kind string, call func(Listener)) {
	for _, l := range f.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil && f.logger != nil {
					f.logger.Error("listener panicked",
						"execution_id", ev.ExecutionID,
						"event", kind,
						"panic", fmt.Sprint(r),
					)
				}
			}()
			call(l)
		}()
	}
}

// Funcs adapts optional callbacks to Listener. Nil callbacks are skipped.
type Funcs struct {
	OnStarted   func(Event)
	OnCompleted func(Event)
	OnDismissed func(Event)
	OnFailed    func(Event, error)
}

// Compile-time interface satisfaction check.
var _ Listener = Funcs{}

func (f Funcs) Started(ev Event) {
	if f.OnStarted != nil {
		f.OnStarted(ev)
	}
}

func (f Funcs) Completed(ev Event) {
	if f.OnCompleted != nil {
		f.OnCompleted(ev)
	}
}

func (f Funcs) Dismissed(ev Event) {
	if f.OnDismissed != nil {
		f.OnDismissed(ev)
	}
}

func (f Funcs) Failed(ev Event, cause error) {
	if f.OnFailed != nil {
		f.OnFailed(ev, cause)
	}
}

// Recorder keeps an ordered log of events as "<kind> <process name>"
// entries, e.g. "started A" or "failed C".
type Recorder struct {
	mu     sync.Mutex
	events []string
}

// Compile-time interface satisfaction check.
var _ Listener = (*Recorder)(nil)

func (r *Recorder) Started(ev Event)         { r.add("started", ev) }
func (r *Recorder) Completed(ev Event)       { r.add("completed", ev) }
func (r *Recorder) Dismissed(ev Event)       { r.add("dismissed", ev) }
func (r *Recorder) Failed(ev Event, _ error) { r.add("failed", ev) }

// Events returns a copy of the recorded entries.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *Recorder) add(kind string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+" "+ev.Name.Local)
}
