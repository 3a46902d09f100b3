package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/geoexec/internal/limits"
	"github.com/seantiz/geoexec/internal/listener"
	"github.com/seantiz/geoexec/internal/model"
)

// run is the live state of one execution frame. Top-level executions have a
// nil parent; chained sub-invocations run inline in their parent's goroutine.
type run struct {
	id     string
	req    Request
	mode   model.Mode
	parent *run
	ctx    context.Context
	cancel context.CancelCauseFunc
	// done is closed on the terminal transition.
	done chan struct{}

	// Guarded by Manager.mu.
	status      model.ExecutionStatus
	children    map[string]*run
	gated       bool
	stopping    error
	childFailed *ChainedError
	timers      []*time.Timer
	value       any
}

func newRun(base context.Context, req Request, st model.ExecutionStatus, parent *run) *run {
	ctx, cancel := context.WithCancelCause(base)
	return &run{
		id:       st.ExecutionID,
		req:      req,
		mode:     req.Mode,
		parent:   parent,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   st,
		children: make(map[string]*run),
	}
}

func (r *run) arm(d time.Duration, fn func()) {
	r.timers = append(r.timers, time.AfterFunc(d, fn))
}

func (r *run) stopTimers() {
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
}

// subtree lists r's live frames innermost first, ending with r.
func (r *run) subtree() []*run {
	ids := make([]string, 0, len(r.children))
	for id := range r.children {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, strings.Compare)

	var out []*run
	for _, id := range ids {
		out = append(out, r.children[id].subtree()...)
	}
	return append(out, r)
}

func (r *run) event() listener.Event {
	ev := listener.Event{ExecutionID: r.id, Name: r.req.Name}
	if r.parent != nil {
		ev.ParentID = r.parent.id
		ev.Nested = true
	}
	return ev
}

// begin moves r from QUEUED to RUNNING and fires Started. It returns false if
// r is no longer QUEUED.
func (m *Manager) begin(r *run, gated bool) bool {
	m.mu.Lock()
	if r.status.Phase != model.PhaseQueued {
		m.mu.Unlock()
		return false
	}
	next := r.status.Start(time.Now().UTC())
	if err := m.save(next); err != nil {
		m.mu.Unlock()
		m.settle(r, model.PhaseFailed, errors.Wrap(err, "start execution"), "")
		return false
	}
	r.status = next
	if gated {
		r.gated = true
	}
	if r.parent == nil {
		executionsRunning.WithLabelValues(string(r.mode)).Inc()
		if r.mode == model.ModeAsync {
			executionsQueued.Dec()
		}
		l := m.policy.Limits()
		if d := l.ExecutionTime(r.mode); d > 0 {
			r.arm(d, func() { m.expire(r, l) })
		}
	}
	m.broker.Publish(next)
	m.mu.Unlock()

	m.logger.Info("execution started",
		"execution_id", r.id,
		"process", r.req.Name.String(),
		"nested", r.parent != nil,
	)
	m.events.Started(r.event())
	return true
}

// call runs the unit of work, turning a panic into a failure.
func (m *Manager) call(r *run) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = Fail(errors.Newf("process %s panicked: %v", r.req.Name, p))
		}
	}()
	return r.req.Run(r.ctx, &Execution{m: m, r: r})
}

// conclude applies the chain and cancellation rules to what a unit returned,
// performs the terminal transition and returns the effective outcome.
func (m *Manager) conclude(r *run, out Outcome) Outcome {
	m.mu.Lock()
	stopping, childFailed := r.stopping, r.childFailed
	m.mu.Unlock()

	switch {
	case errors.Is(stopping, ErrDismissed):
		m.settle(r, model.PhaseDismissed, nil, "")
		return Cancelled()

	case stopping != nil:
		m.settle(r, model.PhaseFailed, stopping, "")
		return Fail(stopping)

	case childFailed != nil:
		cause := error(childFailed)
		if out.IsFailed() {
			cause = out.Err()
			var ce *ChainedError
			if !errors.As(cause, &ce) {
				cause = &ChainedError{ExecutionID: childFailed.ExecutionID, Name: childFailed.Name, Err: cause}
			}
		}
		m.settle(r, model.PhaseFailed, cause, "")
		return Fail(cause)

	case out.IsFailed():
		m.settle(r, model.PhaseFailed, out.Err(), "")
		return out

	case out.IsCancelled():
		m.settle(r, model.PhaseDismissed, nil, "")
		return out
	}

	var ref string
	if r.parent == nil && r.mode == model.ModeAsync && m.artifacts != nil && out.Value() != nil {
		var err error
		ref, err = m.artifacts.Put(context.Background(), r.id, out.Value())
		if err != nil {
			cause := errors.Wrap(err, "store result")
			m.settle(r, model.PhaseFailed, cause, "")
			return Fail(cause)
		}
	}

	m.mu.Lock()
	r.value = out.Value()
	m.mu.Unlock()
	m.settle(r, model.PhaseSucceeded, nil, ref)
	return out
}

// settle performs a terminal transition, persists it, releases r's slot,
// notifies listeners and finally closes r.done. It returns false if r already
// was terminal.
func (m *Manager) settle(r *run, to model.Phase, cause error, ref string) bool {
	now := time.Now().UTC()

	m.mu.Lock()
	prev := r.status
	if !model.ValidTransition(prev.Phase, to) {
		m.mu.Unlock()
		return false
	}

	var next model.ExecutionStatus
	switch to {
	case model.PhaseSucceeded:
		next = prev.Succeed(now, ref)
	case model.PhaseFailed:
		next = prev.Fail(now, failureOf(cause))
	default:
		next = prev.Dismiss(now)
	}
	m.saveTerminal(next)
	r.status = next
	r.stopTimers()
	if r.gated {
		m.policy.Gate(r.mode).Release()
		r.gated = false
	}
	delete(m.runs, r.id)
	if r.parent != nil {
		delete(r.parent.children, r.id)
	} else {
		recordTerminal(prev, next)
	}
	m.broker.Publish(next)
	m.broker.Close(r.id)
	m.mu.Unlock()

	switch to {
	case model.PhaseSucceeded:
		r.cancel(nil)
	case model.PhaseFailed:
		r.cancel(cause)
	default:
		r.cancel(ErrDismissed)
	}

	ev := r.event()
	switch to {
	case model.PhaseSucceeded:
		m.logger.Info("execution succeeded", "execution_id", r.id, "process", r.req.Name.String())
		m.events.Completed(ev)
	case model.PhaseFailed:
		m.logger.Warn("execution failed",
			"execution_id", r.id,
			"process", r.req.Name.String(),
			"code", next.Exception.Code,
			"error", cause,
		)
		m.events.Failed(ev, cause)
	default:
		m.logger.Info("execution dismissed", "execution_id", r.id, "process", r.req.Name.String())
		m.events.Dismissed(ev)
	}
	close(r.done)
	return true
}

// expire fails r and every live chained sub-invocation, innermost first,
// after a time limit fired. l is the snapshot the watchdog was armed with.
func (m *Manager) expire(r *run, l limits.Limits) {
	m.mu.Lock()
	if r.status.Phase.Terminal() {
		m.mu.Unlock()
		return
	}
	frames := r.subtree()
	causes := make([]error, len(frames))
	for i, f := range frames {
		f.stopping = &LimitExceededError{
			ExecutionID: f.id,
			Message:     limits.ExceededMessage(f.req.Name, l, r.mode),
		}
		causes[i] = f.stopping
	}
	m.mu.Unlock()

	for i, f := range frames {
		m.settle(f, model.PhaseFailed, causes[i], "")
	}
}

// invoke runs a chained sub-invocation inline on behalf of parent.
func (m *Manager) invoke(ctx context.Context, parent *run, req Request) Outcome {
	req.Owner = parent.req.Owner
	req.Mode = parent.mode
	if err := req.check(); err != nil {
		return Fail(err)
	}

	st := model.NewExecutionStatus(req.Name, req.Owner, req.Mode, req.Inputs)
	st.Isolated = true
	st.ParentID = parent.id

	if err := m.validate(req); err != nil {
		ie, ok := limits.AsInputError(err)
		if !ok {
			return Fail(errors.Wrapf(err, "validate %s", req.Name))
		}
		rejected := st.Fail(time.Now().UTC(), failureOf(ie))
		ce := &ChainedError{ExecutionID: rejected.ExecutionID, Name: req.Name, Err: ie}

		m.mu.Lock()
		m.saveTerminal(rejected)
		if parent.childFailed == nil {
			parent.childFailed = ce
		}
		m.mu.Unlock()
		return Fail(ce)
	}

	child := newRun(ctx, req, st, parent)

	m.mu.Lock()
	if parent.status.Phase != model.PhaseRunning || parent.stopping != nil {
		stopping := parent.stopping
		m.mu.Unlock()
		child.cancel(nil)
		if stopping == nil || errors.Is(stopping, ErrDismissed) {
			return Cancelled()
		}
		return Fail(stopping)
	}
	if err := m.save(st); err != nil {
		m.mu.Unlock()
		child.cancel(nil)
		return Fail(err)
	}
	m.runs[child.id] = child
	parent.children[child.id] = child
	m.mu.Unlock()

	if !m.begin(child, false) {
		return Cancelled()
	}
	out := m.conclude(child, m.call(child))
	if !out.IsFailed() {
		return out
	}

	ce := &ChainedError{ExecutionID: child.id, Name: req.Name, Err: out.Err()}
	m.mu.Lock()
	if parent.childFailed == nil {
		parent.childFailed = ce
	}
	m.mu.Unlock()
	return Fail(ce)
}

// Execution is the handle a unit of work uses to talk to the manager.
type Execution struct {
	m *Manager
	r *run
}

// ID returns the execution id.
func (x *Execution) ID() string { return x.r.id }

// Name returns the process name.
func (x *Execution) Name() model.Name { return x.r.req.Name }

// Owner returns the submitting principal.
func (x *Execution) Owner() string { return x.r.req.Owner }

// Nested reports whether this is a chained sub-invocation.
func (x *Execution) Nested() bool { return x.r.parent != nil }

// Inputs returns a copy of the resolved inputs.
func (x *Execution) Inputs() map[string]any {
	if x.r.req.Inputs == nil {
		return map[string]any{}
	}
	return model.CloneInputs(x.r.req.Inputs)
}

// Progress reports progress in [0,100] and the current task. Updates after
// the execution left RUNNING are ignored.
func (x *Execution) Progress(progress float64, task string) {
	err := x.m.UpdateProgress(context.Background(), x.r.id, progress, task)
	if err != nil && !errors.Is(err, ErrNotRunning) {
		x.m.logger.Error("failed to update progress", "execution_id", x.r.id, "error", err)
	}
}

// Invoke runs another process as a chained sub-invocation and returns its
// outcome. The child is isolated, inherits this execution's owner and mode,
// shares its time budget and is not subject to admission. If the child
// fails, this execution fails too whatever it returns.
func (x *Execution) Invoke(ctx context.Context, req Request) Outcome {
	return x.m.invoke(ctx, x.r, req)
}

func (x *Execution) String() string {
	return fmt.Sprintf("%s(%s)", x.r.req.Name, x.r.id)
}
