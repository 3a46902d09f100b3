package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/geoexec/internal/artifact"
	"github.com/seantiz/geoexec/internal/limits"
	"github.com/seantiz/geoexec/internal/listener"
	"github.com/seantiz/geoexec/internal/model"
	"github.com/seantiz/geoexec/internal/store"
)

// Options configures a Manager. Every field is optional.
type Options struct {
	// Listeners are notified in order after each persisted lifecycle
	// transition, including those of chained invocations.
	Listeners []listener.Listener
	// Validators run on every request's inputs before admission.
	Validators []Validator
	// Artifacts stores the results of async executions. Without it results
	// are dropped and ResultRef stays empty.
	Artifacts artifact.Store
	Broker    *StatusBroker
}

// Stats is a point-in-time view of the manager's live executions.
type Stats struct {
	SyncRunning  int           `json:"sync_running"`
	AsyncRunning int           `json:"async_running"`
	Queued       int           `json:"queued"`
	Nested       int           `json:"nested"`
	Limits       limits.Limits `json:"limits"`
}

// Manager owns the lifecycle of every execution: it admits requests against
// the limit policy, runs them, enforces time limits, handles cancellation and
// is the only writer of status snapshots to the store.
type Manager struct {
	store      store.Store
	policy     *limits.Policy
	logger     *slog.Logger
	events     *listener.Fanout
	validators []Validator
	artifacts  artifact.Store
	broker     *StatusBroker

	// ctx is the parent of every top-level execution context.
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	queue  []*run
	wake   chan struct{}
	closed bool
}

// NewManager creates a manager and starts its async dispatcher.
func NewManager(s store.Store, policy *limits.Policy, logger *slog.Logger, opts Options) *Manager {
	ls := append([]listener.Listener{metricsListener{}}, opts.Listeners...)
	broker := opts.Broker
	if broker == nil {
		broker = NewStatusBroker()
	}
	ctx, cancel := context.WithCancelCause(context.Background())

	m := &Manager{
		store:      s,
		policy:     policy,
		logger:     logger,
		events:     listener.NewFanout(logger, ls...),
		validators: opts.Validators,
		artifacts:  opts.Artifacts,
		broker:     broker,
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[string]*run),
		wake:       make(chan struct{}, 1),
	}

	m.wg.Add(1)
	go m.dispatch()

	return m
}

// Broker returns the manager's status broker for SSE subscription.
func (m *Manager) Broker() *StatusBroker {
	return m.broker
}

// Submit validates, admits and starts an execution.
//
// A rejected input yields a FAILED status carrying the input's locator and a
// nil error. Admission rejections return an error and create no status.
// Sync requests block until the execution is terminal; async requests return
// the QUEUED snapshot immediately.
func (m *Manager) Submit(ctx context.Context, req Request) (Submission, error) {
	if req.Mode == "" {
		req.Mode = model.ModeAsync
	}
	if err := req.check(); err != nil {
		return Submission{}, err
	}
	if m.isClosed() {
		return Submission{}, ErrClosed
	}

	if err := m.validate(req); err != nil {
		return m.reject(ctx, req, err)
	}

	if err := m.policy.CheckMode(req.Mode); err != nil {
		return Submission{}, err
	}

	submitted := time.Now()
	l := m.policy.Limits()
	gated := false
	if req.Mode == model.ModeSync {
		if err := m.admitSync(ctx, l); err != nil {
			return Submission{}, err
		}
		gated = true
	}

	r := newRun(m.ctx, req, model.NewExecutionStatus(req.Name, req.Owner, req.Mode, req.Inputs), nil)
	r.gated = gated

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if gated {
			m.policy.Gate(req.Mode).Release()
		}
		return Submission{}, ErrClosed
	}
	if err := m.save(r.status); err != nil {
		m.mu.Unlock()
		if gated {
			m.policy.Gate(req.Mode).Release()
		}
		return Submission{}, errors.Wrap(err, "save execution")
	}
	m.runs[r.id] = r
	m.broker.Publish(r.status)
	if total := l.TotalTime(req.Mode); total > 0 {
		r.arm(total-time.Since(submitted), func() { m.expire(r, l) })
	}
	if req.Mode == model.ModeAsync {
		m.queue = append(m.queue, r)
		executionsQueued.Inc()
		m.signal()
	}
	queued := r.status
	m.mu.Unlock()

	m.logger.Info("execution submitted",
		"execution_id", r.id,
		"process", req.Name.String(),
		"mode", string(req.Mode),
		"owner", req.Owner,
	)

	if req.Mode == model.ModeAsync {
		return Submission{ExecutionID: r.id, Status: queued}, nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if m.begin(r, false) {
			m.conclude(r, m.call(r))
		}
	}()

	select {
	case <-r.done:
	case <-ctx.Done():
		// The caller stopped waiting; the execution must not outlive it.
		if err := m.Cancel(context.Background(), r.id); err != nil {
			m.logger.Error("failed to cancel abandoned execution", "execution_id", r.id, "error", err)
		}
		return Submission{ExecutionID: r.id, Status: m.snapshot(r)}, context.Cause(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return Submission{ExecutionID: r.id, Status: r.status, Value: r.value}, nil
}

// admitSync takes a synchronous slot, waiting at most the synchronous total
// time budget.
func (m *Manager) admitSync(ctx context.Context, l limits.Limits) error {
	gate := m.policy.Gate(model.ModeSync)
	if gate.TryAcquire() {
		return nil
	}
	if total := l.TotalTime(model.ModeSync); total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, total, ErrAdmissionTimeout)
		defer cancel()
	}
	if err := gate.Acquire(ctx); err != nil {
		if errors.Is(err, ErrAdmissionTimeout) {
			return ErrAdmissionTimeout
		}
		return errors.Wrap(err, "wait for synchronous slot")
	}
	return nil
}

func (m *Manager) validate(req Request) error {
	if req.Validate != nil {
		if err := req.Validate(req.Inputs); err != nil {
			return err
		}
	}
	for _, v := range m.validators {
		if err := v.Validate(req.Inputs); err != nil {
			return err
		}
	}
	return nil
}

// reject records an input validation failure as a FAILED status. Errors
// that do not name an input are returned to the caller instead.
func (m *Manager) reject(ctx context.Context, req Request, err error) (Submission, error) {
	ie, ok := limits.AsInputError(err)
	if !ok {
		return Submission{}, errors.Wrapf(err, "validate %s", req.Name)
	}
	st := model.NewExecutionStatus(req.Name, req.Owner, req.Mode, req.Inputs).
		Fail(time.Now().UTC(), failureOf(ie))
	if err := m.store.Save(ctx, st); err != nil {
		return Submission{}, errors.Wrap(err, "save rejected execution")
	}
	executionsTotal.WithLabelValues(string(req.Mode), string(st.Phase)).Inc()

	m.logger.Info("execution rejected",
		"execution_id", st.ExecutionID,
		"process", req.Name.String(),
		"locator", ie.Locator,
		"error", ie,
	)
	return Submission{ExecutionID: st.ExecutionID, Status: st}, nil
}

// dispatch starts queued async executions in FIFO order as slots free up.
func (m *Manager) dispatch() {
	defer m.wg.Done()

	gate := m.policy.Gate(model.ModeAsync)
	for {
		r := m.nextQueued()
		if r == nil {
			return
		}
		if err := gate.Acquire(m.ctx); err != nil {
			return
		}
		if !m.begin(r, true) {
			gate.Release()
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.conclude(r, m.call(r))
		}()
	}
}

// nextQueued pops the oldest still-QUEUED execution, blocking until one
// arrives. It returns nil once the manager is closed.
func (m *Manager) nextQueued() *run {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil
		}
		for len(m.queue) > 0 {
			r := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			if r.status.Phase == model.PhaseQueued {
				m.mu.Unlock()
				return r
			}
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.ctx.Done():
		}
	}
}

// signal must be called with m.mu held.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// GetStatus returns the last persisted snapshot of an execution.
func (m *Manager) GetStatus(ctx context.Context, id string) (model.ExecutionStatus, error) {
	return m.store.Get(ctx, id)
}

// Children returns the chained sub-invocations started by an execution,
// oldest first.
func (m *Manager) Children(ctx context.Context, parentID string) ([]model.ExecutionStatus, error) {
	return m.store.List(ctx, store.Query{
		Filter: store.Eq(store.FieldParentID, parentID),
		Sort:   []store.SortBy{{Field: store.FieldCreatedAt}},
	})
}

// Cancel dismisses an execution. A QUEUED execution is dismissed at once; a
// RUNNING one and its chained sub-invocations are asked to stop and become
// DISMISSED when they yield. Cancelling a terminal execution is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	r, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		if _, err := m.store.Get(ctx, id); err != nil {
			return err
		}
		return nil
	}

	if r.status.Phase == model.PhaseQueued {
		m.mu.Unlock()
		m.settle(r, model.PhaseDismissed, nil, "")
		return nil
	}

	frames := r.subtree()
	for _, f := range frames {
		if f.stopping == nil {
			f.stopping = ErrDismissed
		}
	}
	m.mu.Unlock()

	for _, f := range frames {
		f.cancel(ErrDismissed)
	}
	m.logger.Info("execution cancellation requested", "execution_id", id)
	return nil
}

// UpdateProgress records progress for a RUNNING execution. The snapshot is
// persisted only when the request asked for status updates.
func (m *Manager) UpdateProgress(ctx context.Context, id string, progress float64, task string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		if _, err := m.store.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	if r.status.Phase != model.PhaseRunning {
		return ErrNotRunning
	}

	r.status = r.status.WithProgress(progress, task)
	if !r.req.StatusUpdates {
		return nil
	}
	if err := m.save(r.status); err != nil {
		return err
	}
	m.broker.Publish(r.status)
	return nil
}

// Stats returns counts of live executions and the current limits.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Limits: m.policy.Limits()}
	for _, r := range m.runs {
		switch {
		case r.parent != nil:
			st.Nested++
		case r.status.Phase == model.PhaseQueued:
			st.Queued++
		case r.mode == model.ModeSync:
			st.SyncRunning++
		default:
			st.AsyncRunning++
		}
	}
	return st
}

// Close stops accepting work, dismisses queued executions, asks running ones
// to stop and waits for their goroutines until ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var queued, running []*run
	for _, r := range m.runs {
		switch {
		case r.status.Phase == model.PhaseQueued:
			queued = append(queued, r)
		case r.parent == nil:
			for _, f := range r.subtree() {
				if f.stopping == nil {
					f.stopping = ErrDismissed
				}
				running = append(running, f)
			}
		}
	}
	m.mu.Unlock()

	for _, f := range running {
		f.cancel(ErrDismissed)
	}
	m.cancel(ErrClosed)
	for _, r := range queued {
		m.settle(r, model.PhaseDismissed, nil, "")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(context.Cause(ctx), "wait for running executions")
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) snapshot(r *run) model.ExecutionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.status
}

// save must be called with m.mu held.
func (m *Manager) save(st model.ExecutionStatus) error {
	if err := m.store.Save(context.Background(), st); err != nil {
		m.logger.Error("failed to persist execution status",
			"execution_id", st.ExecutionID,
			"phase", string(st.Phase),
			"error", err,
		)
		return errors.Wrapf(err, "persist execution %s", st.ExecutionID)
	}
	return nil
}

// saveTerminal persists a terminal snapshot. If the store refuses it, the
// snapshot is saved again without its request inputs so the stored record
// still leaves its live phase. Must be called with m.mu held.
func (m *Manager) saveTerminal(st model.ExecutionStatus) {
	if m.save(st) == nil {
		return
	}
	bare := st.WithProgress(st.Progress, st.Task)
	bare.RequestInputs = nil
	if err := m.save(bare); err != nil {
		m.logger.Error("terminal status not persisted",
			"execution_id", st.ExecutionID,
			"phase", string(st.Phase),
		)
	}
}
