package model

import (
	"math"
	"strings"
	"time"
)

// Phase is the lifecycle state of one execution.
type Phase string

// Execution phase constants.
const (
	PhaseQueued    Phase = "QUEUED"
	PhaseRunning   Phase = "RUNNING"
	PhaseSucceeded Phase = "SUCCEEDED"
	PhaseFailed    Phase = "FAILED"
	PhaseDismissed Phase = "DISMISSED"
)

// Terminal reports whether no further transition is possible from p.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseDismissed
}

// Mode selects how the submitting caller waits for an execution.
type Mode string

// Execution mode constants.
const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Failure codes carried by Failure.Code.
const (
	CodeNoApplicableCode      = "NoApplicableCode"
	CodeInvalidParameterValue = "InvalidParameterValue"
	CodeFileSizeExceeded      = "FileSizeExceeded"
	CodeLimitExceeded         = "LimitExceeded"
	CodeChainedProcessFailed  = "ChainedProcessFailed"
)

// validTransitions maps each phase to the set of phases it may transition to.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseQueued: {
		PhaseRunning:   true,
		PhaseFailed:    true,
		PhaseDismissed: true,
	},
	PhaseRunning: {
		PhaseSucceeded: true,
		PhaseFailed:    true,
		PhaseDismissed: true,
	},
}

// ValidTransition reports whether transitioning from one phase to another is allowed.
func ValidTransition(from, to Phase) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Name is the qualified name of a process: namespace plus local name.
type Name struct {
	Namespace string `json:"namespace,omitempty"`
	Local     string `json:"name"`
}

// ParseName splits "ns:local" into a Name. A string without a colon is a
// local name with no namespace.
func ParseName(s string) Name {
	if ns, local, ok := strings.Cut(s, ":"); ok {
		return Name{Namespace: ns, Local: local}
	}
	return Name{Local: s}
}

// String returns "ns:local", or just the local name when there is no namespace.
func (n Name) String() string {
	if n.Namespace == "" {
		return n.Local
	}
	return n.Namespace + ":" + n.Local
}

// Failure is the captured cause of a FAILED execution.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Locator names the offending input for validation failures.
	Locator string `json:"locator,omitempty"`
}

// ExecutionStatus is an immutable snapshot of one invocation. Every mutator
// returns a new value; the receiver is never modified.
type ExecutionStatus struct {
	ExecutionID   string         `json:"execution_id"`
	Name          Name           `json:"identifier"`
	Isolated      bool           `json:"isolated,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	Owner         string         `json:"owner,omitempty"`
	Mode          Mode           `json:"mode"`
	Phase         Phase          `json:"phase"`
	Progress      float64        `json:"progress"`
	Task          string         `json:"task,omitempty"`
	Exception     *Failure       `json:"exception,omitempty"`
	RequestInputs map[string]any `json:"request_inputs,omitempty"`
	ResultRef     string         `json:"result_ref,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// NewExecutionStatus creates a QUEUED status with a fresh execution id.
func NewExecutionStatus(name Name, owner string, mode Mode, inputs map[string]any) ExecutionStatus {
	return ExecutionStatus{
		ExecutionID:   NewID(),
		Name:          name,
		Owner:         owner,
		Mode:          mode,
		Phase:         PhaseQueued,
		RequestInputs: CloneInputs(inputs),
		CreatedAt:     time.Now().UTC(),
	}
}

// Clone returns a deep copy that shares no mutable state with s.
func (s ExecutionStatus) Clone() ExecutionStatus {
	c := s
	c.RequestInputs = CloneInputs(s.RequestInputs)
	if s.Exception != nil {
		f := *s.Exception
		c.Exception = &f
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Start returns a RUNNING copy of s.
func (s ExecutionStatus) Start(at time.Time) ExecutionStatus {
	c := s.Clone()
	c.Phase = PhaseRunning
	c.StartedAt = &at
	return c
}

// WithProgress returns a copy carrying the given progress and task. Progress
// is clamped to [0,100]; NaN counts as 0.
func (s ExecutionStatus) WithProgress(progress float64, task string) ExecutionStatus {
	c := s.Clone()
	c.Progress = clampProgress(progress)
	c.Task = task
	return c
}

// Succeed returns a SUCCEEDED copy of s.
func (s ExecutionStatus) Succeed(at time.Time, resultRef string) ExecutionStatus {
	c := s.terminal(PhaseSucceeded, at)
	c.Progress = 100
	c.ResultRef = resultRef
	return c
}

// Fail returns a FAILED copy of s carrying f.
func (s ExecutionStatus) Fail(at time.Time, f Failure) ExecutionStatus {
	c := s.terminal(PhaseFailed, at)
	c.Exception = &f
	return c
}

// Dismiss returns a DISMISSED copy of s.
func (s ExecutionStatus) Dismiss(at time.Time) ExecutionStatus {
	return s.terminal(PhaseDismissed, at)
}

func (s ExecutionStatus) terminal(p Phase, at time.Time) ExecutionStatus {
	c := s.Clone()
	c.Phase = p
	c.CompletedAt = &at
	c.Exception = nil
	return c
}

// Nested reports whether s belongs to a chained sub-invocation.
func (s ExecutionStatus) Nested() bool {
	return s.ParentID != ""
}

func clampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// CloneInputs deep-copies a request input map, including nested maps and
// slices.
func CloneInputs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies the container types JSON decoding produces. Other
// values are copied as is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneInputs(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
