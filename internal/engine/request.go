package engine

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/geoexec/internal/limits"
	"github.com/seantiz/geoexec/internal/model"
)

var (
	// ErrSyncDisabled is returned by Submit when synchronous execution is
	// switched off. No status is created.
	ErrSyncDisabled = limits.ErrSyncDisabled

	// ErrAdmissionTimeout is returned by Submit when a synchronous request
	// could not get a slot within its total-time budget. No status is created.
	ErrAdmissionTimeout = errors.New("no synchronous slot became available within the configured total time")

	// ErrDismissed is the context cause seen by a unit of work that was
	// cancelled by a caller.
	ErrDismissed = errors.New("execution dismissed")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("execution manager closed")

	// ErrNotRunning is returned by UpdateProgress for an execution that is not
	// RUNNING.
	ErrNotRunning = errors.New("execution is not running")

	// ErrInvalidRequest is returned for requests without a name or callable.
	ErrInvalidRequest = errors.New("invalid execution request")
)

// Func is a unit of work. It must poll ctx at safe points and return
// Cancelled once ctx is done.
type Func func(ctx context.Context, x *Execution) Outcome

// Validator checks resolved inputs before admission. It reports a rejected
// input with a *limits.InputError.
type Validator interface {
	Validate(inputs map[string]any) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(inputs map[string]any) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(inputs map[string]any) error { return f(inputs) }

// Request is one invocation handed to the manager.
type Request struct {
	Name   model.Name
	Inputs map[string]any
	// Owner is the resolved principal; empty is anonymous.
	Owner string
	// Mode defaults to async. Chained invocations inherit the caller's mode.
	Mode model.Mode
	// StatusUpdates persists every progress update when true. Lifecycle
	// transitions are always persisted.
	StatusUpdates bool
	// Validate runs before the manager's own validators.
	Validate func(inputs map[string]any) error
	Run      Func
}

func (r Request) check() error {
	if r.Name.Local == "" {
		return errors.Wrap(ErrInvalidRequest, "missing process name")
	}
	if r.Run == nil {
		return errors.Wrapf(ErrInvalidRequest, "process %s has nothing to run", r.Name)
	}
	switch r.Mode {
	case model.ModeSync, model.ModeAsync:
	default:
		return errors.Wrapf(ErrInvalidRequest, "unknown mode %q", r.Mode)
	}
	return nil
}

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeFailed
	outcomeCancelled
)

// Outcome is what a unit of work returns: a value, a failure, or a
// cancellation acknowledgement.
type Outcome struct {
	kind  outcomeKind
	value any
	err   error
}

// Ok reports success with an optional result value.
func Ok(v any) Outcome { return Outcome{kind: outcomeOK, value: v} }

// Fail reports a failure. A nil err is replaced with a generic cause.
func Fail(err error) Outcome {
	if err == nil {
		err = errors.New("process failed without a cause")
	}
	return Outcome{kind: outcomeFailed, err: err}
}

// Cancelled acknowledges a cancellation request.
func Cancelled() Outcome { return Outcome{kind: outcomeCancelled} }

func (o Outcome) IsOk() bool        { return o.kind == outcomeOK }
func (o Outcome) IsFailed() bool    { return o.kind == outcomeFailed }
func (o Outcome) IsCancelled() bool { return o.kind == outcomeCancelled }

// Value returns the result of a successful outcome.
func (o Outcome) Value() any { return o.value }

// Err returns the cause of a failed outcome.
func (o Outcome) Err() error { return o.err }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeOK:
		return "ok"
	case outcomeFailed:
		return "failed: " + o.err.Error()
	default:
		return "cancelled"
	}
}

// Submission is returned by Submit. For sync requests Status is terminal and
// Value holds the unit's result; for async requests Status is the snapshot at
// submission.
type Submission struct {
	ExecutionID string
	Status      model.ExecutionStatus
	Value       any
}

// LimitExceededError is the cause of an execution stopped by a time
// watchdog.
type LimitExceededError struct {
	ExecutionID string
	Message     string
}

func (e *LimitExceededError) Error() string { return e.Message }

// ChainedError is the cause of an execution whose chained sub-invocation
// failed.
type ChainedError struct {
	ExecutionID string
	Name        model.Name
	Err         error
}

func (e *ChainedError) Error() string {
	return fmt.Sprintf("chained process %s (%s) failed: %v", e.Name, e.ExecutionID, e.Err)
}

func (e *ChainedError) Unwrap() error { return e.Err }

// failureOf maps a cause to the failure stored on a FAILED status.
func failureOf(err error) model.Failure {
	var le *LimitExceededError
	var ce *ChainedError
	switch {
	case errors.As(err, &ce):
		return model.Failure{Code: model.CodeChainedProcessFailed, Message: err.Error()}
	case errors.As(err, &le):
		return model.Failure{Code: model.CodeLimitExceeded, Message: le.Message}
	}
	if ie, ok := limits.AsInputError(err); ok {
		return model.Failure{Code: ie.Code(), Message: ie.Error(), Locator: ie.Locator}
	}
	return model.Failure{Code: model.CodeNoApplicableCode, Message: err.Error()}
}
