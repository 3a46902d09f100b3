// Package limits holds the resource limits applied to executions: per-mode
// concurrency ceilings, execution and total time budgets, and the maximum
// size of complex inputs. Every value is read live on each decision so
// operators can tune them without a restart.
package limits

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/geoexec/internal/model"
)

// Limits is one snapshot of the configured limits. A zero value means no
// limit. Times are in seconds and MaxComplexInputSize is in megabytes.
type Limits struct {
	SynchronousDisabled          bool `mapstructure:"synchronous_disabled" json:"synchronous_disabled"`
	MaxSynchronousProcesses      int  `mapstructure:"max_synchronous_processes" json:"max_synchronous_processes"`
	MaxAsynchronousProcesses     int  `mapstructure:"max_asynchronous_processes" json:"max_asynchronous_processes"`
	MaxSynchronousExecutionTime  int  `mapstructure:"max_synchronous_execution_time" json:"max_synchronous_execution_time"`
	MaxAsynchronousExecutionTime int  `mapstructure:"max_asynchronous_execution_time" json:"max_asynchronous_execution_time"`
	MaxSynchronousTotalTime      int  `mapstructure:"max_synchronous_total_time" json:"max_synchronous_total_time"`
	MaxAsynchronousTotalTime     int  `mapstructure:"max_asynchronous_total_time" json:"max_asynchronous_total_time"`
	MaxComplexInputSize          int  `mapstructure:"max_complex_input_size" json:"max_complex_input_size"`
}

// MaxProcesses returns the concurrency ceiling for mode.
func (l Limits) MaxProcesses(mode model.Mode) int {
	if mode == model.ModeSync {
		return l.MaxSynchronousProcesses
	}
	return l.MaxAsynchronousProcesses
}

// ExecutionTimeSeconds returns the RUNNING time budget for mode.
func (l Limits) ExecutionTimeSeconds(mode model.Mode) int {
	if mode == model.ModeSync {
		return l.MaxSynchronousExecutionTime
	}
	return l.MaxAsynchronousExecutionTime
}

// TotalTimeSeconds returns the queue plus execution time budget for mode.
func (l Limits) TotalTimeSeconds(mode model.Mode) int {
	if mode == model.ModeSync {
		return l.MaxSynchronousTotalTime
	}
	return l.MaxAsynchronousTotalTime
}

// ExecutionTime is ExecutionTimeSeconds as a duration; 0 means unlimited.
func (l Limits) ExecutionTime(mode model.Mode) time.Duration {
	return seconds(l.ExecutionTimeSeconds(mode))
}

// TotalTime is TotalTimeSeconds as a duration; 0 means unlimited.
func (l Limits) TotalTime(mode model.Mode) time.Duration {
	return seconds(l.TotalTimeSeconds(mode))
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// ExceededMessage renders the failure message of an execution stopped by a
// time watchdog. Callers parse the two limit values out of it, so the wording
// after the process name is fixed.
func ExceededMessage(name model.Name, l Limits, mode model.Mode) string {
	return fmt.Sprintf("Process %s went beyond the configured limits, maxExecutionTime %d seconds, maxTotalTime %d seconds",
		name, l.ExecutionTimeSeconds(mode), l.TotalTimeSeconds(mode))
}

// Source yields the current limits.
type Source interface {
	Limits() Limits
}

// Static is a Source that never changes.
type Static Limits

// Limits implements Source.
func (s Static) Limits() Limits { return Limits(s) }

// Live is a Source whose value can be replaced at runtime. Subscribers are
// notified after every Set.
type Live struct {
	cur atomic.Pointer[Limits]

	mu   sync.Mutex
	subs []func(Limits)
}

// NewLive creates a Live source holding initial.
func NewLive(initial Limits) *Live {
	l := &Live{}
	l.cur.Store(&initial)
	return l
}

// Limits implements Source.
func (l *Live) Limits() Limits { return *l.cur.Load() }

// Set replaces the current limits and notifies subscribers.
func (l *Live) Set(v Limits) {
	l.cur.Store(&v)

	l.mu.Lock()
	subs := slices.Clone(l.subs)
	l.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// OnChange registers fn to run after each Set.
func (l *Live) OnChange(fn func(Limits)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}
