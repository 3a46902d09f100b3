package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/geoexec/internal/listener"
	"github.com/seantiz/geoexec/internal/model"
)

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoexec_executions_total",
			Help: "Executions that reached a terminal phase.",
		},
		[]string{"mode", "phase"},
	)

	executionsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geoexec_executions_running",
			Help: "Top-level executions currently RUNNING.",
		},
		[]string{"mode"},
	)

	executionsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geoexec_executions_queued",
			Help: "Asynchronous executions waiting for a slot.",
		},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geoexec_execution_duration_seconds",
			Help:    "Time from RUNNING to a terminal phase.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	invocationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoexec_invocation_events_total",
			Help: "Lifecycle events delivered to listeners, including chained invocations.",
		},
		[]string{"event", "nested"},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionsRunning)
	prometheus.MustRegister(executionsQueued)
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(invocationEvents)
}

// recordTerminal updates the gauges and counters for a finished top-level
// execution.
func recordTerminal(prev, next model.ExecutionStatus) {
	mode := string(next.Mode)
	executionsTotal.WithLabelValues(mode, string(next.Phase)).Inc()
	switch prev.Phase {
	case model.PhaseRunning:
		executionsRunning.WithLabelValues(mode).Dec()
		if next.StartedAt != nil && next.CompletedAt != nil {
			executionDuration.WithLabelValues(mode).Observe(next.CompletedAt.Sub(*next.StartedAt).Seconds())
		}
	case model.PhaseQueued:
		if next.Mode == model.ModeAsync {
			executionsQueued.Dec()
		}
	}
}

// metricsListener counts listener events. It is always the first listener of
// a manager's fan-out.
type metricsListener struct{}

// Compile-time interface satisfaction check.
var _ listener.Listener = metricsListener{}

func (metricsListener) Started(ev listener.Event)         { countEvent("started", ev) }
func (metricsListener) Completed(ev listener.Event)       { countEvent("completed", ev) }
func (metricsListener) Dismissed(ev listener.Event)       { countEvent("dismissed", ev) }
func (metricsListener) Failed(ev listener.Event, _ error) { countEvent("failed", ev) }

func countEvent(event string, ev listener.Event) {
	invocationEvents.WithLabelValues(event, strconv.FormatBool(ev.Nested)).Inc()
}
