// Package engine runs process executions. The Manager admits requests against
// the configured limits, runs them synchronously or through a FIFO queue,
// tracks each one through QUEUED, RUNNING and a terminal phase, enforces
// execution and total time limits with watchdogs, and propagates lifecycle
// events through chained sub-invocations.
package engine
