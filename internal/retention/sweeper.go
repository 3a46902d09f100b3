// Package retention periodically removes terminal execution statuses, and
// the results they reference, once they are older than a maximum age.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	rcron "github.com/robfig/cron/v3"

	"github.com/seantiz/geoexec/internal/artifact"
	"github.com/seantiz/geoexec/internal/store"
)

// DefaultSchedule runs a sweep every ten minutes.
const DefaultSchedule = "@every 10m"

var sweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "geoexec_retention_removed_total",
	Help: "Total number of execution statuses removed by the retention sweeper.",
})

func init() {
	prometheus.MustRegister(sweptTotal)
}

// Forgetter drops per-execution state kept outside the store, such as the
// status broker's markers for finished executions.
type Forgetter interface {
	Forget(executionID string)
}

// Sweeper removes expired terminal statuses on a cron schedule.
type Sweeper struct {
	store     store.Store
	artifacts artifact.Store
	forget    []Forgetter
	maxAge    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper that removes terminal statuses completed more
// than maxAge ago. artifacts may be nil. Every forgetter is told about each
// removed execution.
func NewSweeper(s store.Store, artifacts artifact.Store, maxAge time.Duration, logger *slog.Logger, forget ...Forgetter) *Sweeper {
	return &Sweeper{
		store:     s,
		artifacts: artifacts,
		forget:    forget,
		maxAge:    maxAge,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep removes every expired terminal status once and returns how many
// were removed.
func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := sw.now().UTC().Add(-sw.maxAge)
	expired := store.And{
		store.Terminal,
		store.Compare{Field: store.FieldCompletedAt, Op: store.OpLt, Value: cutoff},
	}

	items, err := sw.store.List(ctx, store.Query{Filter: expired})
	if err != nil {
		return 0, errors.Wrap(err, "list expired executions")
	}
	if len(items) == 0 {
		return 0, nil
	}

	// Remove only what was listed, so every removed record has its artifact
	// and broker state cleaned up below.
	listed := make(store.Or, 0, len(items))
	for _, st := range items {
		listed = append(listed, store.Eq(store.FieldExecutionID, st.ExecutionID))
	}
	n, err := sw.store.Remove(ctx, store.And{expired, listed})
	if err != nil {
		return 0, errors.Wrap(err, "remove expired executions")
	}
	sweptTotal.Add(float64(n))

	for _, st := range items {
		for _, f := range sw.forget {
			f.Forget(st.ExecutionID)
		}
		if sw.artifacts == nil || st.ResultRef == "" {
			continue
		}
		if err := sw.artifacts.Delete(ctx, st.ResultRef); err != nil && !errors.Is(err, artifact.ErrNotFound) {
			sw.logger.Warn("failed to delete result", "execution_id", st.ExecutionID, "error", err)
		}
	}
	return n, nil
}

// Run sweeps on schedule until ctx is done. An empty schedule uses
// DefaultSchedule.
func (sw *Sweeper) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := rcron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := sw.Sweep(ctx)
		if err != nil {
			sw.logger.Error("retention sweep failed", "error", err)
			return
		}
		if n > 0 {
			sw.logger.Info("retention sweep removed executions", "removed", n, "max_age", sw.maxAge.String())
		}
	})
	if err != nil {
		return errors.Wrapf(err, "schedule retention sweep %q", schedule)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
