package retention

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/geoexec/internal/artifact"
	"github.com/seantiz/geoexec/internal/model"
	"github.com/seantiz/geoexec/internal/store"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type recorder struct{ ids []string }

func (r *recorder) Forget(id string) { r.ids = append(r.ids, id) }

func discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func seed(t *testing.T, s store.Store, arts *artifact.MemoryStore, age time.Duration, phase model.Phase) model.ExecutionStatus {
	t.Helper()
	ctx := context.Background()
	st := model.NewExecutionStatus(model.ParseName("gs:Buffer"), "alice", model.ModeAsync, nil)
	at := now.Add(-age)
	st.CreatedAt = at.Add(-time.Minute)
	switch phase {
	case model.PhaseRunning:
		st = st.Start(st.CreatedAt)
	case model.PhaseSucceeded:
		ref, err := arts.Put(ctx, st.ExecutionID, "result")
		require.NoError(t, err)
		st = st.Start(st.CreatedAt).Succeed(at, ref)
	case model.PhaseDismissed:
		st = st.Dismiss(at)
	}
	require.NoError(t, s.Save(ctx, st))
	return st
}

func TestSweepRemovesExpiredTerminal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	arts := artifact.NewMemoryStore()

	old := seed(t, s, arts, 48*time.Hour, model.PhaseSucceeded)
	seed(t, s, arts, 48*time.Hour, model.PhaseDismissed)
	fresh := seed(t, s, arts, time.Hour, model.PhaseSucceeded)
	live := seed(t, s, arts, 48*time.Hour, model.PhaseRunning)

	forgotten := &recorder{}
	sw := NewSweeper(s, arts, 24*time.Hour, discard(), forgotten)
	sw.now = func() time.Time { return now }

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, forgotten.ids, 2)
	assert.Contains(t, forgotten.ids, old.ExecutionID)

	_, err = s.Get(ctx, old.ExecutionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = arts.Get(ctx, old.ResultRef)
	assert.ErrorIs(t, err, artifact.ErrNotFound)

	for _, id := range []string{fresh.ExecutionID, live.ExecutionID} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, arts.Len())

	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// lateStore saves late right after the first List, standing in for a status
// that expires while a sweep is in progress.
type lateStore struct {
	store.Store
	late  model.ExecutionStatus
	saved bool
}

func (s *lateStore) List(ctx context.Context, q store.Query) ([]model.ExecutionStatus, error) {
	items, err := s.Store.List(ctx, q)
	if err == nil && !s.saved {
		s.saved = true
		err = s.Store.Save(ctx, s.late)
	}
	return items, err
}

func TestSweepRemovesOnlyListed(t *testing.T) {
	ctx := context.Background()
	base := store.NewMemoryStore()
	arts := artifact.NewMemoryStore()

	seed(t, base, arts, 48*time.Hour, model.PhaseDismissed)
	scratch := store.NewMemoryStore()
	late := seed(t, scratch, arts, 48*time.Hour, model.PhaseSucceeded)

	s := &lateStore{Store: base, late: late}
	forgotten := &recorder{}
	sw := NewSweeper(s, arts, 24*time.Hour, discard(), forgotten)
	sw.now = func() time.Time { return now }

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, forgotten.ids, late.ExecutionID)

	// The late record and its result survive until the next sweep.
	_, err = base.Get(ctx, late.ExecutionID)
	require.NoError(t, err)
	_, err = arts.Get(ctx, late.ResultRef)
	require.NoError(t, err)

	n, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, forgotten.ids, late.ExecutionID)
	_, err = arts.Get(ctx, late.ResultRef)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestSweepWithoutArtifacts(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, artifact.NewMemoryStore(), 48*time.Hour, model.PhaseDismissed)

	sw := NewSweeper(s, nil, time.Hour, discard())
	sw.now = func() time.Time { return now }

	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunRejectsBadSchedule(t *testing.T) {
	sw := NewSweeper(store.NewMemoryStore(), nil, time.Hour, discard())
	err := sw.Run(context.Background(), "every now and then")
	assert.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	sw := NewSweeper(store.NewMemoryStore(), nil, time.Hour, discard())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx, "") }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
