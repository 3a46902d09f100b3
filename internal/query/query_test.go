package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/geoexec/internal/model"
	"github.com/seantiz/geoexec/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	rows := []struct {
		name, owner string
		isolated    bool
		phase       model.Phase
	}{
		{"gs:Buffer", "alice", false, model.PhaseSucceeded},
		{"gs:Clip", "alice", false, model.PhaseRunning},
		{"gs:Clip", "alice", true, model.PhaseSucceeded},
		{"gs:Buffer", "bob", false, model.PhaseFailed},
		{"gs:Buffer", "", false, model.PhaseSucceeded},
	}
	for i, r := range rows {
		st := model.NewExecutionStatus(model.ParseName(r.name), r.owner, model.ModeAsync, nil)
		st.CreatedAt = t0.Add(time.Duration(i) * time.Second)
		st.Isolated = r.isolated
		switch r.phase {
		case model.PhaseRunning:
			st = st.Start(st.CreatedAt)
		case model.PhaseSucceeded:
			st = st.Start(st.CreatedAt).Succeed(st.CreatedAt.Add(time.Second), "")
		case model.PhaseFailed:
			st = st.Start(st.CreatedAt).Fail(st.CreatedAt.Add(time.Second), model.Failure{Code: model.CodeNoApplicableCode, Message: "boom"})
		}
		require.NoError(t, s.Save(context.Background(), st))
	}
	return s
}

func owners(p Page) []string {
	out := make([]string, len(p.Executions))
	for i, st := range p.Executions {
		out[i] = st.Owner
	}
	return out
}

func TestAnonymousSeesNothing(t *testing.T) {
	e := NewEngine(seedStore(t))
	p, err := e.ListExecutions(context.Background(), Request{IsAdmin: true})
	require.NoError(t, err)
	assert.Empty(t, p.Executions)
	assert.Zero(t, p.Count)
	assert.Empty(t, p.Previous)
	assert.Empty(t, p.Next)
}

func TestOwnerSeesOwnNonIsolated(t *testing.T) {
	e := NewEngine(seedStore(t))
	p, err := e.ListExecutions(context.Background(), Request{Requestor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Count)
	assert.Equal(t, []string{"alice", "alice"}, owners(p))
	for _, st := range p.Executions {
		assert.False(t, st.Isolated)
	}

	p, err = e.ListExecutions(context.Background(), Request{Requestor: "alice", Owner: "bob"})
	require.NoError(t, err)
	assert.Zero(t, p.Count, "a non-admin cannot widen visibility with an owner filter")
}

func TestAdminSeesAllNonIsolated(t *testing.T) {
	e := NewEngine(seedStore(t))
	p, err := e.ListExecutions(context.Background(), Request{Requestor: "root", IsAdmin: true})
	require.NoError(t, err)
	assert.Equal(t, 4, p.Count)
	assert.Equal(t, []string{"alice", "alice", "bob", ""}, owners(p))

	p, err = e.ListExecutions(context.Background(), Request{Requestor: "root", IsAdmin: true, Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, owners(p))

	p, err = e.ListExecutions(context.Background(), Request{Requestor: "root", IsAdmin: true, Identifier: "gs:Clip"})
	require.NoError(t, err)
	require.Equal(t, 1, p.Count)
	assert.Equal(t, "Clip", p.Executions[0].Name.Local)
}

func TestCallerFilterAndSort(t *testing.T) {
	e := NewEngine(seedStore(t))
	p, err := e.ListExecutions(context.Background(), Request{
		Requestor: "root",
		IsAdmin:   true,
		Filter:    store.Func{Name: store.FuncUpper, Field: store.FieldProcessName, Op: store.OpEq, Value: "BUFFER"},
		Sort:      []store.SortBy{{Field: store.FieldCreatedAt, Desc: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Count)
	assert.Equal(t, []string{"", "bob", "alice"}, owners(p))
}

func TestPagingLinks(t *testing.T) {
	e := NewEngine(seedStore(t))
	ctx := context.Background()
	admin := Request{Requestor: "root", IsAdmin: true}

	first := admin
	first.MaxCount = 2
	p, err := e.ListExecutions(ctx, first)
	require.NoError(t, err)
	assert.Len(t, p.Executions, 2)
	assert.Equal(t, 4, p.Count)
	assert.Empty(t, p.Previous)
	assert.Equal(t, "startIndex=2&maxCount=2", p.Next)

	second := admin
	second.StartIndex, second.MaxCount = 2, 2
	p, err = e.ListExecutions(ctx, second)
	require.NoError(t, err)
	assert.Len(t, p.Executions, 2)
	assert.Equal(t, "startIndex=0&maxCount=2", p.Previous)
	assert.Empty(t, p.Next)

	beyond := admin
	beyond.StartIndex, beyond.MaxCount = 10, 2
	p, err = e.ListExecutions(ctx, beyond)
	require.NoError(t, err)
	assert.Empty(t, p.Executions)
	assert.Equal(t, 4, p.Count)
}

func TestLinks(t *testing.T) {
	tests := []struct {
		start, max, count int
		prev, next        string
	}{
		{0, 0, 10, "", ""},
		{0, 5, 10, "", "startIndex=5&maxCount=5"},
		{5, 5, 10, "startIndex=0&maxCount=5", ""},
		{3, 5, 10, "startIndex=0&maxCount=3", "startIndex=8&maxCount=5"},
		{4, 0, 10, "startIndex=0&maxCount=4", ""},
		{0, 5, 5, "", ""},
	}
	for _, tt := range tests {
		prev, next := links(tt.start, tt.max, tt.count)
		assert.Equal(t, tt.prev, prev, "prev for %+v", tt)
		assert.Equal(t, tt.next, next, "next for %+v", tt)
	}
}

func TestRemoveRequiresAdmin(t *testing.T) {
	e := NewEngine(seedStore(t))
	_, err := e.Remove(context.Background(), "alice", false, nil)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = e.Remove(context.Background(), "", true, nil)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRemoveSkipsLiveExecutions(t *testing.T) {
	s := seedStore(t)
	e := NewEngine(s)

	n, err := e.Remove(context.Background(), "root", true, store.Eq(store.FieldOwner, "alice"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := s.List(context.Background(), store.Query{Filter: store.Eq(store.FieldOwner, "alice")})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, model.PhaseRunning, left[0].Phase)
}
