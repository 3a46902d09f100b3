// Package query lists executions for a caller, scoping what each caller may
// see and computing paging links.
package query

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/geoexec/internal/model"
	"github.com/seantiz/geoexec/internal/store"
)

// ErrForbidden is returned when a caller may not perform an operation.
var ErrForbidden = errors.New("operation requires an administrator")

// defaultSort orders listings oldest first.
var defaultSort = []store.SortBy{{Field: store.FieldCreatedAt}}

// Request describes one listing.
type Request struct {
	// Requestor is the resolved principal; empty is anonymous.
	Requestor string
	IsAdmin   bool
	// Filter further narrows the visible executions.
	Filter store.Filter
	// Owner and Identifier narrow the listing to one owner or one process
	// name ("ns:local").
	Owner      string
	Identifier string
	Sort       []store.SortBy
	StartIndex int
	// MaxCount <= 0 returns everything from StartIndex on.
	MaxCount int
}

// Page is one window of a listing. Count is the number of visible matches
// before windowing. Previous and Next are "startIndex=X&maxCount=Y" or empty
// when there is no such page.
type Page struct {
	Executions []model.ExecutionStatus `json:"executions"`
	Count      int                     `json:"count"`
	Previous   string                  `json:"previous"`
	Next       string                  `json:"next"`
}

// Engine answers listings over a status store.
type Engine struct {
	store store.Store
}

// NewEngine creates a query engine reading from s.
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// ListExecutions returns the executions visible to the requestor. Anonymous
// callers see nothing. Administrators see every non-isolated execution;
// everyone else sees only their own.
func (e *Engine) ListExecutions(ctx context.Context, req Request) (Page, error) {
	if req.Requestor == "" {
		return Page{Executions: []model.ExecutionStatus{}}, nil
	}
	if req.StartIndex < 0 {
		req.StartIndex = 0
	}

	f := visibility(req)
	count, err := e.store.Count(ctx, f)
	if err != nil {
		return Page{}, errors.Wrap(err, "count executions")
	}

	sort := req.Sort
	if len(sort) == 0 {
		sort = defaultSort
	}
	items, err := e.store.List(ctx, store.Query{
		Filter:     f,
		Sort:       sort,
		StartIndex: req.StartIndex,
		MaxCount:   req.MaxCount,
	})
	if err != nil {
		return Page{}, errors.Wrap(err, "list executions")
	}

	prev, next := links(req.StartIndex, req.MaxCount, count)
	return Page{Executions: items, Count: count, Previous: prev, Next: next}, nil
}

func visibility(req Request) store.Filter {
	f := store.And{store.Eq(store.FieldIsolated, false)}
	if !req.IsAdmin {
		f = append(f, store.Eq(store.FieldOwner, req.Requestor))
	}
	if req.Owner != "" {
		f = append(f, store.Eq(store.FieldOwner, req.Owner))
	}
	if req.Identifier != "" {
		f = append(f, store.Eq(store.FieldIdentifier, req.Identifier))
	}
	if req.Filter != nil {
		f = append(f, req.Filter)
	}
	return f
}

func links(start, max, count int) (prev, next string) {
	if start > 0 {
		ps, pm := start-max, max
		if max <= 0 {
			ps, pm = 0, start
		}
		if ps < 0 {
			ps, pm = 0, start
		}
		prev = link(ps, pm)
	}
	if max > 0 && start+max < count {
		next = link(start+max, max)
	}
	return prev, next
}

func link(start, max int) string {
	return fmt.Sprintf("startIndex=%d&maxCount=%d", start, max)
}

// Remove deletes the terminal executions matching f and returns how many
// were removed. Live executions are never removed. Only administrators may
// remove.
func (e *Engine) Remove(ctx context.Context, requestor string, isAdmin bool, f store.Filter) (int, error) {
	if requestor == "" || !isAdmin {
		return 0, ErrForbidden
	}
	target := store.And{store.Terminal}
	if f != nil {
		target = append(target, f)
	}
	n, err := e.store.Remove(ctx, target)
	if err != nil {
		return 0, errors.Wrap(err, "remove executions")
	}
	return n, nil
}
