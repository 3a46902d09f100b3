// Package store persists execution status snapshots and answers filtered,
// sorted and paginated queries over them.
package store

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/geoexec/internal/model"
)

var (
	// ErrNotFound is returned when an execution is not in the store.
	ErrNotFound = errors.New("execution not found")

	// ErrInvalidFilter is returned when a query references an unknown field,
	// an operator the field does not support, or a value of the wrong type.
	ErrInvalidFilter = errors.New("invalid filter")
)

// SortBy orders results by one field. Ties are always broken by executionId
// ascending.
type SortBy struct {
	Field Field
	Desc  bool
}

// Query selects, orders and windows statuses. A nil Filter matches every
// record and MaxCount <= 0 means no upper bound.
type Query struct {
	Filter     Filter
	Sort       []SortBy
	StartIndex int
	MaxCount   int
}

// Store defines the persistence operations for execution statuses.
//
// Implementations store and return copies: a status passed to Save
// or returned from Get/List never aliases a stored value. All operations are
// safe for concurrent use and linearizable.
type Store interface {
	Save(ctx context.Context, s model.ExecutionStatus) error
	Get(ctx context.Context, id string) (model.ExecutionStatus, error)
	List(ctx context.Context, q Query) ([]model.ExecutionStatus, error)
	Count(ctx context.Context, f Filter) (int, error)
	Remove(ctx context.Context, f Filter) (int, error)
	Close() error
}

func validateQuery(q Query) error {
	if err := Validate(q.Filter); err != nil {
		return err
	}
	for _, sb := range q.Sort {
		if _, ok := fieldKinds[sb.Field]; !ok {
			return errors.Wrapf(ErrInvalidFilter, "unknown sort field %q", sb.Field)
		}
	}
	return nil
}

// window applies StartIndex/MaxCount to an already ordered slice. A start
// beyond the end yields an empty slice.
func window[T any](items []T, start, max int) []T {
	if start < 0 {
		start = 0
	}
	if start >= len(items) {
		return []T{}
	}
	items = items[start:]
	if max > 0 && max < len(items) {
		items = items[:max]
	}
	return items
}
