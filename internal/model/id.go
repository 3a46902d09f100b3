package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as an execution identifier.
// ULIDs sort lexicographically by creation time, which keeps the store's
// executionId tie-break roughly in submission order.
func NewID() string {
	return ulid.Make().String()
}
