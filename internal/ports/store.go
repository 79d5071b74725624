package ports

import (
	"context"
	"time"
)

// Collection names a logical record collection in the store.
type Collection string

const (
	Inspections       Collection = "inspections"
	CorrectiveActions Collection = "corrective_actions"
)

// Record is one stored row. Fields hold JSON-compatible values; CreatedAt and
// UpdatedAt are maintained by the store and ignored on writes.
type Record struct {
	Key       string
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Order int

const (
	OrderCreatedDesc Order = iota
	OrderCreatedAsc
)

// Condition is an equality match on a top-level string field.
type Condition struct {
	Field  string
	Equals string
}

// Query selects records of one collection. Empty Keys means all keys.
type Query struct {
	Keys  []string
	Where []Condition
	Order Order
}

// RecordStore is the contract the core consumes from the persistent store.
type RecordStore interface {
	Query(ctx context.Context, c Collection, q Query) ([]Record, error)
	// Upsert merges fields into the record with key, creating it when absent.
	// Fields not present in the map are left untouched on an existing row.
	Upsert(ctx context.Context, c Collection, key string, fields map[string]any) error
	// InsertMany creates records in one batch. The returned slice is parallel to
	// recs; an entry is ErrConflict when the key already exists.
	InsertMany(ctx context.Context, c Collection, recs []Record) []error
	// Delete removes the record with key. Deleting a missing key is not an error.
	Delete(ctx context.Context, c Collection, key string) error
	Subscribe(ctx context.Context, c Collection, mask EventMask) (Subscription, error)
}
