package ports

// Op is the kind of change a store event reports.
type Op uint8

const (
	OpInsert Op = 1 << iota
	OpUpdate
	OpDelete

	OpAll = OpInsert | OpUpdate | OpDelete
)

// EventMask selects which ops a subscription receives.
type EventMask = Op

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpAll:
		return "all"
	}
	return "unknown"
}

// ParseOp maps a feed op name to an Op. Unknown names map to zero.
func ParseOp(s string) Op {
	switch s {
	case "insert", "INSERT":
		return OpInsert
	case "update", "UPDATE":
		return OpUpdate
	case "delete", "DELETE":
		return OpDelete
	}
	return 0
}

// ChangeEvent signals that something changed in a collection. Consumers must
// not rely on Key for correctness; the feed only guarantees "something changed".
type ChangeEvent struct {
	Collection Collection
	Op         Op
	Key        string
}

// Subscription is an open change feed on one collection.
//
// Events is closed when the feed ends. Err then reports why: nil after
// Unsubscribe, ErrSubscriptionLost (possibly wrapped) when the feed dropped.
// Unsubscribe is safe to call more than once.
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Unsubscribe()
}
