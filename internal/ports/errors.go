package ports

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConflict is reported by InsertMany for a key that already exists.
	ErrConflict = errors.New("record already exists")
	// ErrSubscriptionLost reports that a change feed dropped underneath a subscriber.
	ErrSubscriptionLost = errors.New("subscription lost")
)

// StoreError is a transport or availability failure of the record store. It is
// always retryable and names enough context to retry narrowly.
type StoreError struct {
	Collection Collection
	Op         string
	Keys       []string
	Err        error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "store %s %s", e.Op, e.Collection)
	if len(e.Keys) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Keys, ","))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Retryable() bool { return true }

// IsRetryable reports whether err, or anything it wraps, is marked retryable.
// Context deadlines count as retryable; cancellation does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
