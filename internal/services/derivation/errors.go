package derivation

import "errors"

var (
	// ErrInvalidInspection is not retryable: the caller must fix the input.
	ErrInvalidInspection = errors.New("invalid inspection")
	// ErrPartialFailure means some writes landed; Report.Failed lists the item
	// ids to retry.
	ErrPartialFailure = errors.New("derivation partially failed")
	// ErrStoreUnavailable means no write landed.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Error carries the outcome of a failed derivation run.
type Error struct {
	Kind         error
	InspectionID string
	Failed       []string
	Err          error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.InspectionID != "" {
		msg += " " + e.InspectionID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *Error) Retryable() bool { return e.Kind != ErrInvalidInspection }
