package merge

import "errors"

var (
	// ErrSourceUnavailable means the rule's raw output could not be read.
	ErrSourceUnavailable = errors.New("finding source unavailable")
	// ErrMalformedRecord means a raw row could not be coerced into an alert.
	ErrMalformedRecord = errors.New("malformed finding")
	// ErrStoreUnavailable means existing alerts could not be read.
	ErrStoreUnavailable = errors.New("alert store unavailable")
	// ErrStoreWriteFailed means the atomic write could not be committed.
	ErrStoreWriteFailed = errors.New("alert store write failed")
	// ErrConcurrentModification means another invocation changed the rows this one read.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrAggregationConflict means the working set violates a grouping invariant.
	ErrAggregationConflict = errors.New("aggregation conflict")
	// ErrInvalidWindow means the invocation window is unset or reversed.
	ErrInvalidWindow = errors.New("invalid window")
	// ErrInvalidRule means the invocation rule id is empty.
	ErrInvalidRule = errors.New("invalid rule id")
	// ErrIngestUnsupported means the configured source does not accept findings.
	ErrIngestUnsupported = errors.New("finding source does not accept ingestion")
)

// Retryable reports whether re-running the whole invocation may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrStoreWriteFailed) ||
		errors.Is(err, ErrConcurrentModification)
}

// errorClass maps an invocation error to a short metrics label.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrInvalidRule):
		return "invalid"
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrMalformedRecord):
		return "malformed"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrStoreWriteFailed):
		return "write_failed"
	case errors.Is(err, ErrAggregationConflict):
		return "aggregation_conflict"
	default:
		return "error"
	}
}
