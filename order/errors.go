package order

import "errors"

// Sentinel errors backing the taxonomy from spec_full.md §3.2. Callers
// should use errors.Is against these, not string comparison.
var (
	// ErrValidation marks a malformed order: missing a required price,
	// invalid bracket price ordering, an OCO group with fewer than two
	// members. Raised at construction time; never surfaces as an event.
	ErrValidation = errors.New("order: validation failed")

	// ErrPreconditionFailed marks an operation attempted from the wrong
	// state: submitting a completed order, cancelling a terminal one.
	ErrPreconditionFailed = errors.New("order: precondition failed")

	// ErrBrokerRejection marks a broker-side rejection or the inability to
	// obtain a broker order id.
	ErrBrokerRejection = errors.New("order: broker rejected")

	// ErrBrokerTransport marks a transport-level failure calling into the
	// broker gateway.
	ErrBrokerTransport = errors.New("order: broker transport failure")

	// ErrReplaceFailure marks exhaustion of the Fill Manager's
	// cancel-then-create retry budget.
	ErrReplaceFailure = errors.New("order: replace failed")
)
