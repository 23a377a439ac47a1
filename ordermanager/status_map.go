package ordermanager

import "github.com/epic1st/rtx/ordercore/order"

// mapBrokerStatus translates the reference broker's status strings into the
// shared lattice, per spec_full.md §11 / spec.md §4.2. Unknown strings
// return ok=false so the caller can log a warning and leave state
// unchanged, rather than guessing.
func mapBrokerStatus(brokerStatus string) (order.Status, bool) {
	switch brokerStatus {
	case "Submitted":
		return order.StatusSubmitted, true
	case "PreSubmitted", "ApiPending":
		return order.StatusAccepted, true
	case "Partially Filled":
		return order.StatusPartiallyFilled, true
	case "Filled":
		return order.StatusFilled, true
	case "PendingSubmit":
		return order.StatusPendingSubmit, true
	case "PendingCancel":
		return order.StatusPendingCancel, true
	case "Cancelled":
		return order.StatusCancelled, true
	case "Inactive":
		// The original source maps this to a status that was never
		// defined. Treated as a bug there; here it is an explicit
		// terminal non-fill outcome.
		return order.StatusCancelled, true
	default:
		return "", false
	}
}

// inactiveCancelReason is attached when a broker reports Inactive, so the
// cancellation is distinguishable in logs/events from a user-initiated one.
const inactiveCancelReason = "broker marked inactive"
