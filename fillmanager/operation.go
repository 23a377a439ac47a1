package fillmanager

import "github.com/shopspring/decimal"

// opKind distinguishes the three queued operation shapes named in
// spec_full.md §6 / spec.md §4.3.
type opKind string

const (
	opReplaceStop   opKind = "replace_stop"
	opReplaceTarget opKind = "replace_target"
	opCancelAll     opKind = "cancel_all"
)

// operation is one queued unit of work for a symbol's worker. ReplaceStop
// and ReplaceTarget carry the old order to cancel, the corrected signed
// quantity, and the price to preserve (replace, don't modify). CancelAll
// carries only a reason.
type operation struct {
	kind       opKind
	symbol     string
	oldOrderID string
	quantity   decimal.Decimal
	price      decimal.Decimal
	reason     string
}
