// Package events defines the immutable notification records emitted by the
// Order Manager and Unified Fill Manager, and the pub/sub bus that carries
// them to subscribers.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies the concrete shape of an Event.
type Type string

const (
	TypeNewOrder    Type = "new_order"
	TypeOrderStatus Type = "order_status"
	TypeFill        Type = "fill"
	TypeCancel      Type = "cancel"
	TypeReject      Type = "reject"
	TypeOrderGroup  Type = "order_group"
)

// Event is implemented by every record the bus can dispatch.
type Event interface {
	Type() Type
	OccurredAt() time.Time
}

// NewOrder is emitted the moment an order is constructed and registered.
type NewOrder struct {
	OrderID    string
	Symbol     string
	OrderType  string
	Quantity   decimal.Decimal
	LimitPrice *decimal.Decimal
	StopPrice  *decimal.Decimal
	CreateTime time.Time
}

func (e NewOrder) Type() Type            { return TypeNewOrder }
func (e NewOrder) OccurredAt() time.Time { return e.CreateTime }

// OrderStatus is emitted on every status-lattice transition.
type OrderStatus struct {
	OrderID      string
	PreviousStat string
	NewStat      string
	StatusTime   time.Time
	Reason       string
}

func (e OrderStatus) Type() Type            { return TypeOrderStatus }
func (e OrderStatus) OccurredAt() time.Time { return e.StatusTime }

// Fill is emitted whenever an order accumulates an execution.
type Fill struct {
	OrderID           string
	FillID            string
	Symbol            string
	FillQuantity      decimal.Decimal // signed: positive = buy-side execution
	FillPrice         decimal.Decimal
	CumulativeFilled  decimal.Decimal
	RemainingQuantity decimal.Decimal
	IsPartial         bool
	Status            string
	Commission        *decimal.Decimal
	FillTime          time.Time
}

func (e Fill) Type() Type            { return TypeFill }
func (e Fill) OccurredAt() time.Time { return e.FillTime }

// Cancel is emitted when an order moves onto the cancellation path.
type Cancel struct {
	OrderID         string
	Reason          string
	CancelTime      time.Time
	UserInitiated   bool
}

func (e Cancel) Type() Type            { return TypeCancel }
func (e Cancel) OccurredAt() time.Time { return e.CancelTime }

// Reject is emitted when submitting an order fails: no broker order id could
// be obtained, or the gateway's place-order call failed. Validation and
// precondition errors are returned to the caller and emit no Reject.
type Reject struct {
	OrderID      string
	Reason       string
	ErrorCode    string
	ErrorMessage string
	RejectTime   time.Time
}

func (e Reject) Type() Type            { return TypeReject }
func (e Reject) OccurredAt() time.Time { return e.RejectTime }

// GroupType distinguishes the two order-group shapes.
type GroupType string

const (
	GroupBracket GroupType = "bracket"
	GroupOCO     GroupType = "oco"
)

// OrderGroup is emitted when a bracket or OCO group is created (and again
// when a bracket's children are materialized).
type OrderGroup struct {
	GroupID    string
	GroupType  GroupType
	OrderIDs   []string
	OccurredTm time.Time
}

func (e OrderGroup) Type() Type            { return TypeOrderGroup }
func (e OrderGroup) OccurredAt() time.Time { return e.OccurredTm }
