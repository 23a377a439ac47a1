package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Group is the common shape shared by bracket and OCO groupings: an id, its
// member orders, and bookkeeping timestamps. Orders are held by reference —
// the same *Order instances the Order Manager's registry holds, since the
// registry is the sole owner of order state; groups only classify.
type Group struct {
	GroupID        string
	Orders         map[string]*Order
	CreateTime     time.Time
	LastUpdateTime time.Time
	Metadata       map[string]string
}

func newGroup() Group {
	now := time.Now()
	return Group{
		GroupID:        uuid.NewString(),
		Orders:         make(map[string]*Order),
		CreateTime:     now,
		LastUpdateTime: now,
		Metadata:       make(map[string]string),
	}
}

// AddOrder registers an order as a member of the group.
func (g *Group) AddOrder(o *Order) {
	g.Orders[o.OrderID] = o
	g.LastUpdateTime = time.Now()
}

// GetOrder returns a member order by id.
func (g *Group) GetOrder(id string) (*Order, bool) {
	o, ok := g.Orders[id]
	return o, ok
}

// IsActive reports whether any member order is active or pending. A member
// in PendingCancel does not count.
func (g *Group) IsActive() bool {
	for _, o := range g.Orders {
		if o.IsActive() || o.IsPending() {
			return true
		}
	}
	return false
}

// IsComplete reports whether every member order has reached a terminal
// state.
func (g *Group) IsComplete() bool {
	for _, o := range g.Orders {
		if !o.IsComplete() {
			return false
		}
	}
	return true
}

// FilledOrders returns the subset of members that have fully filled.
func (g *Group) FilledOrders() []*Order {
	var out []*Order
	for _, o := range g.Orders {
		if o.IsFilled() {
			out = append(out, o)
		}
	}
	return out
}

// CancelAll cancels every active member and returns how many transitions
// actually occurred.
func (g *Group) CancelAll(reason string) (int, error) {
	n := 0
	for _, o := range g.Orders {
		changed, err := o.Cancel(reason)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// BracketOrder couples one entry order with stop-loss and take-profit
// children that are not materialized until the entry reports its first
// fill. child_orders_created gates that materialization so it happens
// exactly once, per spec_full.md §4.4.
type BracketOrder struct {
	Group

	Entry             *Order
	StopLossPrice     decimal.Decimal
	TakeProfitPrice   decimal.Decimal
	StopOrderID       *string
	TakeProfitOrderID *string

	ChildOrdersCreated bool
}

// NewBracketOrder validates the bracket's price ordering and constructs the
// entry order. Stop and target orders are not created until HandleEntryFill.
func NewBracketOrder(symbol string, quantity decimal.Decimal, side Side, entryType Type, entryPrice *decimal.Decimal, stopLoss, takeProfit decimal.Decimal, tif TimeInForce) (*BracketOrder, error) {
	if err := validateBracketPrices(side, entryPrice, stopLoss, takeProfit); err != nil {
		return nil, err
	}

	var opts []Option
	if entryPrice != nil {
		opts = append(opts, WithLimitPrice(*entryPrice))
	}
	opts = append(opts, WithTimeInForce(tif))

	entry, err := New(symbol, quantity, side, entryType, opts...)
	if err != nil {
		return nil, err
	}

	b := &BracketOrder{
		Group:           newGroup(),
		Entry:           entry,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
	}
	b.AddOrder(entry)
	entry.GroupID = &b.GroupID

	return b, nil
}

func validateBracketPrices(side Side, entryPrice *decimal.Decimal, stopLoss, takeProfit decimal.Decimal) error {
	if !stopLoss.IsPositive() || !takeProfit.IsPositive() {
		return fmt.Errorf("bracket stop and target prices must be positive: %w", ErrValidation)
	}
	if entryPrice == nil {
		return nil // market entry: reference price resolves at fill time
	}
	if side == SideBuy {
		if !(stopLoss.LessThan(*entryPrice) && entryPrice.LessThan(takeProfit)) {
			return fmt.Errorf("long bracket requires stop_loss(%s) < entry(%s) < take_profit(%s): %w", stopLoss, *entryPrice, takeProfit, ErrValidation)
		}
	} else {
		if !(takeProfit.LessThan(*entryPrice) && entryPrice.LessThan(stopLoss)) {
			return fmt.Errorf("short bracket requires take_profit(%s) < entry(%s) < stop_loss(%s): %w", takeProfit, *entryPrice, stopLoss, ErrValidation)
		}
	}
	return nil
}

// HandleEntryFill materializes the stop and target children at the first
// entry fill. It is a no-op if children were already created. The children
// are constructed atomically: either both succeed, or ChildOrdersCreated
// stays false for a later retry.
func (b *BracketOrder) HandleEntryFill(fillPrice decimal.Decimal) (stop *Order, target *Order, err error) {
	if b.ChildOrdersCreated {
		return nil, nil, nil
	}

	childQty := b.Entry.Quantity.Neg()
	childSide := SideSell
	if b.Entry.IsBuy() {
		childSide = SideSell
	} else {
		childSide = SideBuy
	}
	_ = fillPrice // reference price for logging only; stored prices are authoritative

	stop, err = New(b.Entry.Symbol, childQty, childSide, TypeStop,
		WithStopPrice(b.StopLossPrice), WithTimeInForce(TIFGTC), WithParentID(b.Entry.OrderID), WithGroupID(b.GroupID))
	if err != nil {
		return nil, nil, err
	}
	target, err = New(b.Entry.Symbol, childQty, childSide, TypeLimit,
		WithLimitPrice(b.TakeProfitPrice), WithTimeInForce(TIFGTC), WithParentID(b.Entry.OrderID), WithGroupID(b.GroupID))
	if err != nil {
		return nil, nil, err
	}

	stop.OCOOrderIDs = []string{target.OrderID}
	target.OCOOrderIDs = []string{stop.OrderID}

	b.AddOrder(stop)
	b.AddOrder(target)
	b.StopOrderID = &stop.OrderID
	b.TakeProfitOrderID = &target.OrderID
	b.ChildOrdersCreated = true

	return stop, target, nil
}

// OCOGroup is a set of two or more orders where the first fill cancels all
// remaining siblings. Cancellation of one member, by contrast, does not
// cancel the rest (user cancellation is distinct from fill).
type OCOGroup struct {
	Group
}

// NewOCOGroup links orders together mutually (each order's OCOOrderIDs
// lists every other member) and returns the group. At least two orders are
// required.
func NewOCOGroup(orders []*Order) (*OCOGroup, error) {
	if len(orders) < 2 {
		return nil, fmt.Errorf("OCO group requires at least 2 orders, got %d: %w", len(orders), ErrValidation)
	}

	g := &OCOGroup{Group: newGroup()}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	for _, o := range orders {
		var siblings []string
		for _, id := range ids {
			if id != o.OrderID {
				siblings = append(siblings, id)
			}
		}
		o.OCOOrderIDs = siblings
		o.GroupID = &g.GroupID
		g.AddOrder(o)
	}
	return g, nil
}

// OnFill cancels every sibling of filledOrderID and returns the orders that
// were actually transitioned.
func (g *OCOGroup) OnFill(filledOrderID string) ([]*Order, error) {
	var cancelled []*Order
	for id, o := range g.Orders {
		if id == filledOrderID {
			continue
		}
		changed, err := o.Cancel("OCO order filled")
		if err != nil {
			return cancelled, err
		}
		if changed {
			cancelled = append(cancelled, o)
		}
	}
	return cancelled, nil
}
