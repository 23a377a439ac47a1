package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var defaultFillEpsilon = decimal.New(1, -6) // 1e-6

// FillRecord is one execution applied to an order.
type FillRecord struct {
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission *decimal.Decimal
	Time       time.Time
}

// Order is the mutable in-memory record for a single broker order. It has
// no knowledge of the registry, the gateway, or the event bus; those are
// the Order Manager's concerns. Order only enforces its own invariants.
type Order struct {
	OrderID       string
	BrokerOrderID *string

	Symbol      string
	Quantity    decimal.Decimal // signed: positive = buy, negative = sell
	Side        Side
	OrderType   Type
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce TimeInForce
	ExpiryDate  *time.Time
	ParentID    *string
	GroupID     *string

	// OCOOrderIDs lists the sibling order ids in this order's OCO group,
	// if any. Modeled as a typed field rather than a generic metadata bag,
	// per the metadata-bag-to-typed-extensions design note.
	OCOOrderIDs []string

	// Metadata carries host-supplied extension data that has no typed
	// home here (e.g. a strategy tag). Never used internally for control
	// flow.
	Metadata map[string]string

	Status Status

	CreateTime     time.Time
	SubmitTime     *time.Time
	FillTime       *time.Time
	CancelTime     *time.Time
	LastUpdateTime time.Time
	StatusTime     time.Time

	FilledQuantity    decimal.Decimal // unsigned
	RemainingQuantity decimal.Decimal
	AvgFillPrice      decimal.Decimal
	LastFillPrice     decimal.Decimal
	LastFillTime      *time.Time
	Commission        decimal.Decimal
	Fills             []FillRecord

	Reason       string
	ErrorCode    string
	ErrorMessage string

	// dedupExecIDs tracks execution ids already applied, so a duplicate
	// execution report (same exec_id delivered twice) is a no-op.
	dedupExecIDs map[string]bool

	fillEpsilon decimal.Decimal
}

// New constructs and validates an Order. quantity's sign determines side
// unless side is passed explicitly, in which case |quantity| is re-signed
// to match it.
func New(symbol string, quantity decimal.Decimal, side Side, orderType Type, opts ...Option) (*Order, error) {
	o := &Order{
		OrderID:           uuid.NewString(),
		Symbol:            symbol,
		OrderType:         orderType,
		TimeInForce:       TIFDay,
		Status:            StatusCreated,
		Metadata:          make(map[string]string),
		dedupExecIDs:      make(map[string]bool),
		fillEpsilon:       defaultFillEpsilon,
		FilledQuantity:    decimal.Zero,
		AvgFillPrice:      decimal.Zero,
		LastFillPrice:     decimal.Zero,
		Commission:        decimal.Zero,
	}

	now := time.Now()
	o.CreateTime = now
	o.LastUpdateTime = now
	o.StatusTime = now

	if side == "" {
		if quantity.Sign() < 0 {
			side = SideSell
		} else {
			side = SideBuy
		}
	}
	o.Side = side

	abs := quantity.Abs()
	if side == SideSell {
		o.Quantity = abs.Neg()
	} else {
		o.Quantity = abs
	}
	o.RemainingQuantity = abs

	for _, opt := range opts {
		opt(o)
	}

	if err := o.validate(); err != nil {
		return nil, err
	}

	return o, nil
}

// Option configures an Order at construction time.
type Option func(*Order)

func WithLimitPrice(p decimal.Decimal) Option {
	return func(o *Order) { o.LimitPrice = &p }
}

func WithStopPrice(p decimal.Decimal) Option {
	return func(o *Order) { o.StopPrice = &p }
}

func WithTimeInForce(tif TimeInForce) Option {
	return func(o *Order) { o.TimeInForce = tif }
}

func WithExpiryDate(t time.Time) Option {
	return func(o *Order) { o.ExpiryDate = &t }
}

func WithParentID(id string) Option {
	return func(o *Order) { o.ParentID = &id }
}

func WithGroupID(id string) Option {
	return func(o *Order) { o.GroupID = &id }
}

func WithFillEpsilon(eps decimal.Decimal) Option {
	return func(o *Order) { o.fillEpsilon = eps }
}

func (o *Order) validate() error {
	if o.OrderType.requiresLimitPrice() && o.LimitPrice == nil {
		return fmt.Errorf("%s order requires a limit price: %w", o.OrderType, ErrValidation)
	}
	if o.OrderType.requiresStopPrice() && o.StopPrice == nil {
		return fmt.Errorf("%s order requires a stop price: %w", o.OrderType, ErrValidation)
	}
	if o.TimeInForce == TIFGTD && o.ExpiryDate == nil {
		return fmt.Errorf("GTD order requires an expiry date: %w", ErrValidation)
	}
	if o.Quantity.IsZero() {
		return fmt.Errorf("order quantity must be non-zero: %w", ErrValidation)
	}
	return nil
}

// IsActive reports whether the order is in a non-terminal broker-known
// state.
func (o *Order) IsActive() bool { return o.Status.IsActive() }

// IsFilled reports whether the order has reached the Filled state.
func (o *Order) IsFilled() bool { return o.Status == StatusFilled }

// IsComplete reports whether the order has reached a terminal state.
func (o *Order) IsComplete() bool { return o.Status.IsComplete() }

// IsPending reports whether the order precedes broker acknowledgment.
func (o *Order) IsPending() bool { return o.Status.IsPending() }

// IsBuy reports whether this is a buy-side order.
func (o *Order) IsBuy() bool { return o.Side == SideBuy }

// FillPercentage returns filled/|quantity| as a float in [0, 1].
func (o *Order) FillPercentage() float64 {
	total := o.Quantity.Abs()
	if total.IsZero() {
		return 0
	}
	f, _ := o.FilledQuantity.Div(total).Float64()
	return f
}

// UpdateStatus transitions the order to newStatus. It is a no-op (returns
// false) if newStatus equals the current status. Re-entering a non-terminal
// state from a terminal one is forbidden.
func (o *Order) UpdateStatus(newStatus Status, reason string) (bool, error) {
	if o.Status == newStatus {
		return false, nil
	}
	if o.Status.IsComplete() && !newStatus.IsComplete() {
		return false, fmt.Errorf("cannot move order %s from terminal state %s to %s: %w", o.OrderID, o.Status, newStatus, ErrPreconditionFailed)
	}

	now := time.Now()
	switch newStatus {
	case StatusSubmitted:
		if o.SubmitTime == nil {
			o.SubmitTime = &now
		}
	case StatusFilled:
		if o.FillTime == nil {
			o.FillTime = &now
		}
	case StatusCancelled:
		if o.CancelTime == nil {
			o.CancelTime = &now
		}
	}

	o.Status = newStatus
	o.LastUpdateTime = now
	o.StatusTime = now
	if reason != "" {
		o.Reason = reason
	}
	return true, nil
}

// AddFill applies an execution to the order. qty must be strictly positive
// and not exceed the remaining quantity. An invalid fill is rejected with
// false and an ErrValidation-wrapped error, leaving the order unchanged.
func (o *Order) AddFill(qty, price decimal.Decimal, commission *decimal.Decimal, at time.Time) (bool, error) {
	if qty.Sign() <= 0 {
		return false, fmt.Errorf("fill quantity must be positive, got %s: %w", qty, ErrValidation)
	}
	if qty.GreaterThan(o.RemainingQuantity) {
		return false, fmt.Errorf("fill quantity %s exceeds remaining %s: %w", qty, o.RemainingQuantity, ErrValidation)
	}
	if at.IsZero() {
		at = time.Now()
	}

	prevFilled := o.FilledQuantity
	o.Fills = append(o.Fills, FillRecord{Quantity: qty, Price: price, Commission: commission, Time: at})

	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.RemainingQuantity = o.Quantity.Abs().Sub(o.FilledQuantity)
	if o.RemainingQuantity.Sign() < 0 {
		o.RemainingQuantity = decimal.Zero
	}

	// Incremental quantity-weighted mean: avg = (prevFilled*avg + qty*price) / filledQty
	if o.FilledQuantity.Sign() > 0 {
		weighted := prevFilled.Mul(o.AvgFillPrice).Add(qty.Mul(price))
		o.AvgFillPrice = weighted.Div(o.FilledQuantity)
	}

	o.LastFillPrice = price
	o.LastFillTime = &at
	if commission != nil {
		o.Commission = o.Commission.Add(*commission)
	}

	if o.RemainingQuantity.LessThanOrEqual(o.fillEpsilon) {
		if _, err := o.UpdateStatus(StatusFilled, ""); err != nil {
			return false, err
		}
	} else {
		if _, err := o.UpdateStatus(StatusPartiallyFilled, ""); err != nil {
			return false, err
		}
	}

	return true, nil
}

// Cancel moves an active or pending order onto the cancellation path.
// Returns false if the order is already terminal.
func (o *Order) Cancel(reason string) (bool, error) {
	if o.Status.IsComplete() {
		return false, nil
	}
	changed, err := o.UpdateStatus(StatusPendingCancel, reason)
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Reject sets the order to Rejected and stores the failure triplet.
func (o *Order) Reject(reason, errorCode, errorMessage string) error {
	o.ErrorCode = errorCode
	o.ErrorMessage = errorMessage
	_, err := o.UpdateStatus(StatusRejected, reason)
	return err
}

// Expire sets the order to Expired.
func (o *Order) Expire(reason string) error {
	_, err := o.UpdateStatus(StatusExpired, reason)
	return err
}

// SetBrokerOrderID records the broker-assigned id the first time it is
// set. A subsequent call with a different value is rejected.
func (o *Order) SetBrokerOrderID(id string) error {
	if o.BrokerOrderID == nil {
		o.BrokerOrderID = &id
		return nil
	}
	if *o.BrokerOrderID != id {
		return fmt.Errorf("order %s already has broker order id %s, refusing to overwrite with %s: %w", o.OrderID, *o.BrokerOrderID, id, ErrPreconditionFailed)
	}
	return nil
}

// SeenExecID records execID as applied and reports whether it was already
// seen, letting the Order Manager deduplicate duplicate execution reports.
func (o *Order) SeenExecID(execID string) bool {
	if o.dedupExecIDs == nil {
		o.dedupExecIDs = make(map[string]bool)
	}
	if o.dedupExecIDs[execID] {
		return true
	}
	o.dedupExecIDs[execID] = true
	return false
}

func (o *Order) String() string {
	return fmt.Sprintf("Order(%s %s %s qty=%s status=%s filled=%s)", o.OrderID, o.Symbol, o.OrderType, o.Quantity, o.Status, o.FilledQuantity)
}
