// Package ordermanager implements the Order Manager: the single writer for
// all order state, the translator between domain orders and the broker
// gateway, and the emitter of every order-lifecycle event in the system.
package ordermanager

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/epic1st/rtx/ordercore/config"
	"github.com/epic1st/rtx/ordercore/events"
	"github.com/epic1st/rtx/ordercore/gateway"
	"github.com/epic1st/rtx/ordercore/logging"
	"github.com/epic1st/rtx/ordercore/monitoring"
	"github.com/epic1st/rtx/ordercore/order"
	"github.com/epic1st/rtx/ordercore/position"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// group is the minimal surface the manager needs from a bracket or OCO
// grouping; both order.BracketOrder and order.OCOGroup satisfy it through
// their embedded order.Group.
type group interface {
	IsActive() bool
	IsComplete() bool
	CancelAll(reason string) (int, error)
}

// OrderSpec describes one member of an OCO group to be created together.
type OrderSpec struct {
	Quantity    decimal.Decimal
	Side        order.Side
	Type        order.Type
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TimeInForce order.TimeInForce
}

type pendingCommission struct {
	fill  events.Fill
	timer *time.Timer
}

// Manager is the Order Manager described in spec_full.md §6 / spec.md §4.2.
type Manager struct {
	mu sync.RWMutex

	orders         map[string]*order.Order
	brokerToOrder  map[string]string // broker_order_id -> order_id
	symbolIndex    map[string]map[string]bool
	pendingIDs     map[string]bool
	activeIDs      map[string]bool
	completedIDs   map[string]bool
	childrenByParent map[string]map[string]bool

	groups          map[string]group
	bracketByEntry  map[string]*order.BracketOrder
	ocoByOrder      map[string]*order.OCOGroup

	pendingCommissions map[string]*pendingCommission // exec_id -> pending

	cfg        *config.Config
	gw         gateway.BrokerGateway
	simMode    bool
	positions  position.Manager
	bus        *events.Bus
	log        *logging.Logger
}

// New constructs an Order Manager. simMode is fixed for the manager's
// lifetime, per the explicit-sim-flag design note; when true, gw may be
// nil and submission/cancellation are synthesized locally.
func New(cfg *config.Config, gw gateway.BrokerGateway, positions position.Manager, bus *events.Bus, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewLogger(logging.INFO)
	}
	simMode := cfg == nil || cfg.Sim.Enabled || gw == nil

	m := &Manager{
		orders:             make(map[string]*order.Order),
		brokerToOrder:      make(map[string]string),
		symbolIndex:        make(map[string]map[string]bool),
		pendingIDs:         make(map[string]bool),
		activeIDs:          make(map[string]bool),
		completedIDs:       make(map[string]bool),
		childrenByParent:   make(map[string]map[string]bool),
		groups:             make(map[string]group),
		bracketByEntry:     make(map[string]*order.BracketOrder),
		ocoByOrder:         make(map[string]*order.OCOGroup),
		pendingCommissions: make(map[string]*pendingCommission),
		cfg:                cfg,
		gw:                 gw,
		simMode:            simMode,
		positions:          positions,
		bus:                bus,
		log:                log,
	}

	if gw != nil {
		gw.OnOrderStatus(m.onBrokerOrderStatus)
		gw.OnExecutionDetails(m.onBrokerExecution)
		gw.OnCommissionReport(m.onBrokerCommission)
	}

	return m
}

func (m *Manager) emit(e events.Event) {
	if m.bus != nil {
		m.bus.Emit(e)
	}
}

// register adds o to the registry's indexes. Caller must hold m.mu.
func (m *Manager) register(o *order.Order) {
	m.orders[o.OrderID] = o
	if m.symbolIndex[o.Symbol] == nil {
		m.symbolIndex[o.Symbol] = make(map[string]bool)
	}
	m.symbolIndex[o.Symbol][o.OrderID] = true
	if o.ParentID != nil {
		if m.childrenByParent[*o.ParentID] == nil {
			m.childrenByParent[*o.ParentID] = make(map[string]bool)
		}
		m.childrenByParent[*o.ParentID][o.OrderID] = true
	}
	m.moveBucket(o)
}

// moveBucket keeps the pending/active/completed status-bucket sets in sync
// with o.Status. Caller must hold m.mu.
func (m *Manager) moveBucket(o *order.Order) {
	delete(m.pendingIDs, o.OrderID)
	delete(m.activeIDs, o.OrderID)
	delete(m.completedIDs, o.OrderID)

	switch {
	case o.IsComplete():
		m.completedIDs[o.OrderID] = true
	case o.IsActive():
		m.activeIDs[o.OrderID] = true
	case o.IsPending():
		m.pendingIDs[o.OrderID] = true
	}
}

// CreateOrder constructs and registers a new order, emits NewOrder, and
// optionally submits it.
func (m *Manager) CreateOrder(symbol string, quantity decimal.Decimal, side order.Side, orderType order.Type, autoSubmit bool, opts ...order.Option) (*order.Order, error) {
	o, err := order.New(symbol, quantity, side, orderType, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.register(o)
	m.mu.Unlock()

	m.emit(events.NewOrder{
		OrderID:    o.OrderID,
		Symbol:     o.Symbol,
		OrderType:  string(o.OrderType),
		Quantity:   o.Quantity,
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
		CreateTime: o.CreateTime,
	})

	if autoSubmit {
		if _, err := m.SubmitOrder(o.OrderID); err != nil {
			return o, err
		}
	}
	return o, nil
}

// CreateBracketOrder constructs the entry order of a bracket and registers
// the group. Stop/target children are not created until the entry fills.
func (m *Manager) CreateBracketOrder(symbol string, quantity decimal.Decimal, side order.Side, entryType order.Type, entryPrice *decimal.Decimal, stopLoss, takeProfit decimal.Decimal, tif order.TimeInForce, autoSubmit bool) (*order.BracketOrder, error) {
	b, err := order.NewBracketOrder(symbol, quantity, side, entryType, entryPrice, stopLoss, takeProfit, tif)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.register(b.Entry)
	m.groups[b.GroupID] = b
	m.bracketByEntry[b.Entry.OrderID] = b
	m.mu.Unlock()

	m.emit(events.NewOrder{
		OrderID:    b.Entry.OrderID,
		Symbol:     b.Entry.Symbol,
		OrderType:  string(b.Entry.OrderType),
		Quantity:   b.Entry.Quantity,
		LimitPrice: b.Entry.LimitPrice,
		StopPrice:  b.Entry.StopPrice,
		CreateTime: b.Entry.CreateTime,
	})
	m.emit(events.OrderGroup{
		GroupID:    b.GroupID,
		GroupType:  events.GroupBracket,
		OrderIDs:   []string{b.Entry.OrderID},
		OccurredTm: time.Now(),
	})

	if autoSubmit {
		if _, err := m.SubmitOrder(b.Entry.OrderID); err != nil {
			return b, err
		}
	}
	return b, nil
}

// CreateOCOOrders constructs every member with mutual sibling references,
// registers the group, and optionally submits all members.
func (m *Manager) CreateOCOOrders(symbol string, specs []OrderSpec, autoSubmit bool) (*order.OCOGroup, error) {
	orders := make([]*order.Order, 0, len(specs))
	for _, spec := range specs {
		var opts []order.Option
		if spec.LimitPrice != nil {
			opts = append(opts, order.WithLimitPrice(*spec.LimitPrice))
		}
		if spec.StopPrice != nil {
			opts = append(opts, order.WithStopPrice(*spec.StopPrice))
		}
		if spec.TimeInForce != "" {
			opts = append(opts, order.WithTimeInForce(spec.TimeInForce))
		}
		o, err := order.New(symbol, spec.Quantity, spec.Side, spec.Type, opts...)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	g, err := order.NewOCOGroup(orders)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, o := range orders {
		m.register(o)
		m.ocoByOrder[o.OrderID] = g
	}
	m.groups[g.GroupID] = g
	m.mu.Unlock()

	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
		m.emit(events.NewOrder{
			OrderID:    o.OrderID,
			Symbol:     o.Symbol,
			OrderType:  string(o.OrderType),
			Quantity:   o.Quantity,
			LimitPrice: o.LimitPrice,
			StopPrice:  o.StopPrice,
			CreateTime: o.CreateTime,
		})
	}
	m.emit(events.OrderGroup{
		GroupID:    g.GroupID,
		GroupType:  events.GroupOCO,
		OrderIDs:   ids,
		OccurredTm: time.Now(),
	})

	if autoSubmit {
		for _, o := range orders {
			if _, err := m.SubmitOrder(o.OrderID); err != nil {
				return g, err
			}
		}
	}
	return g, nil
}

// SubmitOrder moves an order from Created through PendingSubmit to
// Submitted (and, in sim mode, on to Accepted), acquiring a broker order id
// and calling PlaceOrder along the way.
func (m *Manager) SubmitOrder(orderID string) (bool, error) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("unknown order %s: %w", orderID, order.ErrPreconditionFailed)
	}
	if o.Status != order.StatusCreated {
		m.mu.Unlock()
		return false, fmt.Errorf("order %s is not in Created state (got %s): %w", orderID, o.Status, order.ErrPreconditionFailed)
	}
	m.transition(o, order.StatusPendingSubmit, "")
	m.mu.Unlock()

	brokerID, err := m.acquireBrokerOrderID()
	if err != nil {
		return m.failSubmit(o, err)
	}

	if m.simMode {
		m.mu.Lock()
		if err := o.SetBrokerOrderID(brokerID); err != nil {
			m.mu.Unlock()
			return m.failSubmit(o, err)
		}
		m.brokerToOrder[brokerID] = o.OrderID
		m.transition(o, order.StatusSubmitted, "")
		m.mu.Unlock()

		go func() {
			time.Sleep(5 * time.Millisecond)
			m.mu.Lock()
			if o.Status == order.StatusSubmitted {
				m.transition(o, order.StatusAccepted, "")
			}
			m.mu.Unlock()
		}()

		if monitoring.Enabled(m.cfg) {
			monitoring.RecordOrderSubmitted(string(o.OrderType), o.Symbol, "sim")
		}
		return true, nil
	}

	contract := gateway.Contract{Symbol: o.Symbol, SecType: "STK", Currency: "USD"}
	req := buildOrderRequest(o)

	idInt, err := strconv.ParseInt(brokerID, 10, 64)
	if err != nil {
		return m.failSubmit(o, fmt.Errorf("invalid broker order id %q: %w", brokerID, order.ErrBrokerTransport))
	}

	if err := m.gw.PlaceOrder(context.Background(), idInt, contract, req); err != nil {
		return m.failSubmit(o, fmt.Errorf("place_order failed: %w: %w", err, order.ErrBrokerTransport))
	}

	m.mu.Lock()
	if err := o.SetBrokerOrderID(brokerID); err != nil {
		m.mu.Unlock()
		return m.failSubmit(o, err)
	}
	m.brokerToOrder[brokerID] = o.OrderID
	m.transition(o, order.StatusSubmitted, "")
	m.mu.Unlock()

	if monitoring.Enabled(m.cfg) {
		monitoring.RecordOrderSubmitted(string(o.OrderType), o.Symbol, "live")
	}
	return true, nil
}

func (m *Manager) failSubmit(o *order.Order, cause error) (bool, error) {
	m.mu.Lock()
	_ = o.Reject(cause.Error(), "", cause.Error())
	m.moveBucket(o)
	m.mu.Unlock()

	m.emit(events.Reject{
		OrderID:      o.OrderID,
		Reason:       cause.Error(),
		ErrorMessage: cause.Error(),
		RejectTime:   time.Now(),
	})
	if monitoring.Enabled(m.cfg) {
		monitoring.RecordOrderError(string(o.OrderType), "submit_failed")
	}
	return false, cause
}

func (m *Manager) acquireBrokerOrderID() (string, error) {
	if m.simMode || m.gw == nil {
		m.mu.Lock()
		id := fmt.Sprintf("SIM-%d", len(m.brokerToOrder)+1)
		m.mu.Unlock()
		return id, nil
	}

	if id, ok := m.gw.NextOrderID(); ok {
		return strconv.FormatInt(id, 10), nil
	}
	if err := m.gw.RequestNextOrderID(context.Background()); err != nil {
		return "", fmt.Errorf("request_next_order_id failed: %w: %w", err, order.ErrBrokerRejection)
	}

	interval := 50 * time.Millisecond
	if m.cfg != nil {
		interval = m.cfg.Broker.IDPollInterval
	}
	for i := 0; i < 10; i++ {
		time.Sleep(interval)
		if id, ok := m.gw.NextOrderID(); ok {
			return strconv.FormatInt(id, 10), nil
		}
	}
	return "", fmt.Errorf("no broker order id available: %w", order.ErrBrokerRejection)
}

func buildOrderRequest(o *order.Order) gateway.OrderRequest {
	action := "BUY"
	if o.Side == order.SideSell {
		action = "SELL"
	}
	return gateway.OrderRequest{
		Action:        action,
		TotalQuantity: o.Quantity.Abs(),
		OrderType:     string(o.OrderType),
		LimitPrice:    o.LimitPrice,
		StopPrice:     o.StopPrice,
		TimeInForce:   string(o.TimeInForce),
	}
}

// transition applies a status change and emits the corresponding event.
// Caller must hold m.mu.
func (m *Manager) transition(o *order.Order, newStatus order.Status, reason string) {
	prev := o.Status
	changed, err := o.UpdateStatus(newStatus, reason)
	if err != nil {
		m.log.Error("status transition rejected", err, logging.Component("ordermanager"), logging.OrderID(o.OrderID))
		return
	}
	if !changed {
		return
	}
	m.moveBucket(o)

	m.emit(events.OrderStatus{
		OrderID:      o.OrderID,
		PreviousStat: string(prev),
		NewStat:      string(newStatus),
		StatusTime:   o.StatusTime,
		Reason:       reason,
	})
}

// CancelOrder moves an order onto the cancellation path and asks the
// gateway (or synthesizes, in sim mode) to cancel it at the broker.
func (m *Manager) CancelOrder(orderID, reason string) (bool, error) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("unknown order %s: %w", orderID, order.ErrPreconditionFailed)
	}
	if !o.IsActive() && !o.IsPending() {
		m.mu.Unlock()
		return false, nil
	}
	m.transition(o, order.StatusPendingCancel, reason)
	brokerID := o.BrokerOrderID
	m.mu.Unlock()

	m.emit(events.Cancel{
		OrderID:       o.OrderID,
		Reason:        reason,
		CancelTime:    time.Now(),
		UserInitiated: true,
	})

	if brokerID == nil || m.simMode || m.gw == nil {
		m.mu.Lock()
		m.transition(o, order.StatusCancelled, reason)
		m.mu.Unlock()
		m.handleCancelledOrder(o, reason)
		return true, nil
	}

	idInt, err := strconv.ParseInt(*brokerID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid broker order id %q: %w", *brokerID, order.ErrBrokerTransport)
	}
	if err := m.gw.CancelOrder(context.Background(), idInt); err != nil {
		m.log.Error("cancel_order transport failure", err, logging.Component("ordermanager"), logging.OrderID(o.OrderID))
		return false, fmt.Errorf("cancel_order failed: %w: %w", err, order.ErrBrokerTransport)
	}
	return true, nil
}

// CancelAllOrders cancels every active order, optionally filtered by
// symbol ("" cancels across all symbols).
func (m *Manager) CancelAllOrders(symbol, reason string) (int, error) {
	m.mu.RLock()
	var ids []string
	if symbol == "" {
		for id := range m.activeIDs {
			ids = append(ids, id)
		}
	} else {
		for id := range m.symbolIndex[symbol] {
			if m.activeIDs[id] {
				ids = append(ids, id)
			}
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range ids {
		changed, err := m.CancelOrder(id, reason)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// CancelOrderGroup cancels every active member of a bracket or OCO group.
func (m *Manager) CancelOrderGroup(groupID, reason string) (int, error) {
	m.mu.RLock()
	g, ok := m.groups[groupID]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown group %s: %w", groupID, order.ErrPreconditionFailed)
	}
	return g.CancelAll(reason)
}

// handleCancelledOrder implements the post-cancellation cascade: OCO
// siblings are only logged (fill, not cancel, drives OCO cancellation);
// active children of a cancelled parent are cancelled recursively.
func (m *Manager) handleCancelledOrder(o *order.Order, reason string) {
	if len(o.OCOOrderIDs) > 0 {
		m.log.Info("cancelled order has OCO siblings; leaving them active",
			logging.Component("ordermanager"), logging.OrderID(o.OrderID))
	}

	m.mu.RLock()
	children := make([]string, 0, len(m.childrenByParent[o.OrderID]))
	for id := range m.childrenByParent[o.OrderID] {
		children = append(children, id)
	}
	m.mu.RUnlock()

	for _, childID := range children {
		if _, err := m.CancelOrder(childID, "parent cancelled"); err != nil {
			m.log.Error("failed to cascade-cancel child order", err,
				logging.Component("ordermanager"), logging.OrderID(childID))
		}
	}
}

// ProcessFill applies a locally-known fill to an order (used directly by
// tests and sim-mode flows). It emits Fill and drives bracket
// materialization / OCO cancellation as needed.
func (m *Manager) ProcessFill(orderID string, qty, price decimal.Decimal, commission *decimal.Decimal, at time.Time) (bool, error) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("unknown order %s: %w", orderID, order.ErrPreconditionFailed)
	}

	accepted, err := o.AddFill(qty, price, commission, at)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	if !accepted {
		m.mu.Unlock()
		return false, nil
	}
	m.moveBucket(o)

	fillEvt := events.Fill{
		OrderID:           o.OrderID,
		FillID:            uuid.NewString(),
		Symbol:            o.Symbol,
		FillQuantity:      qty,
		FillPrice:         price,
		CumulativeFilled:  o.FilledQuantity,
		RemainingQuantity: o.RemainingQuantity,
		IsPartial:         o.Status == order.StatusPartiallyFilled,
		Status:            string(o.Status),
		Commission:        commission,
		FillTime:          at,
	}

	bracket, isBracketEntry := m.bracketByEntry[orderID]
	ocoSiblings := append([]string(nil), o.OCOOrderIDs...)
	m.mu.Unlock()

	m.emit(fillEvt)

	if isBracketEntry && !bracket.ChildOrdersCreated {
		stop, target, err := bracket.HandleEntryFill(price)
		if err != nil {
			return accepted, err
		}
		if stop != nil && target != nil {
			m.mu.Lock()
			m.register(stop)
			m.register(target)
			m.mu.Unlock()

			m.emit(events.OrderGroup{
				GroupID:    bracket.GroupID,
				GroupType:  events.GroupBracket,
				OrderIDs:   []string{bracket.Entry.OrderID, stop.OrderID, target.OrderID},
				OccurredTm: time.Now(),
			})
			if _, err := m.SubmitOrder(stop.OrderID); err != nil {
				return accepted, err
			}
			if _, err := m.SubmitOrder(target.OrderID); err != nil {
				return accepted, err
			}
		}
	}

	if o.IsFilled() && len(ocoSiblings) > 0 {
		for _, sibID := range ocoSiblings {
			if _, err := m.CancelOrder(sibID, "OCO order filled"); err != nil {
				m.log.Error("failed to cancel OCO sibling", err,
					logging.Component("ordermanager"), logging.OrderID(sibID))
			}
		}
	}

	if monitoring.Enabled(m.cfg) {
		monitoring.RecordFill(o.Symbol, string(o.OrderType))
	}

	return accepted, nil
}

// GetOrder returns an order by id.
func (m *Manager) GetOrder(orderID string) (*order.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	return o, ok
}

// GetOrdersBySymbol returns every order registered for symbol.
func (m *Manager) GetOrdersBySymbol(symbol string) []*order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*order.Order, 0, len(m.symbolIndex[symbol]))
	for id := range m.symbolIndex[symbol] {
		out = append(out, m.orders[id])
	}
	return out
}

// GetActiveOrderGroups returns every group with at least one active or
// pending member.
func (m *Manager) GetActiveOrderGroups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, g := range m.groups {
		if g.IsActive() {
			ids = append(ids, id)
		}
	}
	return ids
}
