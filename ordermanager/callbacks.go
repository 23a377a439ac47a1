package ordermanager

import (
	"strconv"
	"time"

	"github.com/epic1st/rtx/ordercore/events"
	"github.com/epic1st/rtx/ordercore/gateway"
	"github.com/epic1st/rtx/ordercore/logging"
	"github.com/epic1st/rtx/ordercore/order"
	"github.com/shopspring/decimal"
)

func (m *Manager) onBrokerOrderStatus(brokerOrderID int64, statusString string, filled, remaining, avgFillPrice, lastFillPrice decimal.Decimal) {
	id := strconv.FormatInt(brokerOrderID, 10)
	if err := m.HandleOrderStatusUpdate(id, statusString, filled, remaining, avgFillPrice, lastFillPrice); err != nil {
		m.log.Error("order status update failed", err, logging.Component("ordermanager"))
	}
}

func (m *Manager) onBrokerExecution(report gateway.ExecutionReport) {
	id := strconv.FormatInt(report.BrokerOrderID, 10)
	if err := m.HandleExecutionUpdate(id, report.ExecID, report.Symbol, report.Side, report.Shares, report.Price); err != nil {
		m.log.Error("execution update failed", err, logging.Component("ordermanager"))
	}
}

func (m *Manager) onBrokerCommission(report gateway.CommissionReport) {
	m.mu.Lock()
	pc, ok := m.pendingCommissions[report.ExecID]
	if !ok {
		m.mu.Unlock()
		return // correlation window already closed; commission is dropped
	}
	pc.timer.Stop()
	delete(m.pendingCommissions, report.ExecID)
	fill := pc.fill
	commission := report.Commission
	fill.Commission = &commission
	m.mu.Unlock()

	m.emit(fill)
}

// HandleOrderStatusUpdate resolves the domain order from brokerOrderID,
// maps the broker status string onto the shared lattice, and emits
// OrderStatus. If the broker's cumulative filled quantity has advanced
// beyond what the registry knows, it synthesizes a ProcessFill for the
// delta.
func (m *Manager) HandleOrderStatusUpdate(brokerOrderID, statusString string, filled, remaining, avgFillPrice, lastFillPrice decimal.Decimal) error {
	m.mu.Lock()
	orderID, ok := m.brokerToOrder[brokerOrderID]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("order status update for unknown broker order id", logging.Component("ordermanager"), logging.String("broker_order_id", brokerOrderID))
		return nil
	}
	o := m.orders[orderID]

	newStatus, ok := mapBrokerStatus(statusString)
	if !ok {
		m.mu.Unlock()
		m.log.Warn("unrecognized broker status string", logging.Component("ordermanager"), logging.String("status", statusString))
		return nil
	}

	reason := ""
	if statusString == "Inactive" {
		reason = inactiveCancelReason
	}

	priorFilled := o.FilledQuantity
	m.transition(o, newStatus, reason)
	m.mu.Unlock()

	if filled.GreaterThan(priorFilled) {
		delta := filled.Sub(priorFilled)
		fillPrice := lastFillPrice
		if fillPrice.IsZero() {
			fillPrice = avgFillPrice
		}
		if _, err := m.ProcessFill(orderID, delta, fillPrice, nil, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// HandleExecutionUpdate deduplicates on execID and, on first sighting,
// buffers the execution and waits up to commission_wait for a matching
// commission report before dispatching the fill without one.
func (m *Manager) HandleExecutionUpdate(brokerOrderID, execID, symbol, side string, qty, price decimal.Decimal) error {
	m.mu.Lock()
	orderID, ok := m.brokerToOrder[brokerOrderID]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("execution update for unknown broker order id", logging.Component("ordermanager"), logging.String("broker_order_id", brokerOrderID))
		return nil
	}
	o := m.orders[orderID]
	if o.SeenExecID(execID) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_ = order.Side(side) // side is informational; quantity sign already carries direction

	wait := time.Second
	if m.cfg != nil {
		wait = m.cfg.Broker.CommissionWait
	}

	accepted, err := m.ProcessFill(orderID, qty, price, nil, time.Now())
	if err != nil || !accepted {
		return err
	}

	// Hold a correlation slot so a commission report arriving within the
	// wait window can be attached to a follow-up Fill emission, per the
	// commission-after-fill-dispatch design note.
	o, _ = m.GetOrder(orderID)
	m.mu.Lock()
	fillEvt := events.Fill{
		OrderID:           orderID,
		FillID:            execID,
		Symbol:            symbol,
		FillQuantity:       qty,
		FillPrice:          price,
		CumulativeFilled:   o.FilledQuantity,
		RemainingQuantity:  o.RemainingQuantity,
		IsPartial:          o.Status == order.StatusPartiallyFilled,
		Status:             string(o.Status),
		FillTime:           time.Now(),
	}
	timer := time.AfterFunc(wait, func() {
		m.mu.Lock()
		delete(m.pendingCommissions, execID)
		m.mu.Unlock()
	})
	m.pendingCommissions[execID] = &pendingCommission{fill: fillEvt, timer: timer}
	m.mu.Unlock()

	return nil
}
