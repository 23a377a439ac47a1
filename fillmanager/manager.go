// Package fillmanager implements the Unified Fill Manager: the reconciler
// that keeps a symbol's active protective orders (stop and target) sized to
// exactly close its net open position, as fills stream back from the
// broker. It holds no durable tally of its own; every decision recomputes
// position from the Order Manager's authoritative filled quantities.
//
// Per-symbol state (a decision mutex and a queued worker) is created lazily
// under a single meta-lock, the same shape lpmanager used for its per-LP
// connection state, repurposed here for per-symbol replacement queues
// instead of per-LP quote aggregation.
package fillmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/epic1st/rtx/ordercore/config"
	"github.com/epic1st/rtx/ordercore/events"
	"github.com/epic1st/rtx/ordercore/logging"
	"github.com/epic1st/rtx/ordercore/monitoring"
	"github.com/epic1st/rtx/ordercore/order"
	"github.com/epic1st/rtx/ordercore/position"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// orderManager is the slice of ordermanager.Manager the Fill Manager needs.
// Declared as an interface so tests can substitute a fake without standing
// up a full Manager and gateway.
type orderManager interface {
	GetOrder(orderID string) (*order.Order, bool)
	CreateOrder(symbol string, quantity decimal.Decimal, side order.Side, orderType order.Type, autoSubmit bool, opts ...order.Option) (*order.Order, error)
	CancelOrder(orderID, reason string) (bool, error)
}

// symbolState is the lazily-created per-symbol structure: decisionMu
// serializes the fill-handling algorithm for one symbol (step 1 of the
// design tenets); ops is the FIFO queue the dedicated worker drains.
type symbolState struct {
	decisionMu sync.Mutex
	ops        chan operation
	cancel     context.CancelFunc
}

// Manager is the Unified Fill Manager described in spec_full.md §6 / §7 and
// spec.md §4.3.
type Manager struct {
	metaMu  sync.Mutex
	workers map[string]*symbolState

	om        orderManager
	positions position.Manager
	cfg       *config.Config
	log       *logging.Logger
	wg        sync.WaitGroup
}

// New constructs a Fill Manager and subscribes it to fill events on bus.
func New(cfg *config.Config, om orderManager, positions position.Manager, bus *events.Bus, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewLogger(logging.INFO)
	}
	m := &Manager{
		workers:   make(map[string]*symbolState),
		om:        om,
		positions: positions,
		cfg:       cfg,
		log:       log,
	}
	if bus != nil {
		bus.Subscribe(events.TypeFill, func(e events.Event) {
			if fill, ok := e.(events.Fill); ok {
				m.onFill(fill)
			}
		})
	}
	return m
}

// getOrCreateSymbolState returns symbol's worker state, creating and
// starting its worker goroutine on first use. Guarded by a single meta-lock
// per the lazy-per-symbol-structure-map design.
func (m *Manager) getOrCreateSymbolState(symbol string) *symbolState {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()

	if s, ok := m.workers[symbol]; ok {
		return s
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &symbolState{
		ops:    make(chan operation, 256),
		cancel: cancel,
	}
	m.workers[symbol] = s

	m.wg.Add(1)
	go m.runWorker(ctx, symbol, s)

	return s
}

func (m *Manager) runWorker(ctx context.Context, symbol string, s *symbolState) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.ops:
			m.executeOperation(symbol, op)
			if monitoring.Enabled(m.cfg) {
				monitoring.SetFillQueueDepth(symbol, len(s.ops))
			}
		}
	}
}

// onFill is the bus handler for every Fill event. It runs on the single
// dispatcher goroutine the bus starts for this subscription (see
// events.Bus.Subscribe), so fill decisions for all symbols run one after
// another in emit order; the queued replacements then execute on each
// symbol's own worker goroutine.
func (m *Manager) onFill(e events.Fill) {
	s := m.getOrCreateSymbolState(e.Symbol)
	s.decisionMu.Lock()
	defer s.decisionMu.Unlock()
	m.handleFill(e, s)
}

// handleFill implements the fill-handling algorithm of spec_full.md §6 /
// spec.md §4.3: classify, then dispatch by role.
func (m *Manager) handleFill(e events.Fill, s *symbolState) {
	pos, ok := m.positions.FindPositionByOrder(e.OrderID)
	if !ok {
		m.log.Warn("fill for an order with no tracked position", logging.Component("fillmanager"), logging.OrderID(e.OrderID), logging.Symbol(e.Symbol))
		return
	}
	if pos.Status == position.StatusClosed {
		return
	}

	role := m.positions.ClassifyOrder(e.Symbol, e.OrderID)

	switch role {
	case position.RoleMain:
		if net := m.computeNetPosition(e.Symbol); !net.IsZero() {
			m.updateProtective(s, e.Symbol, net, "")
		}

	case position.RoleDoubleDown, position.RoleScale:
		net := m.computeNetPosition(e.Symbol)
		if net.IsZero() {
			m.closePosition(s, e.Symbol, fmt.Sprintf("%s order flattened the position", role))
		} else {
			m.updateProtective(s, e.Symbol, net, "")
		}

	case position.RoleStop, position.RoleTarget:
		if !e.IsPartial {
			m.closePosition(s, e.Symbol, fmt.Sprintf("%s order fully filled", role))
			return
		}
		net := m.computeNetPosition(e.Symbol)
		if net.IsZero() {
			m.closePosition(s, e.Symbol, fmt.Sprintf("%s order partial fill flattened the position", role))
		} else {
			// The partially-filled order itself is left untouched; only
			// the opposite-side protective is adjusted.
			m.updateProtective(s, e.Symbol, net, role)
		}

	case position.RoleUnknown:
		m.log.Warn("fill for an order with no classified role", logging.Component("fillmanager"), logging.OrderID(e.OrderID), logging.Symbol(e.Symbol))
	}
}

// computeNetPosition recomputes symbol's signed net size from the Order
// Manager's authoritative state, per spec_full.md §6's net-position
// formula. main orders contribute their full (market, assumed fully
// filled) quantity; doubledown/scale/stop/target contribute
// sign(quantity) * filled_quantity.
func (m *Manager) computeNetPosition(symbol string) decimal.Decimal {
	pos, ok := m.positions.GetPosition(symbol)
	if !ok {
		return decimal.Zero
	}

	net := decimal.Zero
	for _, id := range pos.OrderIDs(position.RoleMain) {
		if o, ok := m.om.GetOrder(id); ok {
			net = net.Add(o.Quantity)
		}
	}
	for _, role := range []position.Role{position.RoleDoubleDown, position.RoleScale, position.RoleStop, position.RoleTarget} {
		for _, id := range pos.OrderIDs(role) {
			o, ok := m.om.GetOrder(id)
			if !ok {
				continue
			}
			sign := decimal.NewFromInt(1)
			if o.Quantity.Sign() < 0 {
				sign = decimal.NewFromInt(-1)
			}
			net = net.Add(sign.Mul(o.FilledQuantity))
		}
	}
	return net
}

// updateProtective enqueues a replace for each active stop/target whose
// quantity has drifted from the corrected protective quantity by more than
// the configured epsilon. excludeRole is skipped entirely (the
// partial-stop-fill case: the partially-filled stop itself is never
// touched, only the target).
func (m *Manager) updateProtective(s *symbolState, symbol string, net decimal.Decimal, excludeRole position.Role) {
	pos, ok := m.positions.GetPosition(symbol)
	if !ok {
		return
	}

	// protective_quantity = -|net| if net > 0 else +|net|, which is simply
	// -net in both cases.
	protectiveQty := net.Neg()
	epsilon := decimal.NewFromFloat(m.epsilon())

	for _, role := range []position.Role{position.RoleStop, position.RoleTarget} {
		if role == excludeRole {
			continue
		}
		for _, id := range pos.OrderIDs(role) {
			o, ok := m.om.GetOrder(id)
			if !ok || !o.IsActive() {
				continue
			}
			if o.Quantity.Sub(protectiveQty).Abs().LessThanOrEqual(epsilon) {
				continue
			}

			var price decimal.Decimal
			kind := opReplaceStop
			if role == position.RoleStop {
				if o.StopPrice == nil {
					continue
				}
				price = *o.StopPrice
				kind = opReplaceStop
			} else {
				if o.LimitPrice == nil {
					continue
				}
				price = *o.LimitPrice
				kind = opReplaceTarget
			}

			s.ops <- operation{
				kind:       kind,
				symbol:     symbol,
				oldOrderID: id,
				quantity:   protectiveQty,
				price:      price,
			}
		}
	}
}

func (m *Manager) epsilon() float64 {
	if m.cfg == nil {
		return 1e-6
	}
	return m.cfg.Replace.FillEpsilon
}

// closePosition enqueues a CancelAll and synchronously marks the position
// Closed, suppressing further fill processing for the symbol.
func (m *Manager) closePosition(s *symbolState, symbol, reason string) {
	s.ops <- operation{kind: opCancelAll, symbol: symbol, reason: reason}

	if err := m.positions.ClosePosition(symbol); err != nil {
		m.log.Error("failed to mark position closed", err, logging.Component("fillmanager"), logging.Symbol(symbol))
	}
	m.log.Info("position closing", logging.Component("fillmanager"), logging.Symbol(symbol), logging.String("reason", reason))
}

func (m *Manager) executeOperation(symbol string, op operation) {
	switch op.kind {
	case opReplaceStop, opReplaceTarget:
		m.executeReplace(symbol, op)
	case opCancelAll:
		m.executeCancelAll(symbol, op.reason)
	}
}

// executeReplace implements the replacement worker's cancel-then-create
// protocol with retry/backoff, per spec_full.md §6 / spec.md §4.3.
func (m *Manager) executeReplace(symbol string, op operation) {
	kindLabel := "stop"
	role := position.RoleStop
	orderType := order.TypeStop
	if op.kind == opReplaceTarget {
		kindLabel = "target"
		role = position.RoleTarget
		orderType = order.TypeLimit
	}

	start := time.Now()
	retries, backoff := m.replaceTuning()

	var cancelled bool
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if _, err := m.om.CancelOrder(op.oldOrderID, "replacing protective order"); err != nil {
			lastErr = err
			if attempt < retries {
				time.Sleep(backoff)
			}
			continue
		}
		cancelled = true
		break
	}
	if !cancelled {
		err := fmt.Errorf("exhausted %d cancel retries for %s: %w: %w", retries, op.oldOrderID, lastErr, order.ErrReplaceFailure)
		m.log.Error("replace exhausted cancel retries", err,
			logging.Component("fillmanager"), logging.Symbol(symbol), logging.OrderID(op.oldOrderID))
		if monitoring.Enabled(m.cfg) {
			monitoring.RecordReplace(symbol, kindLabel, "failed", float64(time.Since(start).Milliseconds()))
		}
		return
	}

	_ = m.positions.RemoveOrder(symbol, op.oldOrderID)
	time.Sleep(m.settleDelay())

	newOrder, err := m.om.CreateOrder(symbol, op.quantity, "", orderType, true, priceOption(orderType, op.price))
	if err != nil {
		m.log.Error("replace failed to create new protective order", err,
			logging.Component("fillmanager"), logging.Symbol(symbol))
		if monitoring.Enabled(m.cfg) {
			monitoring.RecordReplace(symbol, kindLabel, "create_failed", float64(time.Since(start).Milliseconds()))
		}
		return
	}

	if err := m.positions.AddOrdersToPosition(symbol, role, []string{newOrder.OrderID}); err != nil {
		m.log.Error("failed to classify replacement order", err,
			logging.Component("fillmanager"), logging.Symbol(symbol), logging.OrderID(newOrder.OrderID))
	}

	m.log.Info("replaced protective order", logging.Component("fillmanager"), logging.Symbol(symbol),
		logging.OrderID(newOrder.OrderID), logging.String("kind", kindLabel), logging.String("old_order_id", op.oldOrderID))
	if monitoring.Enabled(m.cfg) {
		monitoring.RecordReplace(symbol, kindLabel, "success", float64(time.Since(start).Milliseconds()))
		m.refreshActiveProtectiveGauge(symbol)
	}
}

// refreshActiveProtectiveGauge recomputes the active stop/target counts for
// symbol from the Position Manager's current buckets and publishes them.
// Called after any mutation (replace, cancel-all) that changes which
// protective orders are active.
func (m *Manager) refreshActiveProtectiveGauge(symbol string) {
	stopCount, targetCount := 0, 0
	if pos, ok := m.positions.GetPosition(symbol); ok {
		for _, id := range pos.OrderIDs(position.RoleStop) {
			if o, ok := m.om.GetOrder(id); ok && o.IsActive() {
				stopCount++
			}
		}
		for _, id := range pos.OrderIDs(position.RoleTarget) {
			if o, ok := m.om.GetOrder(id); ok && o.IsActive() {
				targetCount++
			}
		}
	}
	monitoring.SetActiveProtectiveOrders(symbol, "stop", stopCount)
	monitoring.SetActiveProtectiveOrders(symbol, "target", targetCount)
}

func priceOption(orderType order.Type, price decimal.Decimal) order.Option {
	if orderType == order.TypeStop {
		return order.WithStopPrice(price)
	}
	return order.WithLimitPrice(price)
}

func (m *Manager) replaceTuning() (int, time.Duration) {
	if m.cfg == nil {
		return 3, 500 * time.Millisecond
	}
	return m.cfg.Replace.RetryCount, m.cfg.Replace.RetryBackoff
}

func (m *Manager) settleDelay() time.Duration {
	if m.cfg == nil {
		return 100 * time.Millisecond
	}
	return m.cfg.Replace.SettleDelay
}

// executeCancelAll cancels every still-active order the Position Manager
// knows about for symbol, concurrently, and logs the count.
func (m *Manager) executeCancelAll(symbol, reason string) {
	pos, ok := m.positions.GetPosition(symbol)
	if !ok {
		return
	}

	var mu sync.Mutex
	count := 0
	g := new(errgroup.Group)
	for _, id := range pos.AllOrderIDs() {
		id := id
		o, ok := m.om.GetOrder(id)
		if !ok || !o.IsActive() {
			continue
		}
		g.Go(func() error {
			if _, err := m.om.CancelOrder(id, reason); err != nil {
				return fmt.Errorf("cancel %s: %w", id, err)
			}
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.log.Error("cancel_all encountered errors", err, logging.Component("fillmanager"), logging.Symbol(symbol))
	}
	m.log.Info("cancel_all completed", logging.Component("fillmanager"), logging.Symbol(symbol),
		logging.Int("cancelled_count", count), logging.String("reason", reason))
	if monitoring.Enabled(m.cfg) {
		m.refreshActiveProtectiveGauge(symbol)
	}
}

// Shutdown signals every per-symbol worker to stop and waits for them to
// exit, or until ctx is done. A worker exits without running operations
// still waiting in its queue.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.metaMu.Lock()
	workers := make([]*symbolState, 0, len(m.workers))
	for _, s := range m.workers {
		workers = append(workers, s)
	}
	m.metaMu.Unlock()

	for _, s := range workers {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
