package fillmanager

import (
	"testing"
	"time"

	"github.com/epic1st/rtx/ordercore/config"
	"github.com/epic1st/rtx/ordercore/events"
	"github.com/epic1st/rtx/ordercore/order"
	"github.com/epic1st/rtx/ordercore/ordermanager"
	"github.com/epic1st/rtx/ordercore/position"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testConfig() *config.Config {
	return &config.Config{
		Sim: config.SimConfig{Enabled: true},
		Replace: config.ReplaceConfig{
			RetryCount:   2,
			RetryBackoff: time.Millisecond,
			SettleDelay:  time.Millisecond,
			FillEpsilon:  1e-6,
		},
		Broker:  config.BrokerConfig{IDPollInterval: time.Millisecond, CommissionWait: 10 * time.Millisecond},
		Metrics: config.MetricsConfig{Enabled: false},
	}
}

// harness wires a real Order Manager, Position Manager, event bus and Fill
// Manager together, matching how a composition root would assemble them.
type harness struct {
	om   *ordermanager.Manager
	pos  *position.InMemory
	fm   *Manager
	bus  *events.Bus
}

func newHarness() *harness {
	bus := events.NewBus(nil)
	pos := position.NewInMemory()
	om := ordermanager.New(testConfig(), nil, pos, bus, nil)
	fm := New(testConfig(), om, pos, bus, nil)
	return &harness{om: om, pos: pos, fm: fm, bus: bus}
}

func (h *harness) mustCreate(t *testing.T, symbol string, qty decimal.Decimal, side order.Side, typ order.Type, opts ...order.Option) *order.Order {
	t.Helper()
	o, err := h.om.CreateOrder(symbol, qty, side, typ, true, opts...)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func soleOrderID(t *testing.T, ids []string) string {
	t.Helper()
	if len(ids) != 1 {
		t.Fatalf("expected exactly one order id, got %d: %v", len(ids), ids)
	}
	return ids[0]
}

func TestDoubleDownFill_RepairsBothProtectiveOrders(t *testing.T) {
	h := newHarness()

	main := h.mustCreate(t, "AAPL", d("1000"), order.SideBuy, order.TypeMarket)
	stop := h.mustCreate(t, "AAPL", d("-1000"), order.SideSell, order.TypeStop, order.WithStopPrice(d("145")))
	target := h.mustCreate(t, "AAPL", d("-1000"), order.SideSell, order.TypeLimit, order.WithLimitPrice(d("155")))
	dd := h.mustCreate(t, "AAPL", d("500"), order.SideBuy, order.TypeMarket)

	_ = h.pos.AddOrdersToPosition("AAPL", position.RoleMain, []string{main.OrderID})
	_ = h.pos.AddOrdersToPosition("AAPL", position.RoleStop, []string{stop.OrderID})
	_ = h.pos.AddOrdersToPosition("AAPL", position.RoleTarget, []string{target.OrderID})
	_ = h.pos.AddOrdersToPosition("AAPL", position.RoleDoubleDown, []string{dd.OrderID})

	if _, err := h.om.ProcessFill(main.OrderID, d("1000"), d("150"), nil, time.Now()); err != nil {
		t.Fatalf("ProcessFill main: %v", err)
	}
	if _, err := h.om.ProcessFill(dd.OrderID, d("500"), d("148"), nil, time.Now()); err != nil {
		t.Fatalf("ProcessFill doubledown: %v", err)
	}

	var newStopID, newTargetID string
	waitUntil(t, time.Second, func() bool {
		p, ok := h.pos.GetPosition("AAPL")
		if !ok {
			return false
		}
		stopIDs := p.OrderIDs(position.RoleStop)
		targetIDs := p.OrderIDs(position.RoleTarget)
		if len(stopIDs) != 1 || len(targetIDs) != 1 {
			return false
		}
		if stopIDs[0] == stop.OrderID || targetIDs[0] == target.OrderID {
			return false // still the old orders; replacement not done yet
		}
		newStopID, newTargetID = stopIDs[0], targetIDs[0]
		return true
	})

	newStop, _ := h.om.GetOrder(newStopID)
	newTarget, _ := h.om.GetOrder(newTargetID)
	if !newStop.Quantity.Equal(d("-1500")) {
		t.Errorf("new stop quantity = %s, want -1500", newStop.Quantity)
	}
	if !newTarget.Quantity.Equal(d("-1500")) {
		t.Errorf("new target quantity = %s, want -1500", newTarget.Quantity)
	}
	if newStop.StopPrice == nil || !newStop.StopPrice.Equal(d("145")) {
		t.Errorf("new stop price = %v, want 145", newStop.StopPrice)
	}
	if newTarget.LimitPrice == nil || !newTarget.LimitPrice.Equal(d("155")) {
		t.Errorf("new target price = %v, want 155", newTarget.LimitPrice)
	}

	oldStop, _ := h.om.GetOrder(stop.OrderID)
	oldTarget, _ := h.om.GetOrder(target.OrderID)
	if oldStop.IsActive() {
		t.Error("old stop should have been cancelled")
	}
	if oldTarget.IsActive() {
		t.Error("old target should have been cancelled")
	}
}

func TestPartialStopFill_LeavesStopUntouchedReplacesTargetOnly(t *testing.T) {
	h := newHarness()

	main := h.mustCreate(t, "AAPL", d("1000"), order.SideBuy, order.TypeMarket)
	stop := h.mustCreate(t, "AAPL", d("-1000"), order.SideSell, order.TypeStop, order.WithStopPrice(d("145")))
	target := h.mustCreate(t, "AAPL", d("-1000"), order.SideSell, order.TypeLimit, order.WithLimitPrice(d("155")))

	_ = h.pos.AddOrdersToPosition("AAPL", position.RoleMain, []string{main.OrderID})
	_ = h.pos.AddOrdersToPosition("AAPL", position.RoleStop, []string{stop.OrderID})
	_ = h.pos.AddOrdersToPosition("AAPL", position.RoleTarget, []string{target.OrderID})

	if _, err := h.om.ProcessFill(main.OrderID, d("1000"), d("150"), nil, time.Now()); err != nil {
		t.Fatalf("ProcessFill main: %v", err)
	}
	if _, err := h.om.ProcessFill(stop.OrderID, d("300"), d("145"), nil, time.Now()); err != nil {
		t.Fatalf("ProcessFill partial stop: %v", err)
	}

	var newTargetID string
	waitUntil(t, time.Second, func() bool {
		p, ok := h.pos.GetPosition("AAPL")
		if !ok {
			return false
		}
		targetIDs := p.OrderIDs(position.RoleTarget)
		if len(targetIDs) != 1 || targetIDs[0] == target.OrderID {
			return false
		}
		newTargetID = targetIDs[0]
		return true
	})

	newTarget, _ := h.om.GetOrder(newTargetID)
	if !newTarget.Quantity.Equal(d("-700")) {
		t.Errorf("new target quantity = %s, want -700", newTarget.Quantity)
	}

	p, _ := h.pos.GetPosition("AAPL")
	stopIDs := p.OrderIDs(position.RoleStop)
	if soleOrderID(t, stopIDs) != stop.OrderID {
		t.Error("the partially-filled stop should never be replaced")
	}
	stillStop, _ := h.om.GetOrder(stop.OrderID)
	if !stillStop.Quantity.Equal(d("-1000")) {
		t.Errorf("stop quantity changed to %s, want unchanged -1000", stillStop.Quantity)
	}
}

func TestFullStopFill_ClosesPosition(t *testing.T) {
	h := newHarness()

	main := h.mustCreate(t, "AAPL", d("1000"), order.SideBuy, order.TypeMarket)
	stop := h.mustCreate(t, "AAPL", d("-1000"), order.SideSell, order.TypeStop, order.WithStopPrice(d("145")))
	target := h.mustCreate(t, "AAPL", d("-1000"), order.SideSell, order.TypeLimit, order.WithLimitPrice(d("155")))

	_ = h.pos.AddOrdersToPosition("AAPL", position.RoleMain, []string{main.OrderID})
	_ = h.pos.AddOrdersToPosition("AAPL", position.RoleStop, []string{stop.OrderID})
	_ = h.pos.AddOrdersToPosition("AAPL", position.RoleTarget, []string{target.OrderID})

	if _, err := h.om.ProcessFill(main.OrderID, d("1000"), d("150"), nil, time.Now()); err != nil {
		t.Fatalf("ProcessFill main: %v", err)
	}
	if _, err := h.om.ProcessFill(stop.OrderID, d("1000"), d("145"), nil, time.Now()); err != nil {
		t.Fatalf("ProcessFill full stop: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		p, ok := h.pos.GetPosition("AAPL")
		return ok && p.Status == position.StatusClosed
	})

	target2, _ := h.om.GetOrder(target.OrderID)
	waitUntil(t, time.Second, func() bool { return !target2.IsActive() })
}

func TestConcurrentCrossSymbolFills_ProcessIndependently(t *testing.T) {
	h := newHarness()

	symbols := []string{"AAPL", "GOOGL", "MSFT"}
	mains := map[string]*order.Order{}
	stops := map[string]*order.Order{}
	targets := map[string]*order.Order{}
	doubles := map[string]*order.Order{}

	for _, sym := range symbols {
		main := h.mustCreate(t, sym, d("1000"), order.SideBuy, order.TypeMarket)
		stop := h.mustCreate(t, sym, d("-1000"), order.SideSell, order.TypeStop, order.WithStopPrice(d("145")))
		target := h.mustCreate(t, sym, d("-1000"), order.SideSell, order.TypeLimit, order.WithLimitPrice(d("155")))
		dd := h.mustCreate(t, sym, d("500"), order.SideBuy, order.TypeMarket)

		_ = h.pos.AddOrdersToPosition(sym, position.RoleMain, []string{main.OrderID})
		_ = h.pos.AddOrdersToPosition(sym, position.RoleStop, []string{stop.OrderID})
		_ = h.pos.AddOrdersToPosition(sym, position.RoleTarget, []string{target.OrderID})
		_ = h.pos.AddOrdersToPosition(sym, position.RoleDoubleDown, []string{dd.OrderID})

		mains[sym], stops[sym], targets[sym], doubles[sym] = main, stop, target, dd

		if _, err := h.om.ProcessFill(main.OrderID, d("1000"), d("150"), nil, time.Now()); err != nil {
			t.Fatalf("ProcessFill main %s: %v", sym, err)
		}
	}

	for _, sym := range symbols {
		if _, err := h.om.ProcessFill(doubles[sym].OrderID, d("500"), d("148"), nil, time.Now()); err != nil {
			t.Fatalf("ProcessFill doubledown %s: %v", sym, err)
		}
	}

	for _, sym := range symbols {
		sym := sym
		waitUntil(t, 2*time.Second, func() bool {
			p, ok := h.pos.GetPosition(sym)
			if !ok {
				return false
			}
			stopIDs := p.OrderIDs(position.RoleStop)
			targetIDs := p.OrderIDs(position.RoleTarget)
			if len(stopIDs) != 1 || len(targetIDs) != 1 {
				return false
			}
			return stopIDs[0] != stops[sym].OrderID && targetIDs[0] != targets[sym].OrderID
		})

		p, _ := h.pos.GetPosition(sym)
		newStop, _ := h.om.GetOrder(soleOrderID(t, p.OrderIDs(position.RoleStop)))
		newTarget, _ := h.om.GetOrder(soleOrderID(t, p.OrderIDs(position.RoleTarget)))
		if !newStop.Quantity.Equal(d("-1500")) {
			t.Errorf("%s: new stop quantity = %s, want -1500", sym, newStop.Quantity)
		}
		if !newTarget.Quantity.Equal(d("-1500")) {
			t.Errorf("%s: new target quantity = %s, want -1500", sym, newTarget.Quantity)
		}
	}
}
