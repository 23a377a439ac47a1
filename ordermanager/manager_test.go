package ordermanager

import (
	"testing"
	"time"

	"github.com/epic1st/rtx/ordercore/config"
	"github.com/epic1st/rtx/ordercore/events"
	"github.com/epic1st/rtx/ordercore/order"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func simConfig() *config.Config {
	return &config.Config{
		Sim: config.SimConfig{Enabled: true},
		Replace: config.ReplaceConfig{
			RetryCount:   3,
			RetryBackoff: time.Millisecond,
			SettleDelay:  time.Millisecond,
			FillEpsilon:  1e-6,
		},
		Broker:  config.BrokerConfig{IDPollInterval: time.Millisecond, CommissionWait: 50 * time.Millisecond},
		Metrics: config.MetricsConfig{Enabled: false},
	}
}

func newTestManager() (*Manager, chan events.Event) {
	ch := make(chan events.Event, 256)
	bus := events.NewBus(nil)
	bus.Subscribe(events.TypeNewOrder, func(e events.Event) { ch <- e })
	bus.Subscribe(events.TypeOrderStatus, func(e events.Event) { ch <- e })
	bus.Subscribe(events.TypeFill, func(e events.Event) { ch <- e })
	bus.Subscribe(events.TypeCancel, func(e events.Event) { ch <- e })
	bus.Subscribe(events.TypeReject, func(e events.Event) { ch <- e })
	bus.Subscribe(events.TypeOrderGroup, func(e events.Event) { ch <- e })

	m := New(simConfig(), nil, nil, bus, nil)
	return m, ch
}

func drain(t *testing.T, ch chan events.Event, n int, timeout time.Duration) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d: %+v", n, len(out), out)
		}
	}
	return out
}

func TestScenario_MarketBuyFullFill(t *testing.T) {
	m, ch := newTestManager()

	o, err := m.CreateOrder("AAPL", d("100"), order.SideBuy, order.TypeMarket, true)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// NewOrder, PendingSubmit, Submitted, (async) Accepted
	drain(t, ch, 4, time.Second)

	accepted, err := m.ProcessFill(o.OrderID, d("100"), d("150.0"), nil, time.Now())
	if err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}
	if !accepted {
		t.Fatal("fill was not accepted")
	}

	got, _ := m.GetOrder(o.OrderID)
	if got.Status != order.StatusFilled {
		t.Errorf("Status = %s, want Filled", got.Status)
	}
	if !got.FilledQuantity.Equal(d("100")) {
		t.Errorf("FilledQuantity = %s, want 100", got.FilledQuantity)
	}
	if !got.AvgFillPrice.Equal(d("150.0")) {
		t.Errorf("AvgFillPrice = %s, want 150.0", got.AvgFillPrice)
	}
}

func TestScenario_LimitBuyTwoPartialFills(t *testing.T) {
	m, _ := newTestManager()

	price := d("250.0")
	o, err := m.CreateOrder("MSFT", d("100"), order.SideBuy, order.TypeLimit, true, order.WithLimitPrice(price))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := m.ProcessFill(o.OrderID, d("25"), d("250.0"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ProcessFill(o.OrderID, d("25"), d("249.8"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, _ := m.GetOrder(o.OrderID)
	if got.Status != order.StatusPartiallyFilled {
		t.Errorf("Status = %s, want PartiallyFilled", got.Status)
	}
	if !got.FilledQuantity.Equal(d("50")) {
		t.Errorf("FilledQuantity = %s, want 50", got.FilledQuantity)
	}
	if !got.AvgFillPrice.Equal(d("249.9")) {
		t.Errorf("AvgFillPrice = %s, want 249.9", got.AvgFillPrice)
	}
}

func TestScenario_BracketEntryFillMaterializesChildren(t *testing.T) {
	m, _ := newTestManager()

	entryPrice := d("2500.0")
	b, err := m.CreateBracketOrder("GOOG", d("10"), order.SideBuy, order.TypeLimit, &entryPrice, d("2450.0"), d("2550.0"), order.TIFDay, true)
	if err != nil {
		t.Fatalf("CreateBracketOrder: %v", err)
	}

	if _, err := m.ProcessFill(b.Entry.OrderID, d("10"), d("2500.0"), nil, time.Now()); err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}

	if !b.ChildOrdersCreated {
		t.Fatal("expected children to be created after entry fill")
	}
	stop, _ := m.GetOrder(*b.StopOrderID)
	target, _ := m.GetOrder(*b.TakeProfitOrderID)
	if !stop.Quantity.Equal(d("-10")) {
		t.Errorf("stop quantity = %s, want -10", stop.Quantity)
	}
	if !target.Quantity.Equal(d("-10")) {
		t.Errorf("target quantity = %s, want -10", target.Quantity)
	}
	if stop.StopPrice == nil || !stop.StopPrice.Equal(d("2450.0")) {
		t.Errorf("stop price = %v, want 2450.0", stop.StopPrice)
	}
	if target.LimitPrice == nil || !target.LimitPrice.Equal(d("2550.0")) {
		t.Errorf("target price = %v, want 2550.0", target.LimitPrice)
	}
}

func TestCancelOrder_TerminalIsNoOp(t *testing.T) {
	m, _ := newTestManager()
	o, err := m.CreateOrder("AAPL", d("100"), order.SideBuy, order.TypeMarket, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ProcessFill(o.OrderID, d("100"), d("150"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	changed, err := m.CancelOrder(o.OrderID, "too late")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("cancelling a filled order should be a no-op")
	}
}

func TestCancelAllOrders_FiltersBySymbol(t *testing.T) {
	m, _ := newTestManager()
	a, err := m.CreateOrder("AAPL", d("100"), order.SideBuy, order.TypeMarket, true)
	if err != nil {
		t.Fatal(err)
	}
	g, err := m.CreateOrder("GOOG", d("10"), order.SideBuy, order.TypeMarket, true)
	if err != nil {
		t.Fatal(err)
	}

	n, err := m.CancelAllOrders("AAPL", "test")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cancelled %d orders, want 1", n)
	}
	aOrder, _ := m.GetOrder(a.OrderID)
	gOrder, _ := m.GetOrder(g.OrderID)
	if aOrder.Status != order.StatusCancelled {
		t.Errorf("AAPL order status = %s, want Cancelled", aOrder.Status)
	}
	if gOrder.Status == order.StatusCancelled {
		t.Error("GOOG order should not have been cancelled")
	}
}

func TestCreateOCOOrders_FillCancelsSibling(t *testing.T) {
	m, _ := newTestManager()

	g, err := m.CreateOCOOrders("AAPL", []OrderSpec{
		{Quantity: d("-100"), Side: order.SideSell, Type: order.TypeStop, StopPrice: ptr(d("145"))},
		{Quantity: d("-100"), Side: order.SideSell, Type: order.TypeLimit, LimitPrice: ptr(d("155"))},
	}, true)
	if err != nil {
		t.Fatalf("CreateOCOOrders: %v", err)
	}

	var stopID, targetID string
	for id, o := range g.Orders {
		if o.OrderType == order.TypeStop {
			stopID = id
		} else {
			targetID = id
		}
	}

	if _, err := m.ProcessFill(stopID, d("100"), d("145"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	target, _ := m.GetOrder(targetID)
	if target.Status != order.StatusCancelled && target.Status != order.StatusPendingCancel {
		t.Errorf("target status = %s, want Cancelled/PendingCancel", target.Status)
	}
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
