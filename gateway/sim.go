package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimGateway is an in-memory BrokerGateway for tests and local runs. It
// assigns sequential broker order ids and lets a test drive status,
// execution, and commission callbacks explicitly via its Simulate* methods,
// mirroring how lpmanager's adapters expose a connect/subscribe/status
// surface without a real network underneath.
type SimGateway struct {
	mu      sync.Mutex
	nextID  int64
	orders  map[int64]OrderRequest
	contract map[int64]Contract

	statusCB     StatusCallback
	executionCB  ExecutionCallback
	commissionCB CommissionCallback
}

// NewSimGateway constructs a simulation gateway whose broker order ids start
// at startID.
func NewSimGateway(startID int64) *SimGateway {
	return &SimGateway{
		nextID:   startID,
		orders:   make(map[int64]OrderRequest),
		contract: make(map[int64]Contract),
	}
}

func (g *SimGateway) PlaceOrder(_ context.Context, brokerOrderID int64, contract Contract, req OrderRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[brokerOrderID] = req
	g.contract[brokerOrderID] = contract
	return nil
}

func (g *SimGateway) CancelOrder(_ context.Context, brokerOrderID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.orders[brokerOrderID]; !ok {
		return fmt.Errorf("sim gateway: unknown broker order id %d", brokerOrderID)
	}
	delete(g.orders, brokerOrderID)
	return nil
}

func (g *SimGateway) NextOrderID() (int64, bool) {
	id := atomic.AddInt64(&g.nextID, 1) - 1
	return id, true
}

func (g *SimGateway) RequestNextOrderID(_ context.Context) error {
	return nil // NextOrderID is always immediately available in sim mode
}

func (g *SimGateway) OnOrderStatus(cb StatusCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCB = cb
}

func (g *SimGateway) OnExecutionDetails(cb ExecutionCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executionCB = cb
}

func (g *SimGateway) OnCommissionReport(cb CommissionCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commissionCB = cb
}

// SimulateStatus drives the registered status handler, e.g. to move an
// order from Submitted to PreSubmitted/Filled/Cancelled.
func (g *SimGateway) SimulateStatus(brokerOrderID int64, status string, filled, remaining, avgPrice, lastPrice decimal.Decimal) {
	g.mu.Lock()
	cb := g.statusCB
	g.mu.Unlock()
	if cb != nil {
		cb(brokerOrderID, status, filled, remaining, avgPrice, lastPrice)
	}
}

// SimulateFill drives the execution handler and then, when commission is
// non-nil, the commission handler for one execution, both synchronously.
func (g *SimGateway) SimulateFill(brokerOrderID int64, symbol, side string, qty, price decimal.Decimal, commission *decimal.Decimal) string {
	execID := uuid.NewString()

	g.mu.Lock()
	execCB := g.executionCB
	commCB := g.commissionCB
	g.mu.Unlock()

	if execCB != nil {
		execCB(ExecutionReport{
			ExecID:        execID,
			BrokerOrderID: brokerOrderID,
			Symbol:        symbol,
			Side:          side,
			Shares:        qty,
			Price:         price,
		})
	}
	if commission != nil && commCB != nil {
		commCB(CommissionReport{ExecID: execID, Commission: *commission})
	}
	return execID
}
