// Package gateway defines the external Broker Gateway boundary named in
// spec_full.md §8.1 and spec.md §6: an asynchronous client that accepts
// order placement/cancellation and invokes host-supplied callbacks on
// status, execution, and commission reports. The wire protocol itself is
// out of scope; this package only defines the contract and a simulation
// implementation for tests and local runs.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Contract identifies the instrument an order trades.
type Contract struct {
	Symbol   string
	SecType  string
	Exchange string
	Currency string
}

// OrderRequest is the broker-level shape of an order, translated from a
// domain order.Order by the Order Manager.
type OrderRequest struct {
	Action        string // BUY or SELL
	TotalQuantity decimal.Decimal
	OrderType     string
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   string
}

// ExecutionReport describes one execution against a broker order.
type ExecutionReport struct {
	ExecID        string
	BrokerOrderID int64
	Symbol        string
	Side          string
	Shares        decimal.Decimal
	Price         decimal.Decimal
}

// CommissionReport arrives separately from the matching ExecutionReport and
// must be correlated by ExecID.
type CommissionReport struct {
	ExecID     string
	Commission decimal.Decimal
}

// StatusCallback is invoked whenever the broker reports a status change for
// brokerOrderID.
type StatusCallback func(brokerOrderID int64, statusString string, filled, remaining, avgFillPrice, lastFillPrice decimal.Decimal)

// ExecutionCallback is invoked for each execution report.
type ExecutionCallback func(report ExecutionReport)

// CommissionCallback is invoked for each commission report.
type CommissionCallback func(report CommissionReport)

// BrokerGateway is the consumed contract. The core installs its own
// handlers via the On* registration methods rather than overwriting gateway
// fields directly, per the dynamic-callback-rebinding-to-trait-composition
// design note — a gateway implementation may support multiple registered
// handlers or just the last one registered; the sim implementation here
// keeps the last registered handler of each kind.
type BrokerGateway interface {
	PlaceOrder(ctx context.Context, brokerOrderID int64, contract Contract, req OrderRequest) error
	CancelOrder(ctx context.Context, brokerOrderID int64) error

	// NextOrderID returns a cached monotonic broker order id, if one is
	// available without a round trip.
	NextOrderID() (int64, bool)
	// RequestNextOrderID asks the broker to push a fresh id asynchronously;
	// the caller polls NextOrderID afterward.
	RequestNextOrderID(ctx context.Context) error

	OnOrderStatus(cb StatusCallback)
	OnExecutionDetails(cb ExecutionCallback)
	OnCommissionReport(cb CommissionCallback)
}
