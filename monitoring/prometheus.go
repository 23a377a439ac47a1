// Package monitoring exposes Prometheus metrics for the order lifecycle,
// adapted from the trading-engine metrics used elsewhere in this codebase
// (order execution latency/counters, LP-style connectivity gauges) but
// re-scoped to order management and protective-fill repair instead of the
// HTTP/WS/DB/account concerns this module does not own.
package monitoring

import (
	"net/http"

	"github.com/epic1st/rtx/ordercore/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordercore_orders_submitted_total",
			Help: "Total orders submitted, by order type, symbol, and execution mode (sim/live).",
		},
		[]string{"order_type", "symbol", "mode"},
	)

	orderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordercore_order_errors_total",
			Help: "Total order errors by order type and error category.",
		},
		[]string{"order_type", "error_type"},
	)

	fillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordercore_fills_total",
			Help: "Total fill events processed, by symbol and order type.",
		},
		[]string{"symbol", "order_type"},
	)

	replaceOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordercore_replace_operations_total",
			Help: "Total protective-order replace operations by symbol, kind (stop/target), and outcome.",
		},
		[]string{"symbol", "kind", "outcome"},
	)

	replaceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordercore_replace_latency_milliseconds",
			Help:    "Time to complete a cancel-then-create protective order replacement.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"symbol", "kind"},
	)

	activeProtectiveOrders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ordercore_active_protective_orders",
			Help: "Current number of active stop/target orders by symbol.",
		},
		[]string{"symbol", "kind"},
	)

	fillQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ordercore_fill_queue_depth",
			Help: "Current depth of the per-symbol fill-manager operation queue.",
		},
		[]string{"symbol"},
	)
)

// Enabled reports whether metrics recording is turned on for cfg. A nil
// config defaults to enabled, matching Load()'s own default.
func Enabled(cfg *config.Config) bool {
	return cfg == nil || cfg.Metrics.Enabled
}

// Handler returns the HTTP handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOrderSubmitted records a successful order submission.
func RecordOrderSubmitted(orderType, symbol, mode string) {
	ordersSubmittedTotal.WithLabelValues(orderType, symbol, mode).Inc()
}

// RecordOrderError records an order-level error.
func RecordOrderError(orderType, errorType string) {
	orderErrorsTotal.WithLabelValues(orderType, errorType).Inc()
}

// RecordFill records a processed fill event.
func RecordFill(symbol, orderType string) {
	fillsTotal.WithLabelValues(symbol, orderType).Inc()
}

// RecordReplace records the outcome of a protective-order replacement.
func RecordReplace(symbol, kind, outcome string, latencyMs float64) {
	replaceOperationsTotal.WithLabelValues(symbol, kind, outcome).Inc()
	replaceLatency.WithLabelValues(symbol, kind).Observe(latencyMs)
}

// SetActiveProtectiveOrders sets the current protective-order count for a
// symbol/kind pair.
func SetActiveProtectiveOrders(symbol, kind string, count int) {
	activeProtectiveOrders.WithLabelValues(symbol, kind).Set(float64(count))
}

// SetFillQueueDepth sets the current fill-manager queue depth for a symbol.
func SetFillQueueDepth(symbol string, depth int) {
	fillQueueDepth.WithLabelValues(symbol).Set(float64(depth))
}
