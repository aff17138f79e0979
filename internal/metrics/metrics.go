// Package metrics registers the Prometheus collectors shared by the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Ticks accepted by the market window"},
		[]string{"instrument"},
	)
	DataErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "data_errors_total", Help: "Ticks skipped as malformed or out of order"},
		[]string{"instrument"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Actionable signals produced by strategies"},
		[]string{"instrument", "strategy", "direction"},
	)
	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "risk_rejections_total", Help: "Signals refused by the risk gate"},
		[]string{"account", "reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders dispatched by outcome"},
		[]string{"instrument", "side", "outcome"},
	)
	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fills_total", Help: "Fills applied to the ledger"},
		[]string{"instrument", "side"},
	)
	InconsistenciesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ledger_inconsistencies_total", Help: "Fills dropped because they did not match ledger state"},
		[]string{"instrument"},
	)
	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_dispatch_seconds",
			Help:    "Broker round trip for order placement",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"instrument"},
	)
	Equity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "account_equity", Help: "Equity as tracked by the risk gate"},
		[]string{"account"},
	)
	Halted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "account_halted", Help: "1 when the account is halted"},
		[]string{"account"},
	)
	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Non-flat positions per account"},
		[]string{"account"},
	)
	PendingOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "pending_orders", Help: "Orders dispatched and awaiting completion"},
	)
	FeedState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "feed_state", Help: "Feed connection state (0 idle, 1 connected, 2 reconnecting, 3 failed)"},
		[]string{"feed"},
	)
	FeedTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "feed_ticks_total", Help: "Ticks forwarded by a feed before validation"},
		[]string{"feed", "instrument"},
	)
	FeedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Reconnect attempts by feed"},
		[]string{"feed"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, DataErrorsTotal, SignalsTotal, RejectionsTotal, OrdersTotal,
		FillsTotal, InconsistenciesTotal, DispatchLatency, Equity, Halted,
		OpenPositions, PendingOrders, FeedState, FeedTicksTotal, FeedReconnects,
	)
}

// Bool converts a flag to a gauge value.
func Bool(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Serve exposes /metrics on addr in the background. An empty addr disables it.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if addr == "" {
		return srv
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
