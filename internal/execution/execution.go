// Package execution dispatches orders to the broker off the tick path.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	"github.com/quantum-pro-fx/qprotraderV2/internal/metrics"
)

var (
	// ErrPoolFull is returned when the dispatch queue is at capacity.
	ErrPoolFull = errors.New("dispatch pool full")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("executor closed")
)

// Config sizes the dispatch pool.
type Config struct {
	Workers         int
	QueueSize       int
	DispatchTimeout time.Duration
}

// Result reports the outcome of one dispatched order.
type Result struct {
	Request broker.OrderRequest
	Order   *broker.Order
	Err     error
	Latency time.Duration
}

// Executor places orders on a bounded worker pool so tick workers never
// block on the broker.
type Executor struct {
	broker  broker.Broker
	pool    *pond.WorkerPool
	log     zerolog.Logger
	timeout time.Duration
	closed  atomic.Bool
}

// NewExecutor wraps a broker with a dispatch pool.
func NewExecutor(b broker.Broker, log zerolog.Logger, cfg Config) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	log = log.With().Str("component", "executor").Logger()
	pool := pond.New(
		cfg.Workers,
		cfg.QueueSize,
		pond.MinWorkers(1),
		pond.IdleTimeout(time.Minute),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			log.Error().Interface("panic", p).Msg("dispatch task panicked")
		}),
	)
	return &Executor{broker: b, pool: pool, log: log, timeout: cfg.DispatchTimeout}
}

// Submit queues the order and returns immediately. done runs on a pool
// worker once the broker answered; it is not called when Submit errors.
// In-flight orders outlive cancellation of ctx so shutdown can drain them.
func (e *Executor) Submit(ctx context.Context, req broker.OrderRequest, done func(Result)) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.log.Info().
		Str("instrument", req.Instrument).
		Str("account", req.AccountID).
		Str("side", string(req.Side)).
		Float64("qty", req.Quantity).
		Str("client_order_id", req.ClientOrderID).
		Msg("submit order")

	task := func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()

		start := time.Now()
		order, err := e.broker.PlaceOrder(dctx, req)
		res := Result{Request: req, Order: order, Err: err, Latency: time.Since(start)}
		metrics.DispatchLatency.WithLabelValues(req.Instrument).Observe(res.Latency.Seconds())
		metrics.OrdersTotal.WithLabelValues(req.Instrument, string(req.Side), outcome(res)).Inc()
		if done != nil {
			done(res)
		}
	}
	if !e.pool.TrySubmit(task) {
		metrics.OrdersTotal.WithLabelValues(req.Instrument, string(req.Side), "pool_full").Inc()
		return fmt.Errorf("%w: %d waiting", ErrPoolFull, e.pool.WaitingTasks())
	}
	return nil
}

// Cancel cancels a venue order synchronously.
func (e *Executor) Cancel(ctx context.Context, accountID, orderID string) error {
	dctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.broker.CancelOrder(dctx, accountID, orderID); err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	e.log.Info().Str("account", accountID).Str("order_id", orderID).Msg("order cancelled")
	return nil
}

// Shutdown stops admitting orders and waits for queued ones to finish.
func (e *Executor) Shutdown() {
	if e.closed.Swap(true) {
		return
	}
	e.pool.StopAndWait()
}

// Stats exposes pool counters for status reporting.
func (e *Executor) Stats() map[string]uint64 {
	return map[string]uint64{
		"running_workers":  uint64(e.pool.RunningWorkers()),
		"waiting_tasks":    e.pool.WaitingTasks(),
		"submitted_tasks":  e.pool.SubmittedTasks(),
		"successful_tasks": e.pool.SuccessfulTasks(),
		"failed_tasks":     e.pool.FailedTasks(),
	}
}

func outcome(res Result) string {
	switch {
	case res.Err != nil:
		return "error"
	case res.Order == nil:
		return "error"
	case res.Order.Status == broker.OrderRejected:
		return "rejected"
	default:
		return "accepted"
	}
}
