// Package paper simulates a venue: market orders fill asynchronously
// against the last observed quote with configurable latency, slippage and
// partial fills.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	"github.com/quantum-pro-fx/qprotraderV2/internal/exchange"
	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

// ErrUnknownOrder is returned when cancelling an order the venue never saw
// or already completed.
var ErrUnknownOrder = errors.New("unknown or completed order")

// Config tunes the simulation.
type Config struct {
	AccountID                string
	Currency                 string
	StartingBalance          float64
	MaxPositionPerInstrument float64
	SlippageBps              float64
	MaxLatency               time.Duration
	PartialFillProbability   float64
	MaxPartialFills          int
	Seed                     int64
}

type pendingOrder struct {
	order     broker.Order
	cancelled bool
}

// Broker is an in-process broker.Broker. Quotes reach it through
// StreamTicks, which wraps a quote source.
type Broker struct {
	cfg     Config
	source  exchange.Source
	account *Account
	log     zerolog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	connected bool
	closed    bool
	quotes    map[string]sig.Tick
	orders    map[string]*pendingOrder

	fills chan broker.Fill
	wg    sync.WaitGroup
	done  chan struct{}
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker builds a simulated broker over the quote source.
func NewBroker(cfg Config, source exchange.Source, log zerolog.Logger) *Broker {
	if cfg.AccountID == "" {
		cfg.AccountID = "paper"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.MaxPartialFills < 1 {
		cfg.MaxPartialFills = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Broker{
		cfg:     cfg,
		source:  source,
		account: NewAccount(cfg.AccountID, cfg.Currency, cfg.StartingBalance, cfg.MaxPositionPerInstrument),
		log:     log.With().Str("component", "paper_broker").Logger(),
		rng:     rand.New(rand.NewSource(seed)),
		quotes:  make(map[string]sig.Tick),
		orders:  make(map[string]*pendingOrder),
		fills:   make(chan broker.Fill, 1024),
		done:    make(chan struct{}),
	}
}

// Account exposes the simulated book.
func (b *Broker) Account() *Account { return b.account }

// Connect implements broker.Broker.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("paper broker closed")
	}
	b.connected = true
	b.log.Info().Str("account", b.cfg.AccountID).Float64("balance", b.cfg.StartingBalance).Msg("paper broker connected")
	return nil
}

// Accounts implements broker.Broker.
func (b *Broker) Accounts(ctx context.Context) ([]broker.Account, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	snap := b.account.Snapshot(b.mids())
	return []broker.Account{{
		ID:            b.cfg.AccountID,
		Currency:      b.cfg.Currency,
		Balance:       snap.Balance,
		NAV:           snap.Equity,
		UnrealizedPnL: snap.Unrealized,
	}}, nil
}

// Positions implements broker.Broker.
func (b *Broker) Positions(ctx context.Context, accountID string) ([]broker.Position, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	if accountID != b.cfg.AccountID {
		return nil, fmt.Errorf("unknown account %q", accountID)
	}
	snap := b.account.Snapshot(nil)
	out := make([]broker.Position, 0, len(snap.Positions))
	for inst, pos := range snap.Positions {
		out = append(out, broker.Position{AccountID: accountID, Instrument: inst, Quantity: pos.Qty, AvgPrice: pos.AvgCost})
	}
	return out, nil
}

// PlaceOrder acknowledges a market order and schedules its fills. Orders
// that cannot be priced or exceed the position cap come back rejected.
func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	if req.AccountID != b.cfg.AccountID {
		return nil, fmt.Errorf("unknown account %q", req.AccountID)
	}
	order := broker.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		AccountID:     req.AccountID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Status:        broker.OrderAccepted,
		CreatedAt:     time.Now().UTC(),
	}

	b.mu.Lock()
	_, quoted := b.quotes[req.Instrument]
	b.mu.Unlock()
	switch {
	case !quoted:
		order.Status, order.Reason = broker.OrderRejected, "no quote"
	default:
		if err := b.account.CanFill(req.Instrument, req.Side, req.Quantity); err != nil {
			order.Status, order.Reason = broker.OrderRejected, err.Error()
		}
	}
	if order.Status == broker.OrderRejected {
		b.log.Warn().Str("instrument", req.Instrument).Str("reason", order.Reason).Msg("paper order rejected")
		return &order, nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrNotConnected
	}
	p := &pendingOrder{order: order}
	b.orders[order.ID] = p
	parts := b.splitLocked(req.Quantity)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.execute(p, parts)
	return &order, nil
}

// CancelOrder implements broker.Broker. Only orders with fills still
// outstanding can be cancelled.
func (b *Broker) CancelOrder(ctx context.Context, accountID, orderID string) error {
	if err := b.ready(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.orders[orderID]
	if !ok || p.order.AccountID != accountID {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	p.cancelled = true
	delete(b.orders, orderID)
	return nil
}

// StreamTicks runs the wrapped source and records each quote before passing
// it on.
func (b *Broker) StreamTicks(ctx context.Context, instruments []string, out chan<- sig.Tick) error {
	if err := b.ready(); err != nil {
		return err
	}
	ch := make(chan sig.Tick, 64)
	errc := make(chan error, 1)
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { errc <- b.source.Stream(sctx, instruments, ch) }()
	for {
		select {
		case tk := <-ch:
			b.Observe(tk)
			select {
			case out <- tk:
			case <-ctx.Done():
				cancel()
				<-errc
				return ctx.Err()
			}
		case err := <-errc:
			return err
		}
	}
}

// Observe records a quote used to price later orders.
func (b *Broker) Observe(tk sig.Tick) {
	if tk.Bid <= 0 || tk.Ask < tk.Bid {
		return
	}
	b.mu.Lock()
	b.quotes[tk.Instrument] = tk
	b.mu.Unlock()
}

// Fills implements broker.Broker. The channel is closed by Close.
func (b *Broker) Fills() <-chan broker.Fill { return b.fills }

// Close waits for scheduled fills and closes the fill channel.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
	close(b.fills)
	return nil
}

func (b *Broker) ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.closed {
		return broker.ErrNotConnected
	}
	return nil
}

func (b *Broker) mids() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.quotes))
	for inst, q := range b.quotes {
		out[inst] = q.Mid()
	}
	return out
}

// splitLocked decides the fill quantities for an order.
func (b *Broker) splitLocked(qty float64) []float64 {
	if b.cfg.MaxPartialFills < 2 || b.rng.Float64() >= b.cfg.PartialFillProbability {
		return []float64{qty}
	}
	n := 2 + b.rng.Intn(b.cfg.MaxPartialFills-1)
	weights := make([]float64, n)
	var total float64
	for i := range weights {
		weights[i] = 0.2 + b.rng.Float64()
		total += weights[i]
	}
	parts := make([]float64, n)
	remaining := qty
	for i := 0; i < n-1; i++ {
		parts[i] = qty * weights[i] / total
		remaining -= parts[i]
	}
	parts[n-1] = remaining
	return parts
}

func (b *Broker) latencyLocked() time.Duration {
	if b.cfg.MaxLatency <= 0 {
		return 0
	}
	return time.Duration(b.rng.Int63n(int64(b.cfg.MaxLatency) + 1))
}

func (b *Broker) execute(p *pendingOrder, parts []float64) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.orders, p.order.ID)
		b.mu.Unlock()
	}()

	for _, qty := range parts {
		b.mu.Lock()
		delay := b.latencyLocked()
		b.mu.Unlock()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-b.done:
			}
		}

		b.mu.Lock()
		if p.cancelled {
			b.mu.Unlock()
			return
		}
		quote := b.quotes[p.order.Instrument]
		b.mu.Unlock()

		price := b.fillPrice(p.order.Side, quote)
		if _, err := b.account.MarketFill(p.order.Instrument, p.order.Side, qty, price); err != nil {
			b.log.Error().Err(err).Str("order_id", p.order.ID).Msg("paper fill failed")
			return
		}
		fill := broker.Fill{
			ID:            uuid.NewString(),
			OrderID:       p.order.ID,
			ClientOrderID: p.order.ClientOrderID,
			AccountID:     p.order.AccountID,
			Instrument:    p.order.Instrument,
			Side:          p.order.Side,
			Price:         price,
			Quantity:      qty,
			Ts:            time.Now().UTC(),
		}
		b.fills <- fill
	}
}

// fillPrice takes the ask for buys and the bid for sells, moved against the
// taker by the slippage.
func (b *Broker) fillPrice(side broker.Side, q sig.Tick) float64 {
	slip := b.cfg.SlippageBps / 10000
	if side == broker.Buy {
		return q.Ask * (1 + slip)
	}
	return q.Bid * (1 - slip)
}
