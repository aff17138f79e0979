package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	"github.com/quantum-pro-fx/qprotraderV2/internal/execution"
	"github.com/quantum-pro-fx/qprotraderV2/internal/ledger"
	"github.com/quantum-pro-fx/qprotraderV2/internal/metrics"
	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

const fillEpsilon = 1e-9

type purpose string

const (
	purposeEntry purpose = "entry"
	purposeClose purpose = "close"
	purposeExit  purpose = "protective_exit"
)

type pendingOrder struct {
	key           ledger.Key
	clientOrderID string
	orderID       string
	side          broker.Side
	quantity      float64
	filled        float64
	purpose       purpose
	signal        sig.Signal
	deadline      time.Time
}

// PendingOrder is the exported view of an in-flight order.
type PendingOrder struct {
	AccountID     string
	Instrument    string
	ClientOrderID string
	OrderID       string
	Side          broker.Side
	Quantity      float64
	Filled        float64
	Purpose       string
	Deadline      time.Time
}

func (p *Pipeline) hasPending(key ledger.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[key]
	return ok
}

// dispatch reserves the key and hands the order to the executor. Dispatch
// errors release the reservation and leave the ledger untouched.
func (p *Pipeline) dispatch(ctx context.Context, key ledger.Key, side broker.Side, qty float64, why purpose, s sig.Signal) {
	po := &pendingOrder{
		key:           key,
		clientOrderID: uuid.NewString(),
		side:          side,
		quantity:      qty,
		purpose:       why,
		signal:        s,
		deadline:      p.now().Add(p.cfg.OrderTimeout),
	}
	p.mu.Lock()
	if _, busy := p.pending[key]; busy {
		p.mu.Unlock()
		return
	}
	p.pending[key] = po
	metrics.PendingOrders.Set(float64(len(p.pending)))
	p.mu.Unlock()

	req := broker.OrderRequest{
		ClientOrderID: po.clientOrderID,
		AccountID:     key.AccountID,
		Instrument:    key.Instrument,
		Side:          side,
		Quantity:      qty,
	}
	err := p.exec.Submit(ctx, req, func(res execution.Result) { p.onResult(po, res) })
	if err != nil {
		p.release(key, po.clientOrderID)
		p.log.Error().Err(err).Str("key", key.String()).Str("purpose", string(why)).Msg("dispatch failed")
	}
}

// onResult runs on a dispatch worker once the broker answered.
func (p *Pipeline) onResult(po *pendingOrder, res execution.Result) {
	log := p.log.With().Str("key", po.key.String()).Str("client_order_id", po.clientOrderID).Logger()
	switch {
	case res.Err != nil:
		p.release(po.key, po.clientOrderID)
		log.Error().Err(res.Err).Str("purpose", string(po.purpose)).Msg("order placement failed")
	case res.Order == nil:
		p.release(po.key, po.clientOrderID)
		log.Error().Msg("broker returned no order")
	case res.Order.Status == broker.OrderRejected:
		p.release(po.key, po.clientOrderID)
		log.Warn().Str("reason", res.Order.Reason).Str("purpose", string(po.purpose)).Msg("order rejected")
	default:
		p.mu.Lock()
		if cur, ok := p.pending[po.key]; ok && cur.clientOrderID == po.clientOrderID {
			cur.orderID = res.Order.ID
		}
		p.mu.Unlock()
		log.Debug().Str("order_id", res.Order.ID).Str("status", string(res.Order.Status)).Dur("latency", res.Latency).Msg("order acknowledged")
	}
}

func (p *Pipeline) release(key ledger.Key, clientOrderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.pending[key]; ok && cur.clientOrderID == clientOrderID {
		delete(p.pending, key)
		metrics.PendingOrders.Set(float64(len(p.pending)))
	}
}

// consumeFills is the only goroutine that mutates the ledger.
func (p *Pipeline) consumeFills(ctx context.Context) {
	fills := p.broker.Fills()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fills:
			if !ok {
				return
			}
			p.applyFill(f)
		}
	}
}

func (p *Pipeline) applyFill(f broker.Fill) {
	key := ledger.Key{AccountID: f.AccountID, Instrument: f.Instrument}
	log := p.log.With().Str("key", key.String()).Str("side", string(f.Side)).Float64("qty", f.Quantity).Float64("price", f.Price).Logger()

	completed := p.progress(key, f)

	out, err := p.ledger.Apply(f)
	if err != nil {
		metrics.InconsistenciesTotal.WithLabelValues(f.Instrument).Inc()
		log.Error().Err(err).Msg("fill dropped")
		return
	}
	metrics.FillsTotal.WithLabelValues(f.Instrument, string(f.Side)).Inc()
	log.Info().
		Str("direction", out.Position.Direction.String()).
		Float64("position_qty", out.Position.Quantity).
		Float64("realized", out.Realized).
		Msg("fill applied")

	if gate := p.gate(f.AccountID); gate != nil {
		if out.Realized != 0 {
			wasHalted := gate.Halted()
			halted := gate.RecordRealized(out.Realized)
			snap := gate.Snapshot()
			p.publishAccount(snap)
			if halted && !wasHalted {
				log.Warn().Str("reason", snap.HaltReason).Float64("equity", snap.Equity).Msg("account halted")
			}
		}
	}
	p.updateBracket(key, out, completed)
	p.publishOpenPositions(f.AccountID)
}

// progress credits a fill to the pending order it belongs to and clears the
// reservation once the order is complete. It returns the order when the fill
// belongs to it.
func (p *Pipeline) progress(key ledger.Key, f broker.Fill) *pendingOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.pending[key]
	if !ok {
		return nil
	}
	if f.ClientOrderID != po.clientOrderID && (po.orderID == "" || f.OrderID != po.orderID) {
		return nil
	}
	po.filled += f.Quantity
	if po.filled+fillEpsilon >= po.quantity {
		delete(p.pending, key)
		metrics.PendingOrders.Set(float64(len(p.pending)))
	}
	cp := *po
	return &cp
}

// sweepPending cancels orders that outlived the order timeout.
func (p *Pipeline) sweepPending(ctx context.Context) {
	interval := p.cfg.OrderTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.expire(ctx)
		}
	}
}

func (p *Pipeline) expire(ctx context.Context) {
	now := p.now()
	var expired []*pendingOrder
	p.mu.Lock()
	for key, po := range p.pending {
		if now.After(po.deadline) {
			expired = append(expired, po)
			delete(p.pending, key)
		}
	}
	metrics.PendingOrders.Set(float64(len(p.pending)))
	p.mu.Unlock()

	for _, po := range expired {
		log := p.log.With().Str("key", po.key.String()).Str("client_order_id", po.clientOrderID).Logger()
		log.Warn().Float64("filled", po.filled).Float64("qty", po.quantity).Msg("order timed out")
		if po.orderID == "" {
			continue
		}
		if err := p.exec.Cancel(ctx, po.key.AccountID, po.orderID); err != nil {
			log.Warn().Err(err).Msg("cancel timed-out order")
		}
	}
}

func (p *Pipeline) drainPending() []*pendingOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*pendingOrder, 0, len(p.pending))
	for key, po := range p.pending {
		out = append(out, po)
		delete(p.pending, key)
	}
	metrics.PendingOrders.Set(0)
	return out
}

func (p *Pipeline) pendingOrders() []PendingOrder {
	p.mu.Lock()
	out := make([]PendingOrder, 0, len(p.pending))
	for _, po := range p.pending {
		out = append(out, PendingOrder{
			AccountID:     po.key.AccountID,
			Instrument:    po.key.Instrument,
			ClientOrderID: po.clientOrderID,
			OrderID:       po.orderID,
			Side:          po.side,
			Quantity:      po.quantity,
			Filled:        po.filled,
			Purpose:       string(po.purpose),
			Deadline:      po.deadline,
		})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

func (p *Pipeline) publishOpenPositions(accountID string) {
	n := 0
	for _, pos := range p.ledger.Positions() {
		if pos.AccountID == accountID {
			n++
		}
	}
	metrics.OpenPositions.WithLabelValues(accountID).Set(float64(n))
}
