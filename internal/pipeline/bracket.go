package pipeline

import (
	"context"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	"github.com/quantum-pro-fx/qprotraderV2/internal/ledger"
	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

// bracket holds the protective levels of one open position. Distances are
// in price units relative to the averaged entry.
type bracket struct {
	direction sig.Direction
	entry     float64
	stop      float64
	target    float64
	trailing  float64
	best      float64
}

// exitReason reports which level the exit price crossed, if any. best
// tracks the most favourable exit price seen since entry.
func (b *bracket) exitReason(price float64) string {
	switch b.direction {
	case sig.Long:
		if price > b.best {
			b.best = price
		}
		if b.target > 0 && price >= b.entry+b.target {
			return "target"
		}
		if b.stop > 0 && price <= b.entry-b.stop {
			return "stop"
		}
		if b.trailing > 0 && b.best > b.entry && price <= b.best-b.trailing {
			return "trailing"
		}
	case sig.Short:
		if b.best == 0 || price < b.best {
			b.best = price
		}
		if b.target > 0 && price <= b.entry-b.target {
			return "target"
		}
		if b.stop > 0 && price >= b.entry+b.stop {
			return "stop"
		}
		if b.trailing > 0 && b.best < b.entry && price >= b.best+b.trailing {
			return "trailing"
		}
	}
	return ""
}

// updateBracket arms the bracket when an entry order fills and drops it when
// the position goes flat or reverses.
func (p *Pipeline) updateBracket(key ledger.Key, out ledger.Outcome, order *pendingOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !out.Position.Open() || out.Closed || out.Reversed {
		delete(p.brackets, key)
	}
	if !p.cfg.ProtectiveExits || order == nil || order.purpose != purposeEntry || !out.Position.Open() {
		return
	}
	if order.signal.Direction != out.Position.Direction {
		return
	}
	if b, ok := p.brackets[key]; ok {
		b.entry = out.Position.EntryPrice
		return
	}
	p.brackets[key] = &bracket{
		direction: out.Position.Direction,
		entry:     out.Position.EntryPrice,
		stop:      order.signal.StopDistance,
		target:    order.signal.TargetDistance,
		trailing:  order.signal.TrailingDistance,
		best:      out.Position.EntryPrice,
	}
}

// checkBracket runs on the instrument worker. Long positions exit at the
// bid, shorts at the ask. Exits reduce risk and skip the gate.
func (p *Pipeline) checkBracket(ctx context.Context, accountID string, tk sig.Tick) {
	key := ledger.Key{AccountID: accountID, Instrument: tk.Instrument}

	p.mu.Lock()
	b, ok := p.brackets[key]
	_, busy := p.pending[key]
	reason := ""
	if ok && !busy {
		price := tk.Bid
		if b.direction == sig.Short {
			price = tk.Ask
		}
		reason = b.exitReason(price)
	}
	p.mu.Unlock()
	if reason == "" {
		return
	}

	pos := p.ledger.Position(accountID, tk.Instrument)
	if !pos.Open() {
		p.mu.Lock()
		delete(p.brackets, key)
		p.mu.Unlock()
		return
	}
	p.log.Info().
		Str("key", key.String()).
		Str("exit", reason).
		Float64("bid", tk.Bid).
		Float64("ask", tk.Ask).
		Float64("entry", pos.EntryPrice).
		Msg("protective exit triggered")
	p.dispatch(ctx, key, broker.SideFor(pos.Direction).Opposite(), pos.Quantity, purposeExit, sig.Signal{})
}
