package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	"github.com/quantum-pro-fx/qprotraderV2/internal/ledger"
	"github.com/quantum-pro-fx/qprotraderV2/internal/market"
	"github.com/quantum-pro-fx/qprotraderV2/internal/metrics"
	"github.com/quantum-pro-fx/qprotraderV2/internal/risk"
	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

// onTick runs on the instrument's worker goroutine.
func (p *Pipeline) onTick(ctx context.Context, tk sig.Tick) {
	features, err := p.window.Update(tk)
	if err != nil {
		metrics.DataErrorsTotal.WithLabelValues(tk.Instrument).Inc()
		if errors.Is(err, market.ErrOutOfOrder) {
			p.log.Debug().Err(err).Str("instrument", tk.Instrument).Msg("skipping tick")
		} else {
			p.log.Warn().Err(err).Str("instrument", tk.Instrument).Msg("skipping tick")
		}
		return
	}
	metrics.TicksTotal.WithLabelValues(tk.Instrument).Inc()
	p.ledger.Mark(tk.Instrument, tk.Mid())

	accounts := p.accountIDs()
	if p.cfg.ProtectiveExits {
		for _, acct := range accounts {
			p.checkBracket(ctx, acct, tk)
		}
	}
	if features == nil {
		return
	}

	s := p.strategy.Generate(*features)
	if !s.Actionable() {
		return
	}
	metrics.SignalsTotal.WithLabelValues(tk.Instrument, s.Strategy, s.Direction.String()).Inc()
	for _, acct := range accounts {
		p.evaluate(ctx, acct, s, tk)
	}
}

// evaluate decides what one account does with an actionable signal.
func (p *Pipeline) evaluate(ctx context.Context, accountID string, s sig.Signal, tk sig.Tick) {
	key := ledger.Key{AccountID: accountID, Instrument: tk.Instrument}
	log := p.log.With().Str("account", accountID).Str("instrument", tk.Instrument).Str("direction", s.Direction.String()).Logger()

	if p.hasPending(key) {
		log.Debug().Msg("order in flight, signal ignored")
		return
	}

	pos := p.ledger.Position(accountID, tk.Instrument)
	if pos.Open() && pos.Direction == s.Direction {
		log.Debug().Float64("qty", pos.Quantity).Msg("already positioned")
		return
	}

	gate := p.gate(accountID)
	if snap := gate.Snapshot(); snap.State == risk.Halted {
		p.rejected(accountID, risk.Decision{Reason: risk.ReasonHalted, Detail: "account halted: " + snap.HaltReason}, log)
		return
	}

	if pos.Open() {
		decision := gate.Validate(s, pos.Quantity, tk.Spread())
		if !decision.Approved {
			p.rejected(accountID, decision, log)
			return
		}
		log.Info().Str("reason", s.Reason).Float64("qty", pos.Quantity).Msg("opposite signal, flattening")
		p.dispatch(ctx, key, broker.SideFor(pos.Direction).Opposite(), pos.Quantity, purposeClose, sig.Signal{})
		return
	}

	if s.StopDistance <= 0 {
		p.rejected(accountID, risk.Decision{Reason: risk.ReasonInvalidStop, Detail: "non-positive stop distance"}, log)
		return
	}
	inst := p.instruments[tk.Instrument]
	qty, err := p.sizer.Size(gate.Snapshot(), s.StopDistance, inst.PipValue)
	if err != nil {
		p.rejected(accountID, risk.Decision{Reason: risk.ReasonInvalidStop, Detail: err.Error()}, log)
		return
	}
	qty = risk.Round(qty, inst.Precision)

	decision := gate.Validate(s, qty, tk.Spread())
	if !decision.Approved {
		p.rejected(accountID, decision, log)
		return
	}
	log.Info().Str("reason", s.Reason).Float64("qty", qty).Float64("stop", s.StopDistance).Msg("entry approved")
	p.dispatch(ctx, key, broker.SideFor(s.Direction), qty, purposeEntry, s)
}

func (p *Pipeline) rejected(accountID string, d risk.Decision, log zerolog.Logger) {
	if d.NoAction() {
		return
	}
	metrics.RejectionsTotal.WithLabelValues(accountID, string(d.Reason)).Inc()
	log.Info().Str("reason", string(d.Reason)).Str("detail", d.Detail).Msg("signal rejected")
}
