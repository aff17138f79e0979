package strategy

import (
	"fmt"

	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

// RSIMomentum trades oscillator extremes when the spread is tight.
type RSIMomentum struct {
	params Params
}

// NewRSIMomentum builds the oscillator strategy; the spread ceiling defaults to 0.0002.
func NewRSIMomentum(p Params) *RSIMomentum {
	return &RSIMomentum{params: p.withDefaults(0.0002)}
}

// Name returns the configured identifier for logging.
func (r *RSIMomentum) Name() string { return "rsi_momentum" }

// Generate reads the RSI against the oversold/overbought thresholds. A zero
// RSI is only trusted once the window marked it ready.
func (r *RSIMomentum) Generate(f sig.Features) sig.Signal {
	out := sig.Signal{Instrument: f.Instrument, Strategy: r.Name(), Ts: f.Ts}
	if !f.RSIReady || f.Spread >= r.params.MaxSpread {
		return out
	}
	switch {
	case f.RSI < r.params.RSIOversold:
		out.Direction = sig.Long
	case f.RSI > r.params.RSIOverbought:
		out.Direction = sig.Short
	default:
		return out
	}
	out.Reason = fmt.Sprintf("rsi=%.1f spread=%.5f", f.RSI, f.Spread)
	return withExits(out, f.ATR, r.params)
}
