// Package strategy contains trading signal generation logic wired into feature snapshots.
package strategy

import (
	"fmt"

	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

// MeanReversion fades moves outside the Bollinger bands while the spread is tight.
type MeanReversion struct {
	params Params
}

// NewMeanReversion builds a band-fade strategy; the spread ceiling defaults to 0.0003.
func NewMeanReversion(p Params) *MeanReversion {
	return &MeanReversion{params: p.withDefaults(0.0003)}
}

// Name returns the identifier for the strategy implementation.
func (m *MeanReversion) Name() string { return "mean_reversion" }

// Generate compares the mid price to the bands.
func (m *MeanReversion) Generate(f sig.Features) sig.Signal {
	out := sig.Signal{Instrument: f.Instrument, Strategy: m.Name(), Ts: f.Ts}
	if f.UpperBand <= 0 || f.LowerBand <= 0 || f.Spread >= m.params.MaxSpread {
		return out
	}
	switch {
	case f.MidPrice <= f.LowerBand:
		out.Direction = sig.Long
		out.Reason = fmt.Sprintf("mid=%.5f <= lower=%.5f", f.MidPrice, f.LowerBand)
	case f.MidPrice >= f.UpperBand:
		out.Direction = sig.Short
		out.Reason = fmt.Sprintf("mid=%.5f >= upper=%.5f", f.MidPrice, f.UpperBand)
	default:
		return out
	}
	return withExits(out, f.ATR, m.params)
}
