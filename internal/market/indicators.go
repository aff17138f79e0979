package market

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

// IndicatorParams sets the look-back periods used for the strategy inputs.
type IndicatorParams struct {
	RSIPeriod  int
	ATRPeriod  int
	BandPeriod int
	BandStdDev float64
}

func (p IndicatorParams) withDefaults() IndicatorParams {
	if p.RSIPeriod < 2 {
		p.RSIPeriod = 14
	}
	if p.ATRPeriod < 2 {
		p.ATRPeriod = 14
	}
	if p.BandPeriod < 2 {
		p.BandPeriod = 20
	}
	if p.BandStdDev <= 0 {
		p.BandStdDev = 2
	}
	return p
}

// apply fills RSI, ATR and Bollinger bands from the mid price series. Tick
// data has no bar range, so the true range collapses to the absolute change
// between consecutive mids.
func (p IndicatorParams) apply(f *signal.Features, mids []float64) {
	n := len(mids)
	if n > p.RSIPeriod {
		f.RSIReady = true
		if flat(mids) {
			f.RSI = 50
		} else {
			f.RSI = finite(lastOf(talib.Rsi(mids, p.RSIPeriod)))
		}
	}
	if n > p.ATRPeriod {
		f.ATR = finite(lastOf(talib.Atr(mids, mids, mids, p.ATRPeriod)))
	}
	if n >= p.BandPeriod {
		upper, middle, lower := talib.BBands(mids, p.BandPeriod, p.BandStdDev, p.BandStdDev, talib.SMA)
		f.UpperBand = finite(lastOf(upper))
		f.MiddleBand = finite(lastOf(middle))
		f.LowerBand = finite(lastOf(lower))
	}
}

func lastOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func flat(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}
