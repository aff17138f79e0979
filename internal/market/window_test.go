package market

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

func rampTicks(instrument string, n int, start time.Time) []signal.Tick {
	ticks := make([]signal.Tick, n)
	for i := 0; i < n; i++ {
		bid := 1.1000 + float64(i)*0.0001
		ticks[i] = signal.Tick{Instrument: instrument, Bid: bid, Ask: bid + 0.0002, Ts: start.Add(time.Duration(i) * time.Second)}
	}
	return ticks
}

func TestUpdateWaitsForMinimumTicks(t *testing.T) {
	w := NewWindow(100, 20)
	ticks := rampTicks("EUR_USD", 20, time.Unix(1700000000, 0))
	for i, tk := range ticks[:19] {
		feats, err := w.Update(tk)
		require.NoError(t, err)
		assert.Nil(t, feats, "tick %d should not produce features", i)
	}
	feats, err := w.Update(ticks[19])
	require.NoError(t, err)
	require.NotNil(t, feats)
	assert.Equal(t, 20, feats.Ticks)
}

func TestFeatureFormulasOnRamp(t *testing.T) {
	w := NewWindow(100, 20)
	var feats *signal.Features
	for _, tk := range rampTicks("EUR_USD", 20, time.Unix(1700000000, 0)) {
		var err error
		feats, err = w.Update(tk)
		require.NoError(t, err)
	}
	require.NotNil(t, feats)

	assert.InDelta(t, 1.1019-1.1009, feats.Momentum, 1e-9)
	assert.InDelta(t, 0.0010, feats.Momentum, 1e-9)
	assert.InDelta(t, 0.0002, feats.Spread, 1e-9)
	assert.InDelta(t, 1.1020, feats.MidPrice, 1e-9)
	assert.InDelta(t, 0.20, feats.Liquidity, 1e-12)
	assert.InDelta(t, 0.0001*math.Sqrt(399.0/12.0), feats.Volatility, 1e-9)
	assert.GreaterOrEqual(t, feats.Spread, 0.0)

	assert.Greater(t, feats.RSI, 70.0, "monotonic rise should read overbought")
	assert.InDelta(t, 0.0001, feats.ATR, 2e-5)
	assert.Greater(t, feats.UpperBand, feats.MiddleBand)
	assert.Greater(t, feats.MiddleBand, feats.LowerBand)
}

func TestRingEvictsOldest(t *testing.T) {
	w := NewWindow(25, 20)
	var feats *signal.Features
	for _, tk := range rampTicks("GBP_USD", 40, time.Unix(1700000000, 0)) {
		var err error
		feats, err = w.Update(tk)
		require.NoError(t, err)
	}
	require.NotNil(t, feats)
	assert.Equal(t, 25, w.Len("GBP_USD"))
	assert.Equal(t, 25, feats.Ticks)
	assert.InDelta(t, 1.0, feats.Liquidity, 1e-12)
	assert.LessOrEqual(t, feats.Liquidity, 1.0)
}

func TestRejectedTicksLeaveWindowUntouched(t *testing.T) {
	w := NewWindow(50, 20)
	start := time.Unix(1700000000, 0)
	_, err := w.Update(signal.Tick{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.1002, Ts: start})
	require.NoError(t, err)

	cases := map[string]signal.Tick{
		"crossed":      {Instrument: "EUR_USD", Bid: 1.1003, Ask: 1.1001, Ts: start.Add(time.Second)},
		"zero bid":     {Instrument: "EUR_USD", Bid: 0, Ask: 1.1001, Ts: start.Add(time.Second)},
		"nan":          {Instrument: "EUR_USD", Bid: math.NaN(), Ask: 1.1001, Ts: start.Add(time.Second)},
		"missing name": {Bid: 1.1, Ask: 1.1001, Ts: start.Add(time.Second)},
	}
	for name, tk := range cases {
		_, err := w.Update(tk)
		assert.True(t, errors.Is(err, ErrInvalidTick), name)
	}

	_, err = w.Update(signal.Tick{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.1002, Ts: start.Add(-time.Second)})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 1, w.Len("EUR_USD"))
}

func TestInstrumentsAreIndependent(t *testing.T) {
	w := NewWindow(100, 20)
	start := time.Unix(1700000000, 0)
	for _, tk := range rampTicks("EUR_USD", 20, start) {
		_, err := w.Update(tk)
		require.NoError(t, err)
	}
	feats, err := w.Update(signal.Tick{Instrument: "USD_JPY", Bid: 150, Ask: 150.02, Ts: start})
	require.NoError(t, err)
	assert.Nil(t, feats)

	latest, ok := w.Latest("EUR_USD")
	require.True(t, ok)
	assert.Equal(t, "EUR_USD", latest.Instrument)
	_, ok = w.Latest("USD_JPY")
	assert.False(t, ok)
}

func TestFlatWindowReadsNeutralRSI(t *testing.T) {
	w := NewWindow(100, 20)
	start := time.Unix(1700000000, 0)
	var feats *signal.Features
	for i := 0; i < 20; i++ {
		var err error
		feats, err = w.Update(signal.Tick{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.1001, Ts: start.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	require.NotNil(t, feats)
	assert.Equal(t, 50.0, feats.RSI)
	assert.Zero(t, feats.ATR)
	assert.Zero(t, feats.Momentum)
}

func TestSeedSkipsBadTicks(t *testing.T) {
	w := NewWindow(100, 20)
	ticks := rampTicks("EUR_USD", 10, time.Unix(1700000000, 0))
	ticks = append(ticks, signal.Tick{Instrument: "EUR_USD", Bid: 2, Ask: 1, Ts: time.Unix(1700001000, 0)})
	assert.Equal(t, 10, w.Seed(ticks))
	assert.Equal(t, 10, w.Len("EUR_USD"))
}

func TestRSIReadyOnlyAfterItsPeriod(t *testing.T) {
	w := NewWindow(100, 20, WithIndicators(IndicatorParams{RSIPeriod: 30, ATRPeriod: 14}))
	start := time.Unix(1700000000, 0)
	var feats *signal.Features
	for i := 0; i < 20; i++ {
		bid := 1.1000
		if i%2 == 1 {
			bid = 1.1002
		}
		var err error
		feats, err = w.Update(signal.Tick{Instrument: "EUR_USD", Bid: bid, Ask: bid + 0.0001, Ts: start.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	require.NotNil(t, feats)
	assert.Greater(t, feats.ATR, 0.0)
	assert.False(t, feats.RSIReady)
	assert.Zero(t, feats.RSI)

	for i := 20; i < 31; i++ {
		bid := 1.1000
		if i%2 == 1 {
			bid = 1.1002
		}
		var err error
		feats, err = w.Update(signal.Tick{Instrument: "EUR_USD", Bid: bid, Ask: bid + 0.0001, Ts: start.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	assert.True(t, feats.RSIReady)
	assert.InDelta(t, 50.0, feats.RSI, 15)
}
