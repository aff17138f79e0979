package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

func bandFeatures(mid, spread float64) sig.Features {
	return sig.Features{
		Instrument: "EUR_USD",
		MidPrice:   mid,
		Spread:     spread,
		UpperBand:  1.1020,
		MiddleBand: 1.1010,
		LowerBand:  1.1000,
		ATR:        0.0004,
		RSI:        50,
		RSIReady:   true,
		Ts:         time.Unix(1700000000, 0),
	}
}

func TestMeanReversionLongBelowLowerBand(t *testing.T) {
	s := NewMeanReversion(Params{})
	out := s.Generate(bandFeatures(1.0998, 0.0001))
	require.Equal(t, sig.Long, out.Direction)
	assert.InDelta(t, 1.5*0.0004, out.StopDistance, 1e-12)
	assert.InDelta(t, 2.0*0.0004, out.TargetDistance, 1e-12)
	assert.InDelta(t, 0.5*0.0004, out.TrailingDistance, 1e-12)
	assert.Equal(t, "mean_reversion", out.Strategy)
	assert.Equal(t, "EUR_USD", out.Instrument)
}

func TestMeanReversionShortAboveUpperBand(t *testing.T) {
	s := NewMeanReversion(Params{})
	out := s.Generate(bandFeatures(1.1021, 0.0001))
	assert.Equal(t, sig.Short, out.Direction)
}

func TestMeanReversionRequiresTightSpread(t *testing.T) {
	s := NewMeanReversion(Params{})
	out := s.Generate(bandFeatures(1.0998, 0.0003))
	assert.Equal(t, sig.Flat, out.Direction)
	assert.Zero(t, out.StopDistance)
}

func TestMeanReversionInsideBandsIsFlat(t *testing.T) {
	s := NewMeanReversion(Params{})
	assert.Equal(t, sig.Flat, s.Generate(bandFeatures(1.1010, 0.0001)).Direction)
	assert.Equal(t, sig.Flat, s.Generate(sig.Features{MidPrice: 1.1}).Direction, "no bands yet")
}

func TestRSIMomentumThresholds(t *testing.T) {
	s := NewRSIMomentum(Params{})
	f := bandFeatures(1.1010, 0.0001)

	f.RSI = 25
	assert.Equal(t, sig.Long, s.Generate(f).Direction)
	f.RSI = 75
	assert.Equal(t, sig.Short, s.Generate(f).Direction)
	f.RSI = 30
	assert.Equal(t, sig.Flat, s.Generate(f).Direction)
	f.RSI = 70
	assert.Equal(t, sig.Flat, s.Generate(f).Direction)

	f.RSI = 10
	f.Spread = 0.0002
	assert.Equal(t, sig.Flat, s.Generate(f).Direction, "spread at ceiling")
}

func TestRSIMomentumIgnoresEmptySnapshot(t *testing.T) {
	s := NewRSIMomentum(Params{})
	assert.Equal(t, sig.Flat, s.Generate(sig.Features{Instrument: "EUR_USD", Spread: 0.0001}).Direction)

	// ATR warms up before RSI when its period is shorter.
	f := bandFeatures(1.1010, 0.0001)
	f.RSI, f.RSIReady = 0, false
	assert.Equal(t, sig.Flat, s.Generate(f).Direction)
}

func TestBuildModes(t *testing.T) {
	cases := map[string]string{
		"":               "mean_reversion",
		"Mean-Reversion": "mean_reversion",
		"bollinger":      "mean_reversion",
		"rsi_momentum":   "rsi_momentum",
		" momentum ":     "rsi_momentum",
	}
	for mode, want := range cases {
		s, err := Build(mode, Params{})
		require.NoError(t, err, mode)
		assert.Equal(t, want, s.Name(), mode)
	}

	_, err := Build("martingale", Params{})
	assert.Error(t, err)
}

type alwaysLong struct{}

func (alwaysLong) Generate(f sig.Features) sig.Signal {
	return sig.Signal{Instrument: f.Instrument, Direction: sig.Long, StopDistance: 0.001}
}
func (alwaysLong) Name() string { return "always_long" }

func TestRegisterExtendsFactory(t *testing.T) {
	Register("always_long", func(Params) Strategy { return alwaysLong{} })
	s, err := Build("always_long", Params{})
	require.NoError(t, err)
	assert.Equal(t, sig.Long, s.Generate(sig.Features{Instrument: "X"}).Direction)
	assert.Contains(t, Modes(), "always_long")
}
