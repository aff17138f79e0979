// Package signal standardizes payloads shared between data ingestion and strategy layers.
package signal

import "time"

// Tick is a single bid/ask quote update for an instrument. Values are never
// mutated after construction.
type Tick struct {
	Instrument string
	Bid        float64
	Ask        float64
	Ts         time.Time
}

// Mid returns the midpoint of the quote.
func (t Tick) Mid() float64 { return (t.Bid + t.Ask) / 2 }

// Spread returns ask minus bid.
func (t Tick) Spread() float64 { return t.Ask - t.Bid }

// Features is the snapshot derived from an instrument's tick window. It is
// recomputed on every accepted tick and never persisted.
type Features struct {
	Instrument string
	MidPrice   float64
	Spread     float64
	Volatility float64
	Momentum   float64
	Liquidity  float64
	Ts         time.Time

	// Indicator inputs for strategies, zero until the window holds enough ticks.
	RSI        float64
	RSIReady   bool
	ATR        float64
	UpperBand  float64
	MiddleBand float64
	LowerBand  float64
	Ticks      int
}

// Direction is the bias of a signal or the state of a position.
type Direction int

const (
	Flat Direction = iota
	Long
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Opposite returns the reverse bias; Flat stays Flat.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return Flat
	}
}

// Signal expresses a trading bias produced by a strategy implementation.
// Distances are proposals in price units; risk sizing decides the final order.
type Signal struct {
	Instrument       string
	Direction        Direction
	StopDistance     float64
	TargetDistance   float64
	TrailingDistance float64
	Strategy         string
	Reason           string
	Ts               time.Time
}

// Actionable reports whether the signal asks for any trade at all.
func (s Signal) Actionable() bool { return s.Direction != Flat }
