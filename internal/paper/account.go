package paper

import (
	"errors"
	"math"
	"sync"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
)

const epsilon = 1e-9

type positionState struct {
	Qty     float64 // signed, negative when short
	AvgCost float64
}

// Account tracks balance, realized PnL, and netted per-instrument positions
// for the simulated venue.
type Account struct {
	mu                       sync.Mutex
	id                       string
	currency                 string
	startingBalance          float64
	realizedPnL              float64
	maxPositionPerInstrument float64
	positions                map[string]positionState
}

// PositionSnapshot exposes a read-only view of a single instrument position.
type PositionSnapshot struct {
	Qty        float64
	AvgCost    float64
	Unrealized float64
}

// Snapshot represents a thread-safe view of the account state, optionally
// marked to market using provided mid prices.
type Snapshot struct {
	Balance     float64
	RealizedPnL float64
	Unrealized  float64
	Equity      float64
	Positions   map[string]PositionSnapshot
}

// NewAccount constructs an account with a starting balance and optional
// absolute position cap per instrument.
func NewAccount(id, currency string, startingBalance, maxPositionPerInstrument float64) *Account {
	return &Account{
		id:                       id,
		currency:                 currency,
		startingBalance:          startingBalance,
		maxPositionPerInstrument: maxPositionPerInstrument,
		positions:                make(map[string]positionState),
	}
}

// ID returns the account identifier.
func (a *Account) ID() string { return a.id }

// CanFill reports whether the order would keep the position inside the cap.
func (a *Account) CanFill(instrument string, side broker.Side, qty float64) error {
	if qty <= 0 {
		return errors.New("quantity must be positive")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.positions[instrument].Qty + signed(side, qty)
	if a.maxPositionPerInstrument > 0 && math.Abs(next) > a.maxPositionPerInstrument+epsilon {
		return errors.New("position limit exceeded")
	}
	return nil
}

// MarketFill nets a fill into the instrument position and returns the PnL it
// realized.
func (a *Account) MarketFill(instrument string, side broker.Side, qty, price float64) (float64, error) {
	if qty <= 0 {
		return 0, errors.New("quantity must be positive")
	}
	if price <= 0 {
		return 0, errors.New("price must be positive")
	}
	if side != broker.Buy && side != broker.Sell {
		return 0, errors.New("unknown order side")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.positions[instrument]
	delta := signed(side, qty)
	next := state.Qty + delta

	var realized float64
	switch {
	case math.Abs(state.Qty) <= epsilon || sameSign(state.Qty, delta):
		state.AvgCost = (math.Abs(state.Qty)*state.AvgCost + qty*price) / math.Abs(next)
	default:
		closing := math.Min(qty, math.Abs(state.Qty))
		realized = (price - state.AvgCost) * closing
		if state.Qty < 0 {
			realized = -realized
		}
		a.realizedPnL += realized
		if !sameSign(state.Qty, next) {
			state.AvgCost = price
		}
	}
	state.Qty = next
	if math.Abs(state.Qty) <= epsilon {
		delete(a.positions, instrument)
	} else {
		a.positions[instrument] = state
	}
	return realized, nil
}

// Snapshot returns a copy of balances, optionally marked using the supplied
// mid prices.
func (a *Account) Snapshot(prices map[string]float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make(map[string]PositionSnapshot, len(a.positions))
	balance := a.startingBalance + a.realizedPnL
	var unrealized float64
	for inst, pos := range a.positions {
		var u float64
		if mark := prices[inst]; mark > 0 {
			u = (mark - pos.AvgCost) * pos.Qty
		}
		positions[inst] = PositionSnapshot{Qty: pos.Qty, AvgCost: pos.AvgCost, Unrealized: u}
		unrealized += u
	}
	return Snapshot{
		Balance:     balance,
		RealizedPnL: a.realizedPnL,
		Unrealized:  unrealized,
		Equity:      balance + unrealized,
		Positions:   positions,
	}
}

// Position returns the signed position size for the instrument.
func (a *Account) Position(instrument string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positions[instrument].Qty
}

// RealizedPnL returns total closed-trade profit and loss.
func (a *Account) RealizedPnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL
}

func signed(side broker.Side, qty float64) float64 {
	if side == broker.Sell {
		return -qty
	}
	return qty
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
