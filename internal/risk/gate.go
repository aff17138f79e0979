package risk

import (
	"fmt"
	"sync"
	"time"

	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

// Gate validates signals for one account and owns its AccountState. All
// methods are safe for concurrent use; readers get copies via Snapshot.
type Gate struct {
	params Parameters
	now    func() time.Time

	mu    sync.Mutex
	state AccountState
}

// GateOption customizes a Gate.
type GateOption func(*Gate)

// WithClock injects the clock used for trade-rate hours.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate starts an account in Trading with the given equity as both the
// initial and start-of-day reference.
func NewGate(accountID string, equity float64, params Parameters, opts ...GateOption) *Gate {
	g := &Gate{
		params: params,
		now:    time.Now,
		state: AccountState{
			AccountID:        accountID,
			Equity:           equity,
			InitialEquity:    equity,
			StartOfDayEquity: equity,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Params returns the immutable parameters.
func (g *Gate) Params() Parameters { return g.params }

// Validate decides whether a trade of quantity at the given spread may be
// dispatched. Approval consumes a slot of the hourly trade budget even if the
// order later fails.
func (g *Gate) Validate(s sig.Signal, quantity, spread float64) Decision {
	if !s.Actionable() {
		return Decision{Reason: ReasonNoAction}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.State == Halted {
		return reject(ReasonHalted, "account halted: %s", g.state.HaltReason)
	}
	if quantity <= 0 {
		return reject(ReasonZeroSize, "quantity %.4f", quantity)
	}
	if quantity > g.params.MaxPositionSize+epsilon {
		return reject(ReasonPositionSize, "quantity %.4f exceeds max %.4f", quantity, g.params.MaxPositionSize)
	}
	if spread > g.params.MaxSpread {
		return reject(ReasonSpread, "spread %.5f exceeds ceiling %.5f", spread, g.params.MaxSpread)
	}

	hour := g.now().UTC().Truncate(time.Hour)
	if !hour.Equal(g.state.LastTradeHour) {
		g.state.LastTradeHour = hour
		g.state.TradeCountThisHour = 0
	}
	if g.state.TradeCountThisHour >= g.params.MaxTradesPerHour {
		return reject(ReasonTradeRate, "%d trades this hour (max %d)", g.state.TradeCountThisHour, g.params.MaxTradesPerHour)
	}
	g.state.TradeCountThisHour++
	return approve()
}

// RecordRealized applies realized PnL reported by the ledger and re-evaluates
// the halt conditions. It reports whether the account is halted afterwards.
func (g *Gate) RecordRealized(pnl float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.Equity += pnl
	g.state.DailyRealizedPnL += pnl
	g.evaluate()
	return g.state.State == Halted
}

// ResetDay starts a new trading day at current equity. The daily-loss halt is
// cleared; an equity-protection halt is not.
func (g *Gate) ResetDay() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.StartOfDayEquity = g.state.Equity
	g.state.DailyRealizedPnL = 0
	g.state.TradeCountThisHour = 0
	g.state.LastTradeHour = time.Time{}
	if g.state.State == Halted && g.state.HaltReason == haltDailyLoss {
		g.state.State = Trading
		g.state.HaltReason = ""
	}
	g.evaluate()
}

// Snapshot returns a consistent copy of the account state.
func (g *Gate) Snapshot() AccountState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Halted reports whether the account is halted.
func (g *Gate) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.State == Halted
}

const (
	haltDailyLoss        = "daily_loss"
	haltEquityProtection = "equity_protection"
)

func (g *Gate) evaluate() {
	if g.state.State == Halted {
		return
	}
	dailyFloor := g.state.StartOfDayEquity - g.state.StartOfDayEquity*g.params.MaxDailyLossFraction
	if g.state.Equity <= dailyFloor+epsilon {
		g.halt(haltDailyLoss)
		return
	}
	if g.params.EquityProtectionLevel > 0 {
		protection := g.state.InitialEquity * g.params.EquityProtectionLevel
		if g.state.Equity <= protection+epsilon {
			g.halt(haltEquityProtection)
		}
	}
}

func (g *Gate) halt(reason string) {
	g.state.State = Halted
	g.state.HaltReason = reason
}

func (s AccountState) String() string {
	return fmt.Sprintf("%s equity=%.2f day_pnl=%.2f trades_hour=%d state=%s",
		s.AccountID, s.Equity, s.DailyRealizedPnL, s.TradeCountThisHour, s.State)
}
