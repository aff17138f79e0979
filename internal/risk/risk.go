// Package risk validates candidate trades against account-level limits and
// sizes the positions that pass.
package risk

import (
	"errors"
	"fmt"
	"time"
)

// Parameters are the immutable guard-rails for every account.
type Parameters struct {
	MaxDailyLossFraction  float64
	MaxTradeRiskFraction  float64
	MaxPositionSize       float64
	MaxTradesPerHour      int
	MaxSpread             float64
	EquityProtectionLevel float64
}

// DefaultParameters mirrors the production defaults.
func DefaultParameters() Parameters {
	return Parameters{
		MaxDailyLossFraction:  0.02,
		MaxTradeRiskFraction:  0.01,
		MaxPositionSize:       10000,
		MaxTradesPerHour:      30,
		MaxSpread:             0.0003,
		EquityProtectionLevel: 0.8,
	}
}

// Validate checks the parameters are usable.
func (p Parameters) Validate() error {
	switch {
	case p.MaxDailyLossFraction <= 0 || p.MaxDailyLossFraction >= 1:
		return fmt.Errorf("max daily loss fraction must be in (0,1), got %v", p.MaxDailyLossFraction)
	case p.MaxTradeRiskFraction <= 0 || p.MaxTradeRiskFraction >= 1:
		return fmt.Errorf("max trade risk fraction must be in (0,1), got %v", p.MaxTradeRiskFraction)
	case p.MaxPositionSize <= 0:
		return fmt.Errorf("max position size must be positive, got %v", p.MaxPositionSize)
	case p.MaxTradesPerHour <= 0:
		return fmt.Errorf("max trades per hour must be positive, got %d", p.MaxTradesPerHour)
	case p.MaxSpread <= 0:
		return fmt.Errorf("max spread must be positive, got %v", p.MaxSpread)
	case p.EquityProtectionLevel < 0 || p.EquityProtectionLevel >= 1:
		return fmt.Errorf("equity protection level must be in [0,1), got %v", p.EquityProtectionLevel)
	}
	return nil
}

// State is the trading state of an account.
type State int

const (
	Trading State = iota
	Halted
)

func (s State) String() string {
	if s == Halted {
		return "halted"
	}
	return "trading"
}

// Reason enumerates why a decision was not an approval.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNoAction     Reason = "no_action"
	ReasonHalted       Reason = "halted"
	ReasonPositionSize Reason = "position_size"
	ReasonZeroSize     Reason = "zero_size"
	ReasonSpread       Reason = "spread"
	ReasonTradeRate    Reason = "trade_rate"
	ReasonInvalidStop  Reason = "invalid_stop"
)

// Decision is the outcome of a validation. Rejections are final; nothing is queued.
type Decision struct {
	Approved bool
	Reason   Reason
	Detail   string
}

// NoAction reports a Flat signal, which is not a rejection.
func (d Decision) NoAction() bool { return d.Reason == ReasonNoAction }

func approve() Decision { return Decision{Approved: true} }

func reject(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AccountState is the gate-owned view of an account.
type AccountState struct {
	AccountID          string
	Equity             float64
	InitialEquity      float64
	StartOfDayEquity   float64
	DailyRealizedPnL   float64
	TradeCountThisHour int
	LastTradeHour      time.Time
	State              State
	HaltReason         string
}

// ErrInvalidStop is returned when sizing would divide by a zero or negative stop.
var ErrInvalidStop = errors.New("invalid stop distance")

const epsilon = 1e-9
