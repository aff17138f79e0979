package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const minStopDistance = 1e-12

// Sizer turns a stop distance into a position quantity so that a stop-out
// loses at most MaxTradeRiskFraction of equity.
type Sizer struct {
	params Parameters
}

// NewSizer builds a sizer bound to the given parameters.
func NewSizer(params Parameters) Sizer { return Sizer{params: params} }

// Size returns equity × risk fraction / (stop × pipValue), clamped to
// [0, MaxPositionSize].
func (s Sizer) Size(account AccountState, stopDistance, pipValue float64) (float64, error) {
	if stopDistance <= minStopDistance || math.IsNaN(stopDistance) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidStop, stopDistance)
	}
	if pipValue <= 0 || math.IsNaN(pipValue) {
		return 0, fmt.Errorf("%w: pip value %v", ErrInvalidStop, pipValue)
	}
	riskAmount := account.Equity * s.params.MaxTradeRiskFraction
	qty := riskAmount / (stopDistance * pipValue)
	switch {
	case qty <= 0 || math.IsNaN(qty):
		return 0, nil
	case qty > s.params.MaxPositionSize:
		return s.params.MaxPositionSize, nil
	}
	return qty, nil
}

// Round truncates quantity toward zero at the given number of decimal places.
func Round(quantity float64, precision int32) float64 {
	if precision < 0 {
		precision = 0
	}
	q, _ := decimal.NewFromFloat(quantity).Truncate(precision).Float64()
	return q
}
