package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

// Strategy maps a feature snapshot to a directional signal. Implementations
// are pure functions of the snapshot and safe for concurrent use.
type Strategy interface {
	Generate(f sig.Features) sig.Signal
	Name() string
}

// Params expresses tunable knobs required by strategy constructors.
type Params struct {
	MaxSpread           float64
	RSIOversold         float64
	RSIOverbought       float64
	StopATRMultiple     float64
	TargetATRMultiple   float64
	TrailingATRMultiple float64
}

// Constructor builds a strategy from params.
type Constructor func(Params) Strategy

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Registered mode names.
const (
	ModeMeanReversion = "mean_reversion"
	ModeRSIMomentum   = "rsi_momentum"
)

func init() {
	Register(ModeMeanReversion, func(p Params) Strategy { return NewMeanReversion(p) })
	Register("bollinger", func(p Params) Strategy { return NewMeanReversion(p) })
	Register(ModeRSIMomentum, func(p Params) Strategy { return NewRSIMomentum(p) })
	Register("momentum", func(p Params) Strategy { return NewRSIMomentum(p) })
}

// Register makes a strategy selectable by mode name.
func Register(mode string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[normalize(mode)] = ctor
}

// Modes lists the registered mode names.
func Modes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for mode := range registry {
		out = append(out, mode)
	}
	sort.Strings(out)
	return out
}

// Build returns a strategy implementation matching the configured mode.
// An empty mode selects mean reversion.
func Build(mode string, params Params) (Strategy, error) {
	name := normalize(mode)
	if name == "" {
		name = "mean_reversion"
	}
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy mode %q (known: %s)", mode, strings.Join(Modes(), ", "))
	}
	return ctor(params), nil
}

func normalize(mode string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mode)), "-", "_")
}

// withExits attaches the ATR-scaled stop/target/trailing proposals.
func withExits(s sig.Signal, atr float64, p Params) sig.Signal {
	s.StopDistance = p.StopATRMultiple * atr
	s.TargetDistance = p.TargetATRMultiple * atr
	s.TrailingDistance = p.TrailingATRMultiple * atr
	return s
}

func (p Params) withDefaults(maxSpread float64) Params {
	if p.MaxSpread <= 0 {
		p.MaxSpread = maxSpread
	}
	if p.RSIOversold <= 0 {
		p.RSIOversold = 30
	}
	if p.RSIOverbought <= 0 {
		p.RSIOverbought = 70
	}
	if p.StopATRMultiple <= 0 {
		p.StopATRMultiple = 1.5
	}
	if p.TargetATRMultiple <= 0 {
		p.TargetATRMultiple = 2.0
	}
	if p.TrailingATRMultiple <= 0 {
		p.TrailingATRMultiple = 0.5
	}
	return p
}
