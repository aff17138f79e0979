package exchange

import (
	"context"
	"math/rand"
	"time"

	"github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

const (
	defaultStubInterval = 500 * time.Millisecond
	defaultStubPrice    = 1.1000
	stubSpread          = 0.00015
	stubStep            = 0.00008
)

// StubSource emits a random walk of quotes for every instrument. Sessions
// never fail on their own.
type StubSource struct {
	interval time.Duration
	prices   map[string]float64
	rng      *rand.Rand
}

// NewStubSource seeds the walk at the given prices; unknown instruments
// start at 1.1000.
func NewStubSource(interval time.Duration, prices map[string]float64) *StubSource {
	if interval <= 0 {
		interval = defaultStubInterval
	}
	seeded := make(map[string]float64, len(prices))
	for k, v := range prices {
		seeded[k] = v
	}
	return &StubSource{interval: interval, prices: seeded, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Name implements Source.
func (*StubSource) Name() string { return ProviderStub }

// Stream implements Source.
func (s *StubSource) Stream(ctx context.Context, instruments []string, out chan<- signal.Tick) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts := <-ticker.C:
			for _, inst := range instruments {
				px, ok := s.prices[inst]
				if !ok {
					px = defaultStubPrice
				}
				px += (s.rng.Float64()*2 - 1) * stubStep * px
				s.prices[inst] = px
				tick := signal.Tick{Instrument: inst, Bid: px, Ask: px + stubSpread*px/defaultStubPrice, Ts: ts.UTC()}
				select {
				case out <- tick:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
