// Package market keeps bounded per-instrument tick history and derives the
// feature snapshots strategies consume.
package market

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

const (
	DefaultCapacity = 100
	DefaultMinTicks = 20

	volatilityTicks = 20
	momentumLag     = 10
)

var (
	// ErrInvalidTick marks quotes that cannot be used (crossed, non-positive, NaN).
	ErrInvalidTick = errors.New("invalid tick")
	// ErrOutOfOrder marks ticks older than the last accepted tick for the instrument.
	ErrOutOfOrder = errors.New("out of order tick")
)

// Window holds a fixed-capacity ring of the most recent ticks per instrument.
// Updates for one instrument must come from a single goroutine; different
// instruments may be updated concurrently.
type Window struct {
	capacity   int
	minTicks   int
	indicators IndicatorParams

	mu     sync.RWMutex
	series map[string]*series
}

type series struct {
	mu     sync.Mutex
	ring   []signal.Tick
	head   int
	count  int
	latest *signal.Features
}

// Option customizes a Window.
type Option func(*Window)

// WithIndicators overrides the indicator periods.
func WithIndicators(p IndicatorParams) Option {
	return func(w *Window) { w.indicators = p.withDefaults() }
}

// NewWindow builds a window of the given capacity that starts emitting
// snapshots once minTicks ticks are held.
func NewWindow(capacity, minTicks int, opts ...Option) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if minTicks <= 0 {
		minTicks = DefaultMinTicks
	}
	if minTicks > capacity {
		minTicks = capacity
	}
	w := &Window{
		capacity:   capacity,
		minTicks:   minTicks,
		indicators: IndicatorParams{}.withDefaults(),
		series:     make(map[string]*series),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Capacity returns the per-instrument ring size.
func (w *Window) Capacity() int { return w.capacity }

// Update appends the tick and returns a fresh snapshot, or nil while fewer
// than the minimum number of ticks are held. Rejected ticks leave the window
// untouched.
func (w *Window) Update(tk signal.Tick) (*signal.Features, error) {
	if err := validate(tk); err != nil {
		return nil, err
	}
	s := w.seriesFor(tk.Instrument)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count > 0 {
		last := s.at(s.count - 1)
		if tk.Ts.Before(last.Ts) {
			return nil, fmt.Errorf("%w: %s at %s before %s", ErrOutOfOrder, tk.Instrument, tk.Ts, last.Ts)
		}
	}
	s.push(tk, w.capacity)

	if s.count < w.minTicks {
		return nil, nil
	}
	feats := w.compute(s)
	s.latest = &feats
	out := feats
	return &out, nil
}

// Seed preloads history, typically from cached candles. Invalid or
// out-of-order ticks are skipped; the number accepted is returned.
func (w *Window) Seed(ticks []signal.Tick) int {
	accepted := 0
	for _, tk := range ticks {
		if _, err := w.Update(tk); err == nil {
			accepted++
		}
	}
	return accepted
}

// Latest returns the last snapshot computed for the instrument.
func (w *Window) Latest(instrument string) (signal.Features, bool) {
	w.mu.RLock()
	s := w.series[instrument]
	w.mu.RUnlock()
	if s == nil {
		return signal.Features{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return signal.Features{}, false
	}
	return *s.latest, true
}

// Len returns the number of ticks held for the instrument.
func (w *Window) Len(instrument string) int {
	w.mu.RLock()
	s := w.series[instrument]
	w.mu.RUnlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (w *Window) seriesFor(instrument string) *series {
	w.mu.RLock()
	s := w.series[instrument]
	w.mu.RUnlock()
	if s != nil {
		return s
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if s = w.series[instrument]; s == nil {
		s = &series{ring: make([]signal.Tick, w.capacity)}
		w.series[instrument] = s
	}
	return s
}

func validate(tk signal.Tick) error {
	switch {
	case tk.Instrument == "":
		return fmt.Errorf("%w: missing instrument", ErrInvalidTick)
	case math.IsNaN(tk.Bid) || math.IsNaN(tk.Ask) || math.IsInf(tk.Bid, 0) || math.IsInf(tk.Ask, 0):
		return fmt.Errorf("%w: non-finite quote for %s", ErrInvalidTick, tk.Instrument)
	case tk.Bid <= 0 || tk.Ask <= 0:
		return fmt.Errorf("%w: non-positive quote for %s", ErrInvalidTick, tk.Instrument)
	case tk.Ask < tk.Bid:
		return fmt.Errorf("%w: crossed quote for %s (bid %.5f ask %.5f)", ErrInvalidTick, tk.Instrument, tk.Bid, tk.Ask)
	}
	return nil
}

// push appends at the tail, evicting the oldest tick once full.
func (s *series) push(tk signal.Tick, capacity int) {
	if s.count < capacity {
		s.ring[(s.head+s.count)%capacity] = tk
		s.count++
		return
	}
	s.ring[s.head] = tk
	s.head = (s.head + 1) % capacity
}

// at returns the i-th tick in arrival order, 0 being the oldest held.
func (s *series) at(i int) signal.Tick {
	return s.ring[(s.head+i)%len(s.ring)]
}

func (w *Window) compute(s *series) signal.Features {
	n := s.count
	bids := make([]float64, n)
	mids := make([]float64, n)
	for i := 0; i < n; i++ {
		tk := s.at(i)
		bids[i] = tk.Bid
		mids[i] = tk.Mid()
	}
	last := s.at(n - 1)

	feats := signal.Features{
		Instrument: last.Instrument,
		MidPrice:   (last.Bid + last.Ask) / 2,
		Spread:     last.Ask - last.Bid,
		Volatility: stddev(tail(bids, volatilityTicks)),
		Liquidity:  float64(n) / float64(w.capacity),
		Ts:         last.Ts,
		Ticks:      n,
	}
	if n > momentumLag {
		feats.Momentum = bids[n-1] - bids[n-1-momentumLag]
	}
	w.indicators.apply(&feats, mids)
	return feats
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

// stddev is the population standard deviation.
func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var acc float64
	for _, v := range values {
		d := v - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(values)))
}
