// Package exchange hosts quote sources and the supervisor that keeps them
// connected.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	"github.com/quantum-pro-fx/qprotraderV2/internal/metrics"
	"github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

const (
	// ProviderStub emits synthetic random-walk quotes (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderWebsocket reads JSON quotes from a websocket endpoint.
	ProviderWebsocket = "websocket"
	// ProviderBroker uses the broker's own pricing stream.
	ProviderBroker = "broker"
)

// Source runs a single streaming session. It returns when the session ends;
// reconnecting is the Feed's job.
type Source interface {
	Name() string
	Stream(ctx context.Context, instruments []string, out chan<- signal.Tick) error
}

// State is the observable connection state of a Feed.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

var (
	errSessionDropped = errors.New("session dropped")
	errSessionEnded   = errors.New("stream ended")
)

// Feed supervises a Source with bounded exponential backoff. A session
// that delivered ticks before dropping starts a fresh retry budget.
type Feed struct {
	source     Source
	log        zerolog.Logger
	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int

	mu          sync.RWMutex
	instruments []string
	state       atomic.Int32
}

// Option configures Feed construction parameters.
type Option func(*Feed)

// WithBackoff overrides the reconnect delays.
func WithBackoff(base, max time.Duration) Option {
	return func(f *Feed) {
		if base > 0 {
			f.baseDelay = base
		}
		if max > f.baseDelay {
			f.maxDelay = max
		}
	}
}

// WithMaxRetries bounds consecutive failed connection attempts.
func WithMaxRetries(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.maxRetries = n
		}
	}
}

// NewFeed constructs a supervisor for the source.
func NewFeed(source Source, instruments []string, log zerolog.Logger, opts ...Option) *Feed {
	f := &Feed{
		source:     source,
		log:        log.With().Str("component", "feed").Str("provider", source.Name()).Logger(),
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
		maxRetries: 10,
	}
	f.SetInstruments(instruments)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetInstruments replaces the tracked instrument list (deduplicated, sorted
// for determinism). It takes effect on the next session.
func (f *Feed) SetInstruments(instruments []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unique := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		inst = strings.TrimSpace(inst)
		if inst == "" {
			continue
		}
		unique[inst] = struct{}{}
	}
	f.instruments = f.instruments[:0]
	for inst := range unique {
		f.instruments = append(f.instruments, inst)
	}
	sort.Strings(f.instruments)
}

// Instruments returns a copy of the tracked list.
func (f *Feed) Instruments() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.instruments))
	copy(out, f.instruments)
	return out
}

// State reports the current connection state.
func (f *Feed) State() State { return State(f.state.Load()) }

func (f *Feed) setState(s State) {
	if State(f.state.Swap(int32(s))) != s {
		metrics.FeedState.WithLabelValues(f.source.Name()).Set(float64(s))
	}
}

// Run pushes ticks onto out until ctx is canceled or the retry budget is
// exhausted. The channel is never closed.
func (f *Feed) Run(ctx context.Context, out chan<- signal.Tick) error {
	if len(f.Instruments()) == 0 {
		return fmt.Errorf("%s feed requires at least one instrument", f.source.Name())
	}
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && ctx.Err() == nil && !errors.Is(err, errSessionDropped)
		}).
		WithBackoff(f.baseDelay, f.maxDelay).
		WithMaxRetries(f.maxRetries).
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			f.setState(StateReconnecting)
			metrics.FeedReconnects.WithLabelValues(f.source.Name()).Inc()
			f.log.Warn().Err(e.LastError()).Int("attempt", e.Attempts()).Msg("feed disconnected, retrying")
		}).
		ReturnLastFailure().
		Build()

	for {
		err := failsafe.With[any](policy).WithContext(ctx).Run(func() error {
			return f.session(ctx, out)
		})
		switch {
		case ctx.Err() != nil:
			f.setState(StateIdle)
			return ctx.Err()
		case errors.Is(err, errSessionDropped):
			f.setState(StateReconnecting)
			f.log.Warn().Err(err).Msg("feed session dropped, reconnecting")
			select {
			case <-time.After(f.baseDelay):
			case <-ctx.Done():
				f.setState(StateIdle)
				return ctx.Err()
			}
		default:
			f.setState(StateFailed)
			f.log.Error().Err(err).Int("max_retries", f.maxRetries).Msg("feed gave up")
			return fmt.Errorf("%s feed: %w", f.source.Name(), err)
		}
	}
}

// session runs one source session and forwards its ticks. Errors from a
// session that delivered ticks are wrapped with errSessionDropped.
func (f *Feed) session(ctx context.Context, out chan<- signal.Tick) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan signal.Tick, 64)
	errc := make(chan error, 1)
	go func() { errc <- f.source.Stream(sctx, f.Instruments(), ch) }()

	delivered := 0
	forward := func(tk signal.Tick) bool {
		if delivered == 0 {
			f.setState(StateConnected)
			f.log.Info().Strs("instruments", f.Instruments()).Msg("connected market data feed")
		}
		delivered++
		select {
		case out <- tk:
			metrics.FeedTicksTotal.WithLabelValues(f.source.Name(), tk.Instrument).Inc()
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case tk := <-ch:
			if !forward(tk) {
				cancel()
				<-errc
				return ctx.Err()
			}
		case err := <-errc:
			for drained := false; !drained; {
				select {
				case tk := <-ch:
					if !forward(tk) {
						return ctx.Err()
					}
				default:
					drained = true
				}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == nil {
				err = errSessionEnded
			}
			if delivered > 0 {
				return fmt.Errorf("%w after %d ticks: %v", errSessionDropped, delivered, err)
			}
			return err
		}
	}
}

// BrokerSource streams quotes from the broker's pricing endpoint.
type BrokerSource struct {
	Broker broker.Broker
}

// Name implements Source.
func (BrokerSource) Name() string { return ProviderBroker }

// Stream implements Source.
func (s BrokerSource) Stream(ctx context.Context, instruments []string, out chan<- signal.Tick) error {
	return s.Broker.StreamTicks(ctx, instruments, out)
}

// SourceConfig carries the settings NewSource needs.
type SourceConfig struct {
	Provider     string
	URL          string
	Subscribe    string
	StubInterval time.Duration
	StubPrices   map[string]float64
}

// NewSource builds the configured quote source. b is only consulted for the
// broker provider.
func NewSource(cfg SourceConfig, b broker.Broker, log zerolog.Logger) (Source, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderStub:
		return NewStubSource(cfg.StubInterval, cfg.StubPrices), nil
	case ProviderWebsocket:
		if cfg.URL == "" {
			return nil, errors.New("websocket feed requires a url")
		}
		return NewWebsocketSource(cfg.URL, cfg.Subscribe, log), nil
	case ProviderBroker:
		if b == nil {
			return nil, errors.New("broker feed requires a broker")
		}
		return BrokerSource{Broker: b}, nil
	default:
		return nil, fmt.Errorf("unknown feed provider %q", cfg.Provider)
	}
}
