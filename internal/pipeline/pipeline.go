// Package pipeline drives ticks through window, strategy, sizer and risk gate
// to the broker, and applies the resulting fills to the position ledger.
//
// Each instrument has its own worker goroutine fed by a bounded channel, so
// ticks for one instrument are processed strictly in arrival order while
// instruments run in parallel. A single goroutine applies fills.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	"github.com/quantum-pro-fx/qprotraderV2/internal/execution"
	"github.com/quantum-pro-fx/qprotraderV2/internal/ledger"
	"github.com/quantum-pro-fx/qprotraderV2/internal/market"
	"github.com/quantum-pro-fx/qprotraderV2/internal/metrics"
	"github.com/quantum-pro-fx/qprotraderV2/internal/risk"
	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
	"github.com/quantum-pro-fx/qprotraderV2/internal/strategy"
)

// ErrNoAccounts is returned by Bootstrap when no configured account exists
// at the broker.
var ErrNoAccounts = errors.New("no tradable accounts")

// Instrument is the metadata sizing and order rounding need.
type Instrument struct {
	Name      string
	PipValue  float64
	Precision int32
}

// Config wires the pipeline's sizing and queueing knobs.
type Config struct {
	// Accounts restricts trading to these ids; empty trades every broker account.
	Accounts        []string
	Instruments     []Instrument
	WindowCapacity  int
	MinTicks        int
	Indicators      market.IndicatorParams
	Risk            risk.Parameters
	Execution       execution.Config
	QueueSize       int
	OrderTimeout    time.Duration
	ProtectiveExits bool
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock overrides time for gates and the pending-order tracker.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLedger supplies a preconfigured ledger, e.g. one with a fill recorder.
func WithLedger(l *ledger.Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

// WithJournal exposes the recent fills held by j in Status. The journal must
// also be installed as a recorder on the ledger to receive entries.
func WithJournal(j *ledger.Journal) Option {
	return func(p *Pipeline) { p.journal = j }
}

// Pipeline owns the decision path for every configured account.
type Pipeline struct {
	cfg         Config
	log         zerolog.Logger
	broker      broker.Broker
	strategy    strategy.Strategy
	window      *market.Window
	sizer       risk.Sizer
	ledger      *ledger.Ledger
	exec        *execution.Executor
	journal     *ledger.Journal
	instruments map[string]Instrument
	now         func() time.Time

	mu       sync.Mutex
	accounts []string
	gates    map[string]*risk.Gate
	pending  map[ledger.Key]*pendingOrder
	brackets map[ledger.Key]*bracket
}

// Status is a point-in-time view for operators.
type Status struct {
	Accounts  []risk.AccountState
	Positions []ledger.Position
	Pending   []PendingOrder
	Executor  map[string]uint64

	// RecentFills is empty unless a journal was configured.
	RecentFills []ledger.Entry
	FillsSeen   uint64
}

// New validates cfg and assembles the pipeline. Call Bootstrap before Run.
func New(cfg Config, b broker.Broker, strat strategy.Strategy, log zerolog.Logger, opts ...Option) (*Pipeline, error) {
	if b == nil || strat == nil {
		return nil, errors.New("pipeline: broker and strategy are required")
	}
	if len(cfg.Instruments) == 0 {
		return nil, errors.New("pipeline: no instruments configured")
	}
	if err := cfg.Risk.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 30 * time.Second
	}

	p := &Pipeline{
		cfg:         cfg,
		log:         log.With().Str("component", "pipeline").Str("strategy", strat.Name()).Logger(),
		broker:      b,
		strategy:    strat,
		window:      market.NewWindow(cfg.WindowCapacity, cfg.MinTicks, market.WithIndicators(cfg.Indicators)),
		sizer:       risk.NewSizer(cfg.Risk),
		instruments: make(map[string]Instrument, len(cfg.Instruments)),
		now:         time.Now,
		gates:       make(map[string]*risk.Gate),
		pending:     make(map[ledger.Key]*pendingOrder),
		brackets:    make(map[ledger.Key]*bracket),
	}
	for _, inst := range cfg.Instruments {
		if inst.PipValue <= 0 {
			inst.PipValue = 1
		}
		p.instruments[inst.Name] = inst
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ledger == nil {
		p.ledger = ledger.New()
	}
	p.exec = execution.NewExecutor(b, log, cfg.Execution)
	return p, nil
}

// Ledger exposes the position ledger for read access.
func (p *Pipeline) Ledger() *ledger.Ledger { return p.ledger }

// Bootstrap creates a risk gate per account from broker balances and seeds
// the ledger with any positions the broker already holds.
func (p *Pipeline) Bootstrap(ctx context.Context) error {
	accounts, err := p.broker.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	wanted := make(map[string]bool, len(p.cfg.Accounts))
	for _, id := range p.cfg.Accounts {
		wanted[id] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, acct := range accounts {
		if len(wanted) > 0 && !wanted[acct.ID] {
			continue
		}
		if _, ok := p.gates[acct.ID]; ok {
			continue
		}
		equity := acct.Balance
		if equity <= 0 {
			equity = acct.NAV
		}
		gate := risk.NewGate(acct.ID, equity, p.cfg.Risk, risk.WithClock(p.now))
		p.gates[acct.ID] = gate
		p.accounts = append(p.accounts, acct.ID)
		p.publishAccount(gate.Snapshot())

		positions, err := p.broker.Positions(ctx, acct.ID)
		if err != nil {
			return fmt.Errorf("load positions for %s: %w", acct.ID, err)
		}
		for _, pos := range positions {
			if _, ok := p.instruments[pos.Instrument]; !ok {
				continue
			}
			if err := p.ledger.Seed(pos); err != nil {
				p.log.Error().Err(err).Str("account", acct.ID).Str("instrument", pos.Instrument).Msg("seed position")
				continue
			}
			p.log.Info().Str("account", acct.ID).Str("instrument", pos.Instrument).Float64("qty", pos.Quantity).Msg("restored open position")
		}
		p.log.Info().Str("account", acct.ID).Float64("equity", equity).Msg("account ready")
	}
	if len(p.gates) == 0 {
		return ErrNoAccounts
	}
	return nil
}

// Warmup seeds every instrument window from historical candles. Failures
// are logged per instrument; the window then fills from live ticks.
func (p *Pipeline) Warmup(ctx context.Context, src broker.CandleSource, granularity string, count int) int {
	if src == nil || count <= 0 {
		return 0
	}
	total := 0
	for name := range p.instruments {
		candles, err := src.Candles(ctx, name, granularity, count)
		if err != nil {
			p.log.Warn().Err(err).Str("instrument", name).Msg("warm-up candles unavailable")
			continue
		}
		ticks := make([]sig.Tick, 0, len(candles))
		for _, c := range candles {
			if c.Complete {
				ticks = append(ticks, c.Tick())
			}
		}
		n := p.window.Seed(ticks)
		total += n
		p.log.Info().Str("instrument", name).Int("ticks", n).Str("granularity", granularity).Msg("window warmed")
	}
	return total
}

// Run consumes ticks until ctx is done or ticks is closed, then drains.
// Fills are applied from the broker's fill channel for the whole run.
func (p *Pipeline) Run(ctx context.Context, ticks <-chan sig.Tick) error {
	if len(p.accountIDs()) == 0 {
		return ErrNoAccounts
	}

	queues := make(map[string]chan sig.Tick, len(p.instruments))
	workers, wctx := errgroup.WithContext(ctx)
	for name := range p.instruments {
		q := make(chan sig.Tick, p.cfg.QueueSize)
		queues[name] = q
		workers.Go(func() error {
			for tk := range q {
				p.onTick(wctx, tk)
			}
			return nil
		})
	}

	fillCtx, stopFills := context.WithCancel(context.WithoutCancel(ctx))
	fillsDone := make(chan struct{})
	go func() {
		defer close(fillsDone)
		p.consumeFills(fillCtx)
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		p.sweepPending(sweepCtx)
	}()

	p.log.Info().Int("instruments", len(queues)).Strs("accounts", p.accountIDs()).Msg("pipeline started")
	err := p.route(ctx, ticks, queues)

	for _, q := range queues {
		close(q)
	}
	_ = workers.Wait()
	stopSweep()
	<-sweepDone
	p.shutdown()
	stopFills()
	<-fillsDone
	p.log.Info().Msg("pipeline stopped")
	return err
}

func (p *Pipeline) route(ctx context.Context, ticks <-chan sig.Tick, queues map[string]chan sig.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tk, ok := <-ticks:
			if !ok {
				return nil
			}
			q, known := queues[tk.Instrument]
			if !known {
				metrics.DataErrorsTotal.WithLabelValues(tk.Instrument).Inc()
				p.log.Warn().Str("instrument", tk.Instrument).Msg("tick for unconfigured instrument")
				continue
			}
			select {
			case q <- tk:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// shutdown waits for in-flight submissions and cancels what is still pending.
func (p *Pipeline) shutdown() {
	p.exec.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, po := range p.drainPending() {
		if po.orderID == "" {
			continue
		}
		if err := p.exec.Cancel(ctx, po.key.AccountID, po.orderID); err != nil {
			p.log.Warn().Err(err).Str("key", po.key.String()).Msg("cancel pending order on shutdown")
		}
	}
}

// Rollover starts a new trading day on every account.
func (p *Pipeline) Rollover() {
	for _, id := range p.accountIDs() {
		gate := p.gate(id)
		gate.ResetDay()
		snap := gate.Snapshot()
		p.publishAccount(snap)
		p.log.Info().Str("account", id).Str("state", snap.State.String()).Float64("equity", snap.Equity).Msg("daily rollover")
	}
}

// ScheduleRollover calls Rollover at every UTC midnight until ctx is done.
func (p *Pipeline) ScheduleRollover(ctx context.Context) {
	for {
		wait := nextMidnight(p.now()).Sub(p.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.Rollover()
		}
	}
}

func nextMidnight(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}

// Status returns consistent copies of accounts, positions and pending orders.
func (p *Pipeline) Status() Status {
	ids := p.accountIDs()
	st := Status{
		Accounts:  make([]risk.AccountState, 0, len(ids)),
		Positions: p.ledger.Positions(),
		Pending:   p.pendingOrders(),
		Executor:  p.exec.Stats(),
	}
	for _, id := range ids {
		st.Accounts = append(st.Accounts, p.gate(id).Snapshot())
	}
	if p.journal != nil {
		st.RecentFills = p.journal.Snapshot()
		st.FillsSeen = p.journal.Total()
	}
	return st
}

// ReportStatus logs one line per account every interval until ctx is done.
func (p *Pipeline) ReportStatus(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.Status()
			if n := len(st.RecentFills); n > 0 {
				last := st.RecentFills[n-1]
				p.log.Info().
					Uint64("fills", st.FillsSeen).
					Str("last_instrument", last.Fill.Instrument).
					Str("last_side", string(last.Fill.Side)).
					Float64("last_price", last.Fill.Price).
					Str("last_direction", last.Direction).
					Msg("fill journal")
			}
			for _, acct := range st.Accounts {
				open := 0
				for _, pos := range st.Positions {
					if pos.AccountID == acct.AccountID {
						open++
					}
				}
				p.log.Info().
					Str("account", acct.AccountID).
					Str("state", acct.State.String()).
					Float64("equity", acct.Equity).
					Float64("day_pnl", acct.DailyRealizedPnL).
					Int("trades_hour", acct.TradeCountThisHour).
					Int("open_positions", open).
					Int("pending", len(st.Pending)).
					Msg("status")
			}
		}
	}
}

func (p *Pipeline) accountIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.accounts...)
}

func (p *Pipeline) gate(accountID string) *risk.Gate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gates[accountID]
}

func (p *Pipeline) publishAccount(s risk.AccountState) {
	metrics.Equity.WithLabelValues(s.AccountID).Set(s.Equity)
	metrics.Halted.WithLabelValues(s.AccountID).Set(metrics.Bool(s.State == risk.Halted))
}
