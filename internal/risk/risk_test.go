package risk

import (
	"errors"
	"testing"
	"time"

	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func longSignal() sig.Signal {
	return sig.Signal{Instrument: "EUR_USD", Direction: sig.Long, StopDistance: 0.001, TargetDistance: 0.002}
}

func TestDailyLossHaltsAccount(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)}
	g := NewGate("acct", 10000, DefaultParameters(), WithClock(clock.Now))

	if halted := g.RecordRealized(-150); halted {
		t.Fatalf("halted after 150 loss on 10000 with 2%% limit")
	}
	if d := g.Validate(longSignal(), 1000, 0.0001); !d.Approved {
		t.Fatalf("expected approval before halt, got %+v", d)
	}
	if halted := g.RecordRealized(-50); !halted {
		t.Fatalf("expected halt at equity 9800")
	}

	snap := g.Snapshot()
	if snap.State != Halted || snap.HaltReason != haltDailyLoss {
		t.Fatalf("unexpected state %v reason %q", snap.State, snap.HaltReason)
	}
	if snap.Equity != 9800 {
		t.Fatalf("equity = %v, want 9800", snap.Equity)
	}
	for i := 0; i < 3; i++ {
		d := g.Validate(longSignal(), 10, 0.0001)
		if d.Approved || d.Reason != ReasonHalted {
			t.Fatalf("attempt %d: expected halted rejection, got %+v", i, d)
		}
	}

	g.ResetDay()
	if g.Halted() {
		t.Fatalf("daily loss halt should clear on rollover")
	}
	if got := g.Snapshot().StartOfDayEquity; got != 9800 {
		t.Fatalf("start of day equity = %v, want 9800", got)
	}
}

func TestEquityProtectionSurvivesRollover(t *testing.T) {
	p := DefaultParameters()
	p.MaxDailyLossFraction = 0.5
	g := NewGate("acct", 10000, p)

	if !g.RecordRealized(-2100) {
		t.Fatalf("expected equity protection halt below 8000")
	}
	if reason := g.Snapshot().HaltReason; reason != haltEquityProtection {
		t.Fatalf("halt reason = %q", reason)
	}
	g.ResetDay()
	if !g.Halted() {
		t.Fatalf("equity protection halt must survive ResetDay")
	}
}

func TestTradeRateLimitPerHour(t *testing.T) {
	p := DefaultParameters()
	p.MaxTradesPerHour = 2
	clock := &fakeClock{t: time.Date(2024, 3, 4, 10, 5, 0, 0, time.UTC)}
	g := NewGate("acct", 10000, p, WithClock(clock.Now))

	for i := 0; i < 2; i++ {
		if d := g.Validate(longSignal(), 100, 0.0001); !d.Approved {
			t.Fatalf("trade %d rejected: %+v", i, d)
		}
		clock.t = clock.t.Add(10 * time.Minute)
	}
	d := g.Validate(longSignal(), 100, 0.0001)
	if d.Approved || d.Reason != ReasonTradeRate {
		t.Fatalf("third trade in the hour should be rate limited, got %+v", d)
	}

	clock.t = time.Date(2024, 3, 4, 11, 0, 0, 0, time.UTC)
	if d := g.Validate(longSignal(), 100, 0.0001); !d.Approved {
		t.Fatalf("new hour should reset the counter, got %+v", d)
	}
	if got := g.Snapshot().TradeCountThisHour; got != 1 {
		t.Fatalf("trade count = %d, want 1", got)
	}
}

func TestValidateRejections(t *testing.T) {
	g := NewGate("acct", 10000, DefaultParameters())

	cases := []struct {
		name   string
		sig    sig.Signal
		qty    float64
		spread float64
		want   Reason
	}{
		{"flat", sig.Signal{Direction: sig.Flat}, 100, 0.0001, ReasonNoAction},
		{"oversize", longSignal(), 10000.5, 0.0001, ReasonPositionSize},
		{"zero", longSignal(), 0, 0.0001, ReasonZeroSize},
		{"wide spread", longSignal(), 100, 0.0004, ReasonSpread},
	}
	for _, tc := range cases {
		d := g.Validate(tc.sig, tc.qty, tc.spread)
		if d.Approved || d.Reason != tc.want {
			t.Fatalf("%s: got %+v, want %s", tc.name, d, tc.want)
		}
	}
	if got := g.Snapshot().TradeCountThisHour; got != 0 {
		t.Fatalf("rejections must not consume the trade budget, count %d", got)
	}
}

func TestSizerRespectsRiskAndCap(t *testing.T) {
	s := NewSizer(DefaultParameters())
	acct := AccountState{Equity: 10000}

	qty, err := s.Size(acct, 0.5, 1)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if qty != 200 {
		t.Fatalf("qty = %v, want 200 (100 risk / 0.5 stop)", qty)
	}

	qty, err = s.Size(acct, 0.0015, 1)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if qty != DefaultParameters().MaxPositionSize {
		t.Fatalf("qty = %v, want clamp to max position size", qty)
	}

	for _, stop := range []float64{0, -0.001, 1e-13} {
		if _, err := s.Size(acct, stop, 1); !errors.Is(err, ErrInvalidStop) {
			t.Fatalf("stop %v: expected ErrInvalidStop, got %v", stop, err)
		}
	}
	if _, err := s.Size(acct, 0.001, 0); !errors.Is(err, ErrInvalidStop) {
		t.Fatalf("zero pip value: expected ErrInvalidStop, got %v", err)
	}

	qty, err = s.Size(AccountState{Equity: -5}, 0.001, 1)
	if err != nil || qty != 0 {
		t.Fatalf("negative equity should size to zero, got %v %v", qty, err)
	}
}

func TestRoundTruncates(t *testing.T) {
	if got := Round(1234.5678, 2); got != 1234.56 {
		t.Fatalf("Round = %v, want 1234.56", got)
	}
	if got := Round(999.99, 0); got != 999 {
		t.Fatalf("Round = %v, want 999", got)
	}
}

func TestParametersValidate(t *testing.T) {
	if err := DefaultParameters().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	p := DefaultParameters()
	p.MaxTradesPerHour = 0
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for zero trades per hour")
	}
}
