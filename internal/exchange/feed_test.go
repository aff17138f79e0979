package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

func TestFeedRunEmitsTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewFeed(NewStubSource(10*time.Millisecond, map[string]float64{"USD_JPY": 150}), []string{"USD_JPY", " ", "USD_JPY"}, zerolog.Nop())
	if got := feed.Instruments(); len(got) != 1 {
		t.Fatalf("expected deduplicated instruments, got %v", got)
	}
	ticks := make(chan signal.Tick, 1)

	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, ticks) }()

	select {
	case tk := <-ticks:
		if tk.Instrument != "USD_JPY" {
			t.Fatalf("unexpected instrument %s", tk.Instrument)
		}
		if tk.Ask < tk.Bid || tk.Bid < 140 {
			t.Fatalf("unexpected quote %+v", tk)
		}
		if feed.State() != StateConnected {
			t.Fatalf("state = %s, want connected", feed.State())
		}
		cancel()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if feed.State() != StateIdle {
		t.Fatalf("state after cancel = %s", feed.State())
	}
}

type scriptedSource struct {
	sessions atomic.Int32
	ticks    int
	failFrom int32
}

func (*scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Stream(ctx context.Context, instruments []string, out chan<- signal.Tick) error {
	n := s.sessions.Add(1)
	if s.failFrom > 0 && n >= s.failFrom {
		return errors.New("connection refused")
	}
	for i := 0; i < s.ticks; i++ {
		select {
		case out <- signal.Tick{Instrument: instruments[0], Bid: 1.1, Ask: 1.1001, Ts: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.New("connection reset")
}

func TestFeedGivesUpAfterBoundedRetries(t *testing.T) {
	src := &scriptedSource{failFrom: 1}
	feed := NewFeed(src, []string{"EUR_USD"}, zerolog.Nop(), WithBackoff(time.Millisecond, 4*time.Millisecond), WithMaxRetries(3))

	err := feed.Run(context.Background(), make(chan signal.Tick, 1))
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected last failure to surface, got %v", err)
	}
	if feed.State() != StateFailed {
		t.Fatalf("state = %s, want failed", feed.State())
	}
	if got := src.sessions.Load(); got != 4 {
		t.Fatalf("sessions = %d, want 1 attempt + 3 retries", got)
	}
}

func TestDroppedSessionGetsFreshBudget(t *testing.T) {
	// Every session delivers a tick then drops, more times than the retry
	// budget allows; the feed must keep reconnecting.
	src := &scriptedSource{ticks: 1, failFrom: 7}
	feed := NewFeed(src, []string{"EUR_USD"}, zerolog.Nop(), WithBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRetries(2))

	out := make(chan signal.Tick, 16)
	err := feed.Run(context.Background(), out)
	if err == nil {
		t.Fatal("expected the feed to fail once sessions stop connecting")
	}
	if got := len(out); got != 6 {
		t.Fatalf("delivered %d ticks, want 6", got)
	}
	if got := src.sessions.Load(); got != 9 {
		t.Fatalf("sessions = %d, want 6 dropped + 3 refused", got)
	}
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestFeedCountsForwardedTicksOnItsOwnCounter(t *testing.T) {
	src := &scriptedSource{ticks: 3, failFrom: 2}
	feed := NewFeed(src, []string{"XAU_USD"}, zerolog.Nop(), WithBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRetries(1))

	out := make(chan signal.Tick, 8)
	if err := feed.Run(context.Background(), out); err == nil {
		t.Fatal("expected the feed to fail after the refused retries")
	}
	if got := len(out); got != 3 {
		t.Fatalf("delivered %d ticks, want 3", got)
	}
	if got := counterValue(t, "feed_ticks_total", map[string]string{"feed": "scripted", "instrument": "XAU_USD"}); got != 3 {
		t.Fatalf("feed_ticks_total = %v, want 3", got)
	}
	if got := counterValue(t, "ticks_total", map[string]string{"instrument": "XAU_USD"}); got != 0 {
		t.Fatalf("ticks_total = %v, the window owns that counter", got)
	}
}

func TestFeedRequiresInstruments(t *testing.T) {
	feed := NewFeed(NewStubSource(0, nil), nil, zerolog.Nop())
	if err := feed.Run(context.Background(), make(chan signal.Tick)); err == nil {
		t.Fatal("expected error without instruments")
	}
}

func TestWebsocketSourceStreamsQuotes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)
		for _, m := range []string{
			`not json`,
			`{"instrument":"GBP_USD","bid":1.25,"ask":1.2502}`,
			`{"instrument":"eur_usd","bid":"1.1000","ask":"1.1002","time":1700000000000}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	src := NewWebsocketSource("ws"+strings.TrimPrefix(server.URL, "http"), `{"subscribe":"{instruments}"}`, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make(chan signal.Tick, 4)
	go func() { _ = src.Stream(ctx, []string{"EUR_USD"}, out) }()

	select {
	case tk := <-out:
		if tk.Instrument != "EUR_USD" || tk.Bid != 1.1 || tk.Ask != 1.1002 {
			t.Fatalf("unexpected tick %+v", tk)
		}
		if !tk.Ts.Equal(time.UnixMilli(1700000000000)) {
			t.Fatalf("unexpected timestamp %s", tk.Ts)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for websocket tick")
	}
	if msg := <-subscribed; msg != `{"subscribe":"EUR_USD"}` {
		t.Fatalf("unexpected subscribe message %s", msg)
	}
}

func TestNewSource(t *testing.T) {
	if _, err := NewSource(SourceConfig{Provider: "carrier-pigeon"}, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected unknown provider error")
	}
	if _, err := NewSource(SourceConfig{Provider: ProviderWebsocket}, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected missing url error")
	}
	src, err := NewSource(SourceConfig{}, nil, zerolog.Nop())
	if err != nil || src.Name() != ProviderStub {
		t.Fatalf("expected stub default, got %v %v", src, err)
	}
}
