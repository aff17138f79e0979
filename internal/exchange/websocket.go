package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantum-pro-fx/qprotraderV2/internal/metrics"
	"github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

const (
	wsReadTimeout  = 30 * time.Second
	wsPingInterval = 15 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// wsQuote is the accepted message shape. Prices may be numbers or strings.
type wsQuote struct {
	Instrument string      `json:"instrument"`
	Bid        json.Number `json:"bid"`
	Ask        json.Number `json:"ask"`
	Time       json.Number `json:"time"`
}

// WebsocketSource reads JSON quotes from a websocket endpoint. The
// subscribe template, when set, is sent after connecting with {instruments}
// replaced by a comma separated list.
type WebsocketSource struct {
	url       string
	subscribe string
	log       zerolog.Logger
}

// NewWebsocketSource builds a source for url.
func NewWebsocketSource(url, subscribe string, log zerolog.Logger) *WebsocketSource {
	return &WebsocketSource{url: url, subscribe: subscribe, log: log.With().Str("provider", ProviderWebsocket).Logger()}
}

// Name implements Source.
func (*WebsocketSource) Name() string { return ProviderWebsocket }

// Stream implements Source.
func (s *WebsocketSource) Stream(ctx context.Context, instruments []string, out chan<- signal.Tick) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	if s.subscribe != "" {
		msg := strings.ReplaceAll(s.subscribe, "{instruments}", strings.Join(instruments, ","))
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	wanted := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		wanted[inst] = struct{}{}
	}

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.log.Warn().Err(err).Msg("websocket ping failed")
					return
				}
			case <-pingCtx.Done():
				// unblock ReadMessage
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		tick, err := parseQuote(message)
		if err != nil {
			metrics.DataErrorsTotal.WithLabelValues("").Inc()
			s.log.Warn().Err(err).Msg("failed to decode quote")
			continue
		}
		if _, ok := wanted[tick.Instrument]; !ok {
			continue
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func parseQuote(message []byte) (signal.Tick, error) {
	var q wsQuote
	if err := json.Unmarshal(message, &q); err != nil {
		return signal.Tick{}, err
	}
	if q.Instrument == "" {
		return signal.Tick{}, fmt.Errorf("quote without instrument")
	}
	bid, err := strconv.ParseFloat(q.Bid.String(), 64)
	if err != nil {
		return signal.Tick{}, fmt.Errorf("invalid bid for %s: %w", q.Instrument, err)
	}
	ask, err := strconv.ParseFloat(q.Ask.String(), 64)
	if err != nil {
		return signal.Tick{}, fmt.Errorf("invalid ask for %s: %w", q.Instrument, err)
	}
	ts := time.Now().UTC()
	if q.Time != "" {
		ms, err := q.Time.Int64()
		if err != nil {
			return signal.Tick{}, fmt.Errorf("invalid time for %s: %w", q.Instrument, err)
		}
		ts = time.UnixMilli(ms).UTC()
	}
	return signal.Tick{Instrument: strings.ToUpper(q.Instrument), Bid: bid, Ask: ask, Ts: ts}, nil
}
