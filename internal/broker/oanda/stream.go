package oanda

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	"github.com/quantum-pro-fx/qprotraderV2/internal/metrics"
	"github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

// StreamTicks runs one pricing stream session. Malformed lines are skipped
// with a warning; the call returns when the stream ends or ctx is done.
func (c *Client) StreamTicks(ctx context.Context, instruments []string, out chan<- signal.Tick) error {
	if !c.connected.Load() {
		return broker.ErrNotConnected
	}
	q := url.Values{}
	q.Set("instruments", strings.Join(instruments, ","))
	endpoint := c.cfg.StreamURL + c.accountPath("pricing/stream") + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	c.authorize(req)
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open pricing stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		tick, ok, err := parsePrice(line)
		if err != nil {
			metrics.DataErrorsTotal.WithLabelValues("").Inc()
			c.log.Warn().Err(err).Str("line", string(line)).Msg("skipping malformed tick")
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pricing stream: %w", err)
	}
	return io.EOF
}

// parsePrice decodes one stream line. Heartbeats report ok=false.
func parsePrice(line []byte) (signal.Tick, bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return signal.Tick{}, false, err
	}
	if msg.Type != "PRICE" {
		return signal.Tick{}, false, nil
	}
	if len(msg.Bids) == 0 || len(msg.Asks) == 0 {
		return signal.Tick{}, false, fmt.Errorf("price for %s without bids or asks", msg.Instrument)
	}
	bid, err := strconv.ParseFloat(msg.Bids[0].Price, 64)
	if err != nil {
		return signal.Tick{}, false, fmt.Errorf("bid: %w", err)
	}
	ask, err := strconv.ParseFloat(msg.Asks[0].Price, 64)
	if err != nil {
		return signal.Tick{}, false, fmt.Errorf("ask: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Time)
	if err != nil {
		ts = time.Now().UTC()
	}
	return signal.Tick{Instrument: msg.Instrument, Bid: bid, Ask: ask, Ts: ts}, true, nil
}
