// Package oanda implements broker.Broker against the OANDA v20 REST and
// streaming APIs.
package oanda

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
)

const (
	practiceAPI    = "https://api-fxpractice.oanda.com"
	practiceStream = "https://stream-fxpractice.oanda.com"
	liveAPI        = "https://api-fxtrade.oanda.com"
	liveStream     = "https://stream-fxtrade.oanda.com"

	defaultPrecision = 2
)

// APIError represents a non-2xx API response.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("oanda api error: status=%d body=%s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// Config selects the environment and credentials.
type Config struct {
	Token       string
	AccountID   string
	Environment string // practice or live
	BaseURL     string
	StreamURL   string
	// RequestsPerSecond throttles REST calls; OANDA allows 100/s per connection.
	RequestsPerSecond float64
	Timeout           time.Duration
	// Precision is the number of unit decimals accepted per instrument.
	Precision map[string]int32
}

// Client is an OANDA broker.Broker and broker.CandleSource.
type Client struct {
	cfg       Config
	http      *http.Client
	stream    *http.Client
	limiter   *rate.Limiter
	log       zerolog.Logger
	fills     chan broker.Fill
	connected atomic.Bool
}

var (
	_ broker.Broker       = (*Client)(nil)
	_ broker.CandleSource = (*Client)(nil)
)

// New builds a client. Nothing is sent until Connect.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" || cfg.StreamURL == "" {
		api, stream := practiceAPI, practiceStream
		if strings.EqualFold(cfg.Environment, "live") {
			api, stream = liveAPI, liveStream
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = api
		}
		if cfg.StreamURL == "" {
			cfg.StreamURL = stream
		}
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	cfg.StreamURL = strings.TrimSuffix(cfg.StreamURL, "/")
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		stream:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		log:     log.With().Str("component", "oanda").Logger(),
		fills:   make(chan broker.Fill, 256),
	}
}

// Connect verifies credentials by fetching the account summary.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Token == "" || c.cfg.AccountID == "" {
		return fmt.Errorf("oanda: token and account id are required")
	}
	var resp accountSummaryResponse
	if err := c.do(ctx, http.MethodGet, c.accountPath("summary"), nil, &resp); err != nil {
		return fmt.Errorf("oanda connect: %w", err)
	}
	c.connected.Store(true)
	c.log.Info().Str("account", resp.Account.ID).Str("currency", resp.Account.Currency).Msg("connected to oanda")
	return nil
}

// Accounts implements broker.Broker.
func (c *Client) Accounts(ctx context.Context) ([]broker.Account, error) {
	if !c.connected.Load() {
		return nil, broker.ErrNotConnected
	}
	var resp accountSummaryResponse
	if err := c.do(ctx, http.MethodGet, c.accountPath("summary"), nil, &resp); err != nil {
		return nil, fmt.Errorf("account summary: %w", err)
	}
	a := resp.Account
	return []broker.Account{{ID: a.ID, Currency: a.Currency, Balance: a.Balance, NAV: a.NAV, UnrealizedPnL: a.UnrealizedPL}}, nil
}

// Positions implements broker.Broker.
func (c *Client) Positions(ctx context.Context, accountID string) ([]broker.Position, error) {
	if !c.connected.Load() {
		return nil, broker.ErrNotConnected
	}
	var resp openPositionsResponse
	path := "/v3/accounts/" + url.PathEscape(accountID) + "/openPositions"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	out := make([]broker.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		side := p.Long
		if side.Units == 0 {
			side = p.Short
		}
		if side.Units == 0 {
			continue
		}
		out = append(out, broker.Position{AccountID: accountID, Instrument: p.Instrument, Quantity: side.Units, AvgPrice: side.AveragePrice})
	}
	return out, nil
}

// Fills implements broker.Broker.
func (c *Client) Fills() <-chan broker.Fill { return c.fills }

func (c *Client) accountPath(suffix string) string {
	return "/v3/accounts/" + url.PathEscape(c.cfg.AccountID) + "/" + suffix
}

func (c *Client) precision(instrument string) int32 {
	if p, ok := c.cfg.Precision[instrument]; ok {
		return p
	}
	return defaultPrecision
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{StatusCode: resp.StatusCode, Body: data}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
}
