// Package broker defines the venue contract the decision pipeline trades
// through. Concrete adapters live in sub-packages and in internal/paper.
package broker

import (
	"context"
	"errors"
	"time"

	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

// ErrNotConnected is returned by adapters used before Connect succeeded.
var ErrNotConnected = errors.New("broker not connected")

// Side enumerates order directions.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// SideFor maps a directional bias to the side that opens it.
func SideFor(d sig.Direction) Side {
	if d == sig.Short {
		return Sell
	}
	return Buy
}

// OrderRequest is a market order submission. ClientOrderID is generated by
// the caller and echoed back on fills.
type OrderRequest struct {
	ClientOrderID string
	AccountID     string
	Instrument    string
	Side          Side
	Quantity      float64
}

// OrderStatus is the venue acknowledgement of a request.
type OrderStatus string

const (
	OrderAccepted OrderStatus = "accepted"
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
)

// Order is returned once the venue acknowledged a request.
type Order struct {
	ID            string
	ClientOrderID string
	AccountID     string
	Instrument    string
	Side          Side
	Quantity      float64
	Status        OrderStatus
	Reason        string
	CreatedAt     time.Time
}

// Fill is a confirmed execution, possibly partial.
type Fill struct {
	ID            string
	OrderID       string
	ClientOrderID string
	AccountID     string
	Instrument    string
	Side          Side
	Price         float64
	Quantity      float64
	Ts            time.Time
}

// Account summarizes venue-side balances.
type Account struct {
	ID            string
	Currency      string
	Balance       float64
	NAV           float64
	UnrealizedPnL float64
}

// Position is a venue-reported open position. Quantity is signed: negative
// for short.
type Position struct {
	AccountID  string
	Instrument string
	Quantity   float64
	AvgPrice   float64
}

// Candle is one OHLC bar of bid/ask history.
type Candle struct {
	Instrument string
	Time       time.Time
	Bid        OHLC
	Ask        OHLC
	Volume     int64
	Complete   bool
}

// OHLC carries one side of a candle.
type OHLC struct {
	Open  float64 `json:"o,string"`
	High  float64 `json:"h,string"`
	Low   float64 `json:"l,string"`
	Close float64 `json:"c,string"`
}

// Tick converts the candle close into a quote for window warm-up.
func (c Candle) Tick() sig.Tick {
	return sig.Tick{Instrument: c.Instrument, Bid: c.Bid.Close, Ask: c.Ask.Close, Ts: c.Time}
}

// Broker is the single venue abstraction the pipeline depends on.
type Broker interface {
	Connect(ctx context.Context) error
	Accounts(ctx context.Context) ([]Account, error)
	Positions(ctx context.Context, accountID string) ([]Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
	// StreamTicks runs one streaming session until ctx is done or the
	// session fails. Reconnects are the caller's concern.
	StreamTicks(ctx context.Context, instruments []string, out chan<- sig.Tick) error
	Fills() <-chan Fill
}

// CandleSource serves historical candles.
type CandleSource interface {
	Candles(ctx context.Context, instrument, granularity string, count int) ([]Candle, error)
}
