package oanda

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
)

// PlaceOrder submits a fill-or-kill market order. A fill transaction in the
// response is published on Fills; a cancel transaction yields a rejected
// order.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if !c.connected.Load() {
		return nil, broker.ErrNotConnected
	}
	units := formatUnits(req.Side, req.Quantity, c.precision(req.Instrument))
	if units.IsZero() {
		return nil, fmt.Errorf("order quantity %v rounds to zero units", req.Quantity)
	}
	body := orderRequest{Order: marketOrder{
		Type:         "MARKET",
		Instrument:   req.Instrument,
		Units:        units.String(),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}}
	if req.ClientOrderID != "" {
		body.Order.ClientExtensions = &clientExtensions{ID: req.ClientOrderID}
	}

	var resp orderResponse
	path := "/v3/accounts/" + url.PathEscape(req.AccountID) + "/orders"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	qty, _ := units.Abs().Float64()
	order := &broker.Order{
		ClientOrderID: req.ClientOrderID,
		AccountID:     req.AccountID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Quantity:      qty,
		Status:        broker.OrderAccepted,
		CreatedAt:     time.Now().UTC(),
	}
	if tx := resp.OrderCreateTransaction; tx != nil {
		order.ID = tx.ID
		if !tx.Time.IsZero() {
			order.CreatedAt = tx.Time
		}
	}

	switch {
	case resp.OrderCancelTransaction != nil:
		order.Status = broker.OrderRejected
		order.Reason = resp.OrderCancelTransaction.Reason
		c.log.Warn().Str("instrument", req.Instrument).Str("reason", order.Reason).Msg("order cancelled by venue")
	case resp.OrderFillTransaction != nil:
		order.Status = broker.OrderFilled
		fill, err := c.fillFrom(req, order, resp.OrderFillTransaction)
		if err != nil {
			return order, err
		}
		select {
		case c.fills <- fill:
		case <-ctx.Done():
			return order, ctx.Err()
		}
	}
	return order, nil
}

func (c *Client) fillFrom(req broker.OrderRequest, order *broker.Order, tx *transaction) (broker.Fill, error) {
	price, err := strconv.ParseFloat(tx.Price, 64)
	if err != nil {
		return broker.Fill{}, fmt.Errorf("fill price %q: %w", tx.Price, err)
	}
	units, err := strconv.ParseFloat(tx.Units, 64)
	if err != nil {
		return broker.Fill{}, fmt.Errorf("fill units %q: %w", tx.Units, err)
	}
	if units < 0 {
		units = -units
	}
	orderID := tx.OrderID
	if orderID == "" {
		orderID = order.ID
	}
	ts := tx.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return broker.Fill{
		ID:            tx.ID,
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		AccountID:     req.AccountID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Price:         price,
		Quantity:      units,
		Ts:            ts,
	}, nil
}

// CancelOrder implements broker.Broker.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) error {
	if !c.connected.Load() {
		return broker.ErrNotConnected
	}
	path := "/v3/accounts/" + url.PathEscape(accountID) + "/orders/" + url.PathEscape(orderID) + "/cancel"
	if err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

// Candles implements broker.CandleSource with bid/ask prices.
func (c *Client) Candles(ctx context.Context, instrument, granularity string, count int) ([]broker.Candle, error) {
	q := url.Values{}
	q.Set("granularity", granularity)
	q.Set("count", strconv.Itoa(count))
	q.Set("price", "BA")
	path := "/v3/instruments/" + url.PathEscape(instrument) + "/candles?" + q.Encode()

	var resp candlesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("candles %s: %w", instrument, err)
	}
	out := make([]broker.Candle, 0, len(resp.Candles))
	for _, k := range resp.Candles {
		out = append(out, broker.Candle{
			Instrument: instrument,
			Time:       k.Time,
			Bid:        k.Bid,
			Ask:        k.Ask,
			Volume:     k.Volume,
			Complete:   k.Complete,
		})
	}
	return out, nil
}

// formatUnits truncates to the instrument precision; sells are negative.
func formatUnits(side broker.Side, qty float64, precision int32) decimal.Decimal {
	units := decimal.NewFromFloat(qty).Truncate(precision)
	if side == broker.Sell {
		units = units.Neg()
	}
	return units
}
