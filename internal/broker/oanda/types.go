package oanda

import (
	"time"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
)

// OANDA encodes decimals as JSON strings.

type accountSummaryResponse struct {
	Account struct {
		ID           string  `json:"id"`
		Currency     string  `json:"currency"`
		Balance      float64 `json:"balance,string"`
		NAV          float64 `json:"NAV,string"`
		UnrealizedPL float64 `json:"unrealizedPL,string"`
	} `json:"account"`
}

type positionSide struct {
	Units        float64 `json:"units,string"`
	AveragePrice float64 `json:"averagePrice,string"`
}

type openPositionsResponse struct {
	Positions []struct {
		Instrument string       `json:"instrument"`
		Long       positionSide `json:"long"`
		Short      positionSide `json:"short"`
	} `json:"positions"`
}

type clientExtensions struct {
	ID string `json:"id,omitempty"`
}

type marketOrder struct {
	Type             string            `json:"type"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	TimeInForce      string            `json:"timeInForce"`
	PositionFill     string            `json:"positionFill"`
	ClientExtensions *clientExtensions `json:"clientExtensions,omitempty"`
}

type orderRequest struct {
	Order marketOrder `json:"order"`
}

type transaction struct {
	ID               string            `json:"id"`
	OrderID          string            `json:"orderID"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	Price            string            `json:"price"`
	Reason           string            `json:"reason"`
	Time             time.Time         `json:"time"`
	ClientExtensions *clientExtensions `json:"clientExtensions"`
}

type orderResponse struct {
	OrderCreateTransaction *transaction `json:"orderCreateTransaction"`
	OrderFillTransaction   *transaction `json:"orderFillTransaction"`
	OrderCancelTransaction *transaction `json:"orderCancelTransaction"`
}

type candlesResponse struct {
	Instrument  string `json:"instrument"`
	Granularity string `json:"granularity"`
	Candles     []struct {
		Time     time.Time   `json:"time"`
		Bid      broker.OHLC `json:"bid"`
		Ask      broker.OHLC `json:"ask"`
		Volume   int64       `json:"volume"`
		Complete bool        `json:"complete"`
	} `json:"candles"`
}

type priceBucket struct {
	Price string `json:"price"`
}

type streamMessage struct {
	Type       string        `json:"type"`
	Instrument string        `json:"instrument"`
	Time       string        `json:"time"`
	Bids       []priceBucket `json:"bids"`
	Asks       []priceBucket `json:"asks"`
}
