package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects limit or market execution.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderRequest carries everything needed to submit one order. Price and
// Size must already be rounded to the product's precision; market buys may
// specify Funds instead of Size. StopPrice > 0 turns a limit sell into a
// stop-loss order.
type OrderRequest struct {
	ProductID string
	Side      OrderSide
	Type      OrderType
	Price     float64
	Size      float64
	Funds     float64
	StopPrice float64
	ClientID  string
}

// OrderAck is the exchange's acknowledgement of a submitted order.
type OrderAck struct {
	OrderID    string
	ClientID   string
	Status     string
	Settled    bool
	FilledSize float64
}

// ExchangeOrder is the authoritative order record from the REST API,
// used as fallback when the cached aggregate is missing.
type ExchangeOrder struct {
	ID            string
	ProductID     string
	Side          OrderSide
	Type          OrderType
	Status        string
	Settled       bool
	Price         float64
	Size          float64
	Funds         float64
	FilledSize    float64
	ExecutedValue float64
	FillFees      float64
	DoneReason    string
	CreatedAt     time.Time
	DoneAt        time.Time
}

// Terminal order statuses as written to the shared state store. The
// status field holds the done reason, so its absence means the order is
// still working.
const (
	OrderStatusFilled   = "filled"
	OrderStatusCanceled = "canceled"
)

// OrderAggregate is the accumulated view of an order built up from feed
// events. ExecutedSize/ExecutedValue/AccumulatedFees grow with each match;
// Status stays empty until a done event lands.
type OrderAggregate struct {
	OrderID         string
	Status          string
	ExecutedSize    float64
	ExecutedValue   float64
	AccumulatedFees float64
	Position        string
}

// Done reports whether a terminal status has been recorded.
func (o OrderAggregate) Done() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCanceled
}

// FillPrice returns the volume-weighted average fill price.
func (o OrderAggregate) FillPrice() float64 {
	if o.ExecutedSize == 0 {
		return 0
	}
	return o.ExecutedValue / o.ExecutedSize
}

// ClientBinding maps a client order id back to the server-assigned order
// id and the position the order belongs to.
type ClientBinding struct {
	OrderID  string
	Position string
}
