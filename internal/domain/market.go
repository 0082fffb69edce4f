package domain

import "time"

// Ticker is the latest trade snapshot for a product.
type Ticker struct {
	ProductID string
	TradeID   int64
	Price     float64
	BestBid   float64
	BestAsk   float64
	LastSize  float64
	Volume24h float64
	Time      time.Time
}

// Spread returns best ask minus best bid.
func (t Ticker) Spread() float64 {
	return t.BestAsk - t.BestBid
}

// Product is exchange metadata for a tradeable pair.
type Product struct {
	ID              string
	BaseCurrency    string
	QuoteCurrency   string
	BaseMinSize     float64
	BaseMaxSize     float64
	MinMarketFunds  float64
	BaseIncrement   string
	QuoteIncrement  string
	Status          string
	CancelOnly      bool
	LimitOnly       bool
	PostOnly        bool
	TradingDisabled bool

	// Derived decimal precision of the increments, used when
	// formatting order sizes and prices.
	BasePrecision  int
	QuotePrecision int
}

// Candle is one OHLCV bucket from the historic rates endpoint.
type Candle struct {
	Time   time.Time
	Low    float64
	High   float64
	Open   float64
	Close  float64
	Volume float64
}

// Account is a currency balance held on the exchange.
type Account struct {
	ID             string
	Currency       string
	Balance        float64
	Hold           float64
	Available      float64
	TradingEnabled bool
}
