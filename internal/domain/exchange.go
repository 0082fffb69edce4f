package domain

import (
	"context"
	"time"
)

// Exchange is the REST trading surface of the exchange.
type Exchange interface {
	Buy(ctx context.Context, req OrderRequest) (OrderAck, error)
	Sell(ctx context.Context, req OrderRequest) (OrderAck, error)
	// CancelOrder treats an already-gone order (404) as success.
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (ExchangeOrder, error)
	GetAccounts(ctx context.Context) ([]Account, error)
	GetProducts(ctx context.Context) ([]Product, error)
	GetProductTicker(ctx context.Context, productID string) (Ticker, error)
	GetHistoricRates(ctx context.Context, productID string, start, end time.Time, granularity int) ([]Candle, error)
}

// CloseInitiator starts closing an open position. The position manager
// calls it from a supervised goroutine so its event loop never blocks on
// order submission.
type CloseInitiator interface {
	InitiateClose(ctx context.Context, name string, reason string) error
}
