package domain

import (
	"context"
	"time"
)

// MarketCache stores the latest raw feed snapshots per product plus the
// connector liveness key. Values are the raw exchange JSON so readers
// decode them with the same types the feed uses.
type MarketCache interface {
	SetTicker(ctx context.Context, productID string, raw []byte) error
	GetTicker(ctx context.Context, productID string) ([]byte, error)
	SetProduct(ctx context.Context, productID string, raw []byte) error
	GetProduct(ctx context.Context, productID string) ([]byte, error)
	SetServerHeartbeat(ctx context.Context, ts time.Time) error
	ServerHeartbeat(ctx context.Context) (time.Time, error)
}

// OrderCache is the shared order ledger built up from feed events: one
// hash per order, an append-only history list, open/completed membership
// sets and the client-id bridge used to tie orders back to positions.
type OrderCache interface {
	// Client-id bridge.
	BindClientOrder(ctx context.Context, clientID, orderID string) error
	BindClientPosition(ctx context.Context, clientID, position string) error
	ClientBinding(ctx context.Context, clientID string) (ClientBinding, error)

	// Order hash fields.
	SetPosition(ctx context.Context, orderID, position string) error
	SetStatus(ctx context.Context, orderID, status string) error
	// AddFill accumulates executed size, executed value and fees with
	// HINCRBYFLOAT semantics. Delivery is at-least-once: a redelivered
	// match event counts twice. Callers must not retry on ambiguous
	// failures.
	AddFill(ctx context.Context, orderID string, size, value, fees float64) error
	GetOrder(ctx context.Context, orderID string) (OrderAggregate, error)

	// History and lifecycle sets.
	AppendHistory(ctx context.Context, orderID string, raw []byte) error
	History(ctx context.Context, orderID string) ([][]byte, error)
	MarkOpen(ctx context.Context, orderID string) error
	MarkCompleted(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context) ([]string, error)
	CompletedOrders(ctx context.Context) ([]string, error)

	// Forget removes an archived order's hash, history and completed-set
	// membership.
	Forget(ctx context.Context, orderID string) error
}

// SignalBus provides fire-and-forget pub/sub fan-out between processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Feed channel names published by the connector.
const (
	ChannelTickerFeed  = "tickerfeed"
	ChannelProductFeed = "productfeed"
	ChannelOrderFeed   = "orderfeed"
	ChannelFullFeed    = "fullfeed"
)
