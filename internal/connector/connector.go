// Package connector ingests the exchange feed into the shared state store.
//
// The connector is the only writer of feed-derived state: it decodes each
// message once, updates the ticker/product/order views in Redis, fans the
// message out on the signal bus, and refreshes the liveness key. It must
// never run long tasks; anything slow lives in the position manager or the
// trade workflows.
package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/alanyoungcy/coinbot/internal/platform/coinbase"
)

// Feed is the streaming connection the connector consumes.
type Feed interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// ExitFunc terminates the process. Injectable so tests can observe the
// circuit breaker firing without dying.
type ExitFunc func(code int)

// Config holds the connector runtime parameters.
type Config struct {
	// Products is the trading universe; status updates for anything else
	// are dropped.
	Products []string

	// SilenceThreshold is the maximum time without any feed message
	// before the connector exits and lets the supervisor restart it.
	SilenceThreshold time.Duration

	// CheckInterval paces the silence checks.
	CheckInterval time.Duration
}

// Connector wires the feed into the shared state store.
type Connector struct {
	cfg    Config
	market domain.MarketCache
	orders domain.OrderCache
	bus    domain.SignalBus
	logger *slog.Logger

	universe map[string]struct{}

	// lastMessage is the liveness clock, stored as unix nanoseconds.
	// Every feed message, heartbeats included, advances it.
	lastMessage atomic.Int64

	exit ExitFunc
}

// New creates a Connector. A nil exit falls back to os.Exit.
func New(cfg Config, market domain.MarketCache, orders domain.OrderCache, bus domain.SignalBus, logger *slog.Logger, exit ExitFunc) *Connector {
	if exit == nil {
		exit = os.Exit
	}
	universe := make(map[string]struct{}, len(cfg.Products))
	for _, p := range cfg.Products {
		universe[p] = struct{}{}
	}
	return &Connector{
		cfg:      cfg,
		market:   market,
		orders:   orders,
		bus:      bus,
		logger:   logger.With(slog.String("component", "connector")),
		universe: universe,
		exit:     exit,
	}
}

// Run connects the feed and blocks watching the liveness clock until ctx
// is cancelled. If the feed goes silent past the threshold the process
// exits abruptly; the supervisor owns the restart.
func (c *Connector) Run(ctx context.Context, feed Feed) error {
	c.lastMessage.Store(time.Now().UnixNano())

	if err := feed.Connect(ctx); err != nil {
		return err
	}
	defer feed.Disconnect()

	c.logger.Info("exchange connector running",
		slog.Any("products", c.cfg.Products),
		slog.Duration("silence_threshold", c.cfg.SilenceThreshold))

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("exchange connector stopping")
			return nil
		case <-ticker.C:
			c.checkLiveness()
		}
	}
}

// checkLiveness fires the circuit breaker when the feed has been silent
// too long. The exit is deliberately abrupt: a stalled feed means every
// downstream view is going stale and a restart is the only safe move.
func (c *Connector) checkLiveness() {
	silence := time.Since(time.Unix(0, c.lastMessage.Load()))
	if silence <= c.cfg.SilenceThreshold {
		return
	}

	c.logger.Error("feed heartbeat stopped, aborting connector",
		slog.Duration("silence", silence),
		slog.Duration("threshold", c.cfg.SilenceThreshold))
	c.exit(1)
}

// HandleMessage processes one raw feed message. Errors are logged and
// swallowed: losing one update is preferable to stalling the feed.
func (c *Connector) HandleMessage(ctx context.Context, raw []byte) {
	// Liveness first, even for messages we cannot decode.
	c.lastMessage.Store(time.Now().UnixNano())

	ev, err := coinbase.DecodeEvent(raw)
	if err != nil {
		c.logger.Error("undecodable feed message", slog.String("error", err.Error()))
		return
	}

	// Heartbeats keep the clock alive but are not processed further.
	if _, ok := ev.(coinbase.HeartbeatEvent); ok {
		return
	}

	// Fan out the raw stream before any specific handling so generic
	// consumers see every message.
	if err := c.bus.Publish(ctx, domain.ChannelFullFeed, raw); err != nil {
		c.logger.Error("publish fullfeed", slog.String("error", err.Error()))
	}

	switch e := ev.(type) {
	case coinbase.SubscriptionsEvent:
		// Subscription confirmation, nothing to store.

	case coinbase.TickerEvent:
		c.handleTicker(ctx, e, raw)

	case coinbase.StatusEvent:
		c.handleStatus(ctx, e)

	case coinbase.ReceivedEvent:
		c.handleAccepted(ctx, e.OrderID, e.ClientOID, raw)
		c.logger.Info("order received",
			slog.String("order_id", e.OrderID),
			slog.String("side", e.Side),
			slog.String("product", e.ProductID),
			slog.String("order_type", e.OrderType))

	case coinbase.ActivateEvent:
		c.handleAccepted(ctx, e.OrderID, e.ClientOID, raw)
		c.logger.Info("stop order activated",
			slog.String("order_id", e.OrderID),
			slog.String("side", e.Side),
			slog.String("product", e.ProductID),
			slog.Float64("stop_price", float64(e.StopPrice)))

	case coinbase.OpenEvent:
		if err := c.orders.AppendHistory(ctx, e.OrderID, raw); err != nil {
			c.logger.Error("append history", slog.String("order_id", e.OrderID), slog.String("error", err.Error()))
		}

	case coinbase.MatchEvent:
		c.handleMatch(ctx, e, raw)

	case coinbase.DoneEvent:
		c.handleDone(ctx, e, raw)

	case coinbase.UnknownEvent:
		c.logger.Warn("unhandled message type", slog.String("type", e.Type))
	}

	// Our own heartbeat; clients use it to check the server is running.
	if err := c.market.SetServerHeartbeat(ctx, time.Now()); err != nil {
		c.logger.Error("set server heartbeat", slog.String("error", err.Error()))
	}
}

func (c *Connector) handleTicker(ctx context.Context, e coinbase.TickerEvent, raw []byte) {
	if err := c.market.SetTicker(ctx, e.ProductID, raw); err != nil {
		c.logger.Error("cache ticker", slog.String("product", e.ProductID), slog.String("error", err.Error()))
	}
	if err := c.bus.Publish(ctx, domain.ChannelTickerFeed, raw); err != nil {
		c.logger.Error("publish tickerfeed", slog.String("error", err.Error()))
	}
}

// handleStatus upserts product metadata for the trading universe only.
func (c *Connector) handleStatus(ctx context.Context, e coinbase.StatusEvent) {
	for _, p := range e.Products {
		if _, ok := c.universe[p.ID]; !ok {
			continue
		}

		// Re-marshal after defaulting trading_disabled so cached
		// metadata always carries the field.
		if p.TradingDisabled == nil {
			disabled := false
			p.TradingDisabled = &disabled
		}
		data, err := json.Marshal(p)
		if err != nil {
			c.logger.Error("marshal product", slog.String("product", p.ID), slog.String("error", err.Error()))
			continue
		}

		if err := c.market.SetProduct(ctx, p.ID, data); err != nil {
			c.logger.Error("cache product", slog.String("product", p.ID), slog.String("error", err.Error()))
		}
		if err := c.bus.Publish(ctx, domain.ChannelProductFeed, data); err != nil {
			c.logger.Error("publish productfeed", slog.String("error", err.Error()))
		}
	}
}

// handleAccepted is shared by received and activate events: both mark the
// birth of a live order and both may carry a client token that links the
// order to a position.
func (c *Connector) handleAccepted(ctx context.Context, orderID, clientID string, raw []byte) {
	if clientID != "" {
		if err := c.orders.BindClientOrder(ctx, clientID, orderID); err != nil {
			c.logger.Error("bind client order", slog.String("order_id", orderID), slog.String("error", err.Error()))
		}

		binding, err := c.orders.ClientBinding(ctx, clientID)
		if err == nil && binding.Position != "" {
			if err := c.orders.SetPosition(ctx, orderID, binding.Position); err != nil {
				c.logger.Error("bind order position", slog.String("order_id", orderID), slog.String("error", err.Error()))
			}
		}
	}

	if err := c.orders.AppendHistory(ctx, orderID, raw); err != nil {
		c.logger.Error("append history", slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
	if err := c.orders.MarkOpen(ctx, orderID); err != nil {
		c.logger.Error("mark order open", slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
}

// handleMatch accumulates one fill. The fee delta is size*price*rate of
// whichever side belongs to the authenticated user. Accumulation is
// at-least-once by contract.
func (c *Connector) handleMatch(ctx context.Context, e coinbase.MatchEvent, raw []byte) {
	orderID, feeRate := e.UserFill()
	size := float64(e.Size)
	price := float64(e.Price)

	if err := c.orders.AppendHistory(ctx, orderID, raw); err != nil {
		c.logger.Error("append history", slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
	if err := c.orders.AddFill(ctx, orderID, size, size*price, size*price*feeRate); err != nil {
		c.logger.Error("accumulate fill", slog.String("order_id", orderID), slog.String("error", err.Error()))
	}

	c.logger.Info("order match",
		slog.String("order_id", orderID),
		slog.String("product", e.ProductID),
		slog.Float64("size", size),
		slog.Float64("price", price),
		slog.Float64("fee_rate", feeRate))
}

func (c *Connector) handleDone(ctx context.Context, e coinbase.DoneEvent, raw []byte) {
	if err := c.orders.SetStatus(ctx, e.OrderID, e.Reason); err != nil {
		c.logger.Error("set order status", slog.String("order_id", e.OrderID), slog.String("error", err.Error()))
	}
	if err := c.orders.AppendHistory(ctx, e.OrderID, raw); err != nil {
		c.logger.Error("append history", slog.String("order_id", e.OrderID), slog.String("error", err.Error()))
	}
	if err := c.orders.MarkCompleted(ctx, e.OrderID); err != nil {
		c.logger.Error("mark order completed", slog.String("order_id", e.OrderID), slog.String("error", err.Error()))
	}

	// Downstream consumers get just the id and read the aggregate
	// themselves.
	if err := c.bus.Publish(ctx, domain.ChannelOrderFeed, []byte(e.OrderID)); err != nil {
		c.logger.Error("publish orderfeed", slog.String("error", err.Error()))
	}

	c.logger.Info("order done",
		slog.String("order_id", e.OrderID),
		slog.String("reason", e.Reason),
		slog.String("product", e.ProductID))
}
