// Package manager reconciles order completions and market triggers against
// the position repository.
//
// A single goroutine funnels every input: the orderfeed and tickerfeed
// subscriptions, the periodic open-position refresh, and the close-at-time
// check. All repository transitions therefore happen sequentially; the only
// concurrency is the spawned close initiation, whose completion comes back
// through the orderfeed like any other order.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/alanyoungcy/coinbot/internal/platform/coinbase"
)

// Config holds the manager timer intervals.
type Config struct {
	RefreshInterval    time.Duration
	CloseCheckInterval time.Duration
}

// Manager drives the position state machine.
type Manager struct {
	cfg    Config
	store  domain.PositionStore
	orders domain.OrderCache
	bus    domain.SignalBus
	closer domain.CloseInitiator
	logger *slog.Logger

	// open is the in-memory view of open positions, rebuilt from the
	// repository on every refresh tick.
	open []domain.Position

	// closing optimistically suppresses duplicate close initiations
	// between the trigger firing and the repository catching up. The
	// repository's conditional sell-guard stays the authority.
	mu      sync.Mutex
	closing map[string]bool

	// now is injectable for timer tests.
	now func() time.Time
}

// New creates a Manager.
func New(cfg Config, store domain.PositionStore, orders domain.OrderCache, bus domain.SignalBus, closer domain.CloseInitiator, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		orders:  orders,
		bus:     bus,
		closer:  closer,
		logger:  logger.With(slog.String("component", "manager")),
		closing: map[string]bool{},
		now:     time.Now,
	}
}

// Run subscribes to the feeds and processes events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.refresh(ctx)

	orderCh, err := m.bus.Subscribe(ctx, domain.ChannelOrderFeed)
	if err != nil {
		return fmt.Errorf("manager: subscribe orderfeed: %w", err)
	}
	tickerCh, err := m.bus.Subscribe(ctx, domain.ChannelTickerFeed)
	if err != nil {
		return fmt.Errorf("manager: subscribe tickerfeed: %w", err)
	}

	refreshTick := time.NewTicker(m.cfg.RefreshInterval)
	defer refreshTick.Stop()
	closeTick := time.NewTicker(m.cfg.CloseCheckInterval)
	defer closeTick.Stop()

	m.logger.Info("position manager running",
		slog.Duration("refresh_interval", m.cfg.RefreshInterval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("position manager stopping")
			return nil

		case msg, ok := <-orderCh:
			if !ok {
				return fmt.Errorf("manager: orderfeed closed: %w", domain.ErrWSDisconnect)
			}
			m.handleOrder(ctx, string(msg))

		case msg, ok := <-tickerCh:
			if !ok {
				return fmt.Errorf("manager: tickerfeed closed: %w", domain.ErrWSDisconnect)
			}
			var ev coinbase.TickerEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				m.logger.Error("undecodable ticker", slog.String("error", err.Error()))
				continue
			}
			m.handleTicker(ctx, ev.Ticker())

		case <-refreshTick.C:
			m.refresh(ctx)

		case <-closeTick.C:
			m.handleTimer(ctx)
		}
	}
}

// refresh rebuilds the in-memory open position view from the repository.
// The pub/sub channels are fire-and-forget, so this is also the catch-up
// path for anything missed while down.
func (m *Manager) refresh(ctx context.Context) {
	positions, err := m.store.List(ctx, domain.PositionFilterOpen)
	if err != nil {
		m.logger.Error("cannot refresh open positions", slog.String("error", err.Error()))
		m.open = nil
		return
	}
	m.open = positions

	// Drop suppression marks for positions that are no longer open.
	stillOpen := make(map[string]bool, len(positions))
	for _, p := range positions {
		stillOpen[p.Name] = true
	}
	m.mu.Lock()
	for name := range m.closing {
		if !stillOpen[name] {
			delete(m.closing, name)
		}
	}
	m.mu.Unlock()
}

// handleOrder reconciles one completed order against its position. A
// failure here is logged and dropped: the next refresh or order event gets
// another chance, and stalling the loop would be worse.
func (m *Manager) handleOrder(ctx context.Context, orderID string) {
	agg, err := m.orders.GetOrder(ctx, orderID)
	if err != nil {
		m.logger.Error("cannot load order aggregate",
			slog.String("order_id", orderID), slog.String("error", err.Error()))
		return
	}
	if agg.Position == "" {
		m.logger.Debug("order not tracked by a position", slog.String("order_id", orderID))
		return
	}

	pos, err := m.store.Get(ctx, agg.Position)
	if err != nil {
		m.logger.Error("cannot load position",
			slog.String("position", agg.Position), slog.String("error", err.Error()))
		return
	}

	m.logger.Info("handling completed order",
		slog.String("order_id", orderID),
		slog.String("position", pos.Name),
		slog.String("position_status", string(pos.Status)),
		slog.String("order_status", agg.Status))

	switch pos.Status {
	case domain.PositionStatusNew:
		m.completeBuy(ctx, pos, agg)
	case domain.PositionStatusOpen:
		m.completeSell(ctx, pos, agg)
	default:
		m.logger.Warn("completed order for terminal position",
			slog.String("position", pos.Name), slog.String("status", string(pos.Status)))
	}
}

// completeBuy handles the buy leg resolving: filled opens the position
// with the actual fill terms, canceled ends it.
func (m *Manager) completeBuy(ctx context.Context, pos domain.Position, agg domain.OrderAggregate) {
	switch agg.Status {
	case domain.OrderStatusFilled:
		if agg.ExecutedSize == 0 {
			m.logger.Error("filled buy with zero executed size", slog.String("position", pos.Name))
			return
		}
		if err := m.store.MarkOpen(ctx, pos.Name, agg.ExecutedSize, agg.FillPrice(), agg.AccumulatedFees); err != nil {
			m.logger.Error("mark open", slog.String("position", pos.Name), slog.String("error", err.Error()))
			return
		}
		m.logger.Info("position opened",
			slog.String("position", pos.Name),
			slog.Float64("size", agg.ExecutedSize),
			slog.Float64("fill_price", agg.FillPrice()),
			slog.Float64("fees", agg.AccumulatedFees))

	case domain.OrderStatusCanceled:
		// The buy never filled; the position carries nothing and is dead.
		// An operator-initiated cancel marks "canceled" through the trade
		// workflow instead; this path is the exchange killing the order.
		if err := m.store.MarkAborted(ctx, pos.Name); err != nil {
			m.logger.Error("mark aborted", slog.String("position", pos.Name), slog.String("error", err.Error()))
			return
		}
		m.logger.Info("position aborted after canceled buy", slog.String("position", pos.Name))
	}
}

// completeSell handles the sell leg resolving: filled closes the position
// with the realized result, canceled detaches the sell so the position can
// be sold again.
func (m *Manager) completeSell(ctx context.Context, pos domain.Position, agg domain.OrderAggregate) {
	switch agg.Status {
	case domain.OrderStatusFilled:
		// A partial sell is a data integrity anomaly under this design:
		// warn loudly but accept the close.
		if agg.ExecutedSize != pos.Size {
			m.logger.Error("closing sell did not sell entire quantity",
				slog.String("position", pos.Name),
				slog.Float64("sold", agg.ExecutedSize),
				slog.Float64("held", pos.Size))
		}

		buyFees := 0.0
		if pos.BuyFees != nil {
			buyFees = *pos.BuyFees
		}
		result := agg.ExecutedValue - pos.Size*pos.Price - buyFees - agg.AccumulatedFees

		if err := m.store.MarkClosed(ctx, pos.Name, agg.FillPrice(), agg.AccumulatedFees, result); err != nil {
			m.logger.Error("mark closed", slog.String("position", pos.Name), slog.String("error", err.Error()))
			return
		}
		m.unmarkClosing(pos.Name)
		m.logger.Info("position closed",
			slog.String("position", pos.Name),
			slog.Float64("result", result))

	case domain.OrderStatusCanceled:
		if err := m.store.ClearSellOrder(ctx, pos.Name); err != nil {
			m.logger.Error("clear sell order", slog.String("position", pos.Name), slog.String("error", err.Error()))
			return
		}
		m.unmarkClosing(pos.Name)
		m.logger.Info("sell canceled, position returning to open", slog.String("position", pos.Name))
	}
}

// handleTicker checks take-profit and stop-loss triggers against the best
// bid, the price a market sell would roughly realize.
func (m *Manager) handleTicker(ctx context.Context, t domain.Ticker) {
	for i := range m.open {
		pos := &m.open[i]
		if pos.Product != t.ProductID {
			continue
		}
		if pos.SellPending() || m.isClosing(pos.Name) {
			continue
		}

		if pos.TakeProfit != nil && t.BestBid >= *pos.TakeProfit {
			m.logger.Info("take-profit reached",
				slog.String("position", pos.Name),
				slog.Float64("best_bid", t.BestBid),
				slog.Float64("take_profit", *pos.TakeProfit))
			m.initiateClose(ctx, pos.Name, "take_profit")
			continue
		}

		if pos.StopLoss != nil && t.BestBid <= *pos.StopLoss {
			m.logger.Info("stop-loss reached",
				slog.String("position", pos.Name),
				slog.Float64("best_bid", t.BestBid),
				slog.Float64("stop_loss", *pos.StopLoss))
			m.initiateClose(ctx, pos.Name, "stop_loss")
		}
	}
}

// handleTimer closes positions whose close-at-time has passed.
func (m *Manager) handleTimer(ctx context.Context) {
	now := m.now()
	for i := range m.open {
		pos := &m.open[i]
		if pos.SellPending() || m.isClosing(pos.Name) {
			continue
		}
		if pos.CloseAtTime != nil && !now.Before(*pos.CloseAtTime) {
			m.logger.Info("close-at-time reached",
				slog.String("position", pos.Name),
				slog.Time("close_at", *pos.CloseAtTime))
			m.initiateClose(ctx, pos.Name, "close_at_time")
		}
	}
}

// initiateClose starts a market close on its own goroutine so order
// submission never blocks the event loop. The optimistic closing mark is
// dropped on failure so the next trigger retries; on success the
// repository transition clears it.
func (m *Manager) initiateClose(ctx context.Context, name, reason string) {
	m.mu.Lock()
	if m.closing[name] {
		m.mu.Unlock()
		return
	}
	m.closing[name] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("close initiation panicked",
					slog.String("position", name), slog.Any("panic", r))
				m.unmarkClosing(name)
			}
		}()

		if err := m.closer.InitiateClose(ctx, name, reason); err != nil {
			// A lost sell-guard race means someone else is already
			// closing; keep the suppression mark in that case.
			if !errors.Is(err, domain.ErrSellPending) {
				m.unmarkClosing(name)
			}
			m.logger.Error("close initiation failed",
				slog.String("position", name),
				slog.String("reason", reason),
				slog.String("error", err.Error()))
		}
	}()
}

func (m *Manager) isClosing(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing[name]
}

func (m *Manager) unmarkClosing(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.closing, name)
}
