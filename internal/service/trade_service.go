package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/coinbot/internal/domain"
)

// Notifier delivers operator alerts for trade events.
type Notifier interface {
	Notify(ctx context.Context, event, message string) error
}

// TradeService implements the order and position workflows. Every
// operation validates against exchange-declared minimums before touching
// the exchange, and position orders carry a client id so the feed can
// route the confirmation back to its position.
type TradeService struct {
	exchange domain.Exchange
	store    domain.PositionStore
	orders   domain.OrderCache
	tickers  *TickerService
	notifier Notifier
	logger   *slog.Logger

	// pollInterval paces order-status poll loops.
	pollInterval time.Duration
}

// NewTradeService creates a TradeService.
func NewTradeService(exchange domain.Exchange, store domain.PositionStore, orders domain.OrderCache, tickers *TickerService, notifier Notifier, pollInterval time.Duration, logger *slog.Logger) *TradeService {
	return &TradeService{
		exchange:     exchange,
		store:        store,
		orders:       orders,
		tickers:      tickers,
		notifier:     notifier,
		logger:       logger.With(slog.String("component", "trade")),
		pollInterval: pollInterval,
	}
}

var _ domain.CloseInitiator = (*TradeService)(nil)

// roundTo truncates v to the given number of decimal places, rounding
// down so orders never exceed the caller's budget or holdings.
func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Floor(v*p) / p
}

// sleepCtx pauses for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// validateTradeable rejects products the exchange will not accept new
// orders for.
func validateTradeable(p domain.Product) error {
	if p.TradingDisabled || p.CancelOnly || p.Status != "online" {
		return domain.AsUserError(fmt.Errorf("product %s: %w", p.ID, domain.ErrTradingDisabled))
	}
	return nil
}

// BuyLimit places a limit buy, rounding price and size to the product's
// precision.
func (s *TradeService) BuyLimit(ctx context.Context, product string, price, size float64) (domain.OrderAck, error) {
	info, err := s.tickers.ProductInfo(ctx, product)
	if err != nil {
		return domain.OrderAck{}, err
	}
	if err := validateTradeable(info); err != nil {
		return domain.OrderAck{}, err
	}

	size = roundTo(size, info.BasePrecision)
	if size < info.BaseMinSize {
		return domain.OrderAck{}, domain.AsUserError(fmt.Errorf("size %g < minimum %g for %s: %w", size, info.BaseMinSize, product, domain.ErrBelowMinimum))
	}

	ack, err := s.exchange.Buy(ctx, domain.OrderRequest{
		ProductID: product,
		Type:      domain.OrderTypeLimit,
		Price:     roundTo(price, info.QuotePrecision),
		Size:      size,
		ClientID:  uuid.NewString(),
	})
	if err != nil {
		return domain.OrderAck{}, err
	}

	s.logger.Info("limit buy placed",
		slog.String("product", product),
		slog.String("order_id", ack.OrderID),
		slog.Float64("price", price),
		slog.Float64("size", size))
	return ack, nil
}

// BuyMarket places a market buy for the given amount of quote currency.
func (s *TradeService) BuyMarket(ctx context.Context, product string, funds float64) (domain.OrderAck, error) {
	info, err := s.tickers.ProductInfo(ctx, product)
	if err != nil {
		return domain.OrderAck{}, err
	}
	if err := validateTradeable(info); err != nil {
		return domain.OrderAck{}, err
	}

	funds = roundTo(funds, info.QuotePrecision)
	if funds < info.MinMarketFunds {
		return domain.OrderAck{}, domain.AsUserError(fmt.Errorf("funds %g < minimum %g for %s: %w", funds, info.MinMarketFunds, product, domain.ErrBelowMinimum))
	}

	ack, err := s.exchange.Buy(ctx, domain.OrderRequest{
		ProductID: product,
		Type:      domain.OrderTypeMarket,
		Funds:     funds,
		ClientID:  uuid.NewString(),
	})
	if err != nil {
		return domain.OrderAck{}, err
	}

	s.logger.Info("market buy placed",
		slog.String("product", product),
		slog.String("order_id", ack.OrderID),
		slog.Float64("funds", funds))
	return ack, nil
}

// SellLimit places a limit sell.
func (s *TradeService) SellLimit(ctx context.Context, product string, price, size float64) (domain.OrderAck, error) {
	return s.sell(ctx, product, domain.OrderTypeLimit, price, 0, size)
}

// SellMarket places a market sell.
func (s *TradeService) SellMarket(ctx context.Context, product string, size float64) (domain.OrderAck, error) {
	return s.sell(ctx, product, domain.OrderTypeMarket, 0, 0, size)
}

// StopLossSell places a stop-limit sell triggering at stopPrice.
func (s *TradeService) StopLossSell(ctx context.Context, product string, stopPrice, size float64) (domain.OrderAck, error) {
	return s.sell(ctx, product, domain.OrderTypeLimit, stopPrice, stopPrice, size)
}

func (s *TradeService) sell(ctx context.Context, product string, typ domain.OrderType, price, stopPrice, size float64) (domain.OrderAck, error) {
	info, err := s.tickers.ProductInfo(ctx, product)
	if err != nil {
		return domain.OrderAck{}, err
	}

	size = roundTo(size, info.BasePrecision)
	if size < info.BaseMinSize {
		return domain.OrderAck{}, domain.AsUserError(fmt.Errorf("size %g < minimum %g for %s: %w", size, info.BaseMinSize, product, domain.ErrBelowMinimum))
	}

	ack, err := s.exchange.Sell(ctx, domain.OrderRequest{
		ProductID: product,
		Type:      typ,
		Price:     roundTo(price, info.QuotePrecision),
		StopPrice: roundTo(stopPrice, info.QuotePrecision),
		Size:      size,
		ClientID:  uuid.NewString(),
	})
	if err != nil {
		return domain.OrderAck{}, err
	}

	s.logger.Info("sell placed",
		slog.String("product", product),
		slog.String("order_id", ack.OrderID),
		slog.String("type", string(typ)),
		slog.Float64("price", price),
		slog.Float64("stop_price", stopPrice),
		slog.Float64("size", size))
	return ack, nil
}

// OpenParams describes a new position.
type OpenParams struct {
	Name    string
	Product string
	Mode    domain.OrderType

	// Price and Size drive a limit entry; Budget drives a market entry
	// (or derives Size for a limit entry when Size is zero).
	Price  float64
	Size   float64
	Budget float64

	TakeProfit  *float64
	StopLoss    *float64
	CloseAtTime *time.Time
}

// OpenPosition creates the position row, registers the client-id mapping,
// submits the buy, and records the order id. The row goes in before the
// order goes out so a crash mid-submission always leaves something to
// reconcile against.
func (s *TradeService) OpenPosition(ctx context.Context, p OpenParams) (domain.OrderAck, error) {
	info, err := s.tickers.ProductInfo(ctx, p.Product)
	if err != nil {
		return domain.OrderAck{}, err
	}
	if err := validateTradeable(info); err != nil {
		return domain.OrderAck{}, err
	}

	// Resolve the nominal entry terms, validated before any writes. For a
	// market entry size and price are estimates until the fill replaces
	// them.
	var price, size, funds float64
	switch p.Mode {
	case domain.OrderTypeLimit:
		price = roundTo(p.Price, info.QuotePrecision)
		if price <= 0 {
			return domain.OrderAck{}, domain.UserErrorf("limit open needs a price")
		}
		size = p.Size
		if size == 0 && p.Budget > 0 {
			size = p.Budget / price
		}
		size = roundTo(size, info.BasePrecision)
		if size < info.BaseMinSize {
			return domain.OrderAck{}, domain.AsUserError(fmt.Errorf("size %g < minimum %g for %s: %w", size, info.BaseMinSize, p.Product, domain.ErrBelowMinimum))
		}
	case domain.OrderTypeMarket:
		funds = roundTo(p.Budget, info.QuotePrecision)
		if funds < info.MinMarketFunds {
			return domain.OrderAck{}, domain.AsUserError(fmt.Errorf("budget %g < minimum %g for %s: %w", funds, info.MinMarketFunds, p.Product, domain.ErrBelowMinimum))
		}
		ask, err := s.tickers.AskPrice(ctx, p.Product)
		if err != nil {
			return domain.OrderAck{}, err
		}
		price = ask
		size = roundTo(funds/ask, info.BasePrecision)
	default:
		return domain.OrderAck{}, domain.UserErrorf("unknown order mode %q", p.Mode)
	}

	if _, err := s.store.Get(ctx, p.Name); err == nil {
		return domain.OrderAck{}, domain.AsUserError(fmt.Errorf("position %s: %w", p.Name, domain.ErrAlreadyExists))
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.OrderAck{}, err
	}

	id, err := s.store.Create(ctx, p.Name, p.Product, size, price)
	if err != nil {
		return domain.OrderAck{}, err
	}
	s.logger.Info("position created",
		slog.String("position", p.Name), slog.Int64("id", id))

	if p.TakeProfit != nil || p.StopLoss != nil || p.CloseAtTime != nil {
		upd := domain.TriggerUpdate{TakeProfit: p.TakeProfit, StopLoss: p.StopLoss, CloseAtTime: p.CloseAtTime}
		if err := s.AdjustTriggers(ctx, p.Name, upd); err != nil {
			return domain.OrderAck{}, err
		}
	}

	clientID := uuid.NewString()
	if err := s.orders.BindClientPosition(ctx, clientID, p.Name); err != nil {
		return domain.OrderAck{}, fmt.Errorf("bind client position: %w", err)
	}

	req := domain.OrderRequest{
		ProductID: p.Product,
		Type:      p.Mode,
		ClientID:  clientID,
	}
	if p.Mode == domain.OrderTypeLimit {
		req.Price = price
		req.Size = size
	} else {
		req.Funds = funds
	}

	ack, err := s.exchange.Buy(ctx, req)
	if err != nil {
		// The row stays in "new"; cancel can abort the orphan later.
		s.logger.Error("buy submission failed, position left for reconciliation",
			slog.String("position", p.Name), slog.String("error", err.Error()))
		return domain.OrderAck{}, err
	}

	if err := s.store.SetBuyOrder(ctx, p.Name, ack.OrderID); err != nil {
		return ack, err
	}

	s.logger.Info("position opened",
		slog.String("position", p.Name),
		slog.String("order_id", ack.OrderID),
		slog.String("mode", string(p.Mode)))
	return ack, nil
}

// ClosePosition submits the sell leg for an open position. A pending sell
// is canceled and replaced. New positions must be canceled instead, and
// terminal positions reject the transition.
func (s *TradeService) ClosePosition(ctx context.Context, name string, mode domain.OrderType, limitPrice float64) error {
	pos, err := s.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AsUserError(err)
		}
		return err
	}

	switch pos.Status {
	case domain.PositionStatusOpen:
	case domain.PositionStatusNew:
		return domain.UserErrorf("position %s has not filled yet, cancel it instead", name)
	default:
		return fmt.Errorf("close position %s in status %s: %w", name, pos.Status, domain.ErrIllegalTransition)
	}

	if pos.SellPending() {
		s.logger.Info("canceling pending sell before resubmit",
			slog.String("position", name), slog.String("order_id", *pos.SellOrderID))
		if err := s.exchange.CancelOrder(ctx, *pos.SellOrderID); err != nil {
			return fmt.Errorf("cancel pending sell for %s: %w", name, err)
		}
		if err := s.store.ClearSellOrder(ctx, name); err != nil {
			return err
		}
	}

	clientID := uuid.NewString()
	if err := s.orders.BindClientPosition(ctx, clientID, name); err != nil {
		return fmt.Errorf("bind client position: %w", err)
	}

	info, err := s.tickers.ProductInfo(ctx, pos.Product)
	if err != nil {
		return err
	}

	req := domain.OrderRequest{
		ProductID: pos.Product,
		Type:      mode,
		Size:      roundTo(pos.Size, info.BasePrecision),
		ClientID:  clientID,
	}
	if mode == domain.OrderTypeLimit {
		if limitPrice <= 0 {
			return domain.UserErrorf("limit close needs a price")
		}
		req.Price = roundTo(limitPrice, info.QuotePrecision)
	}

	ack, err := s.exchange.Sell(ctx, req)
	if err != nil {
		return fmt.Errorf("sell for position %s: %w", name, err)
	}

	if err := s.store.SetSellOrder(ctx, name, ack.OrderID); err != nil {
		if errors.Is(err, domain.ErrSellPending) {
			// Lost the submit race: another actor attached a sell while
			// ours was in flight. Withdraw ours and defer to the winner.
			s.logger.Warn("lost sell-guard race, canceling duplicate sell",
				slog.String("position", name), slog.String("order_id", ack.OrderID))
			if cancelErr := s.exchange.CancelOrder(ctx, ack.OrderID); cancelErr != nil {
				s.logger.Error("cannot withdraw duplicate sell",
					slog.String("order_id", ack.OrderID), slog.String("error", cancelErr.Error()))
			}
		}
		return err
	}

	s.logger.Info("close submitted",
		slog.String("position", name),
		slog.String("order_id", ack.OrderID),
		slog.String("mode", string(mode)))
	return nil
}

// InitiateClose market-closes an open position on behalf of the position
// manager's triggers.
func (s *TradeService) InitiateClose(ctx context.Context, name, reason string) error {
	pos, err := s.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if pos.SellPending() {
		return fmt.Errorf("position %s: %w", name, domain.ErrSellPending)
	}

	s.logger.Info("initiating market close",
		slog.String("position", name), slog.String("reason", reason))
	return s.ClosePosition(ctx, name, domain.OrderTypeMarket, 0)
}

// CancelPosition withdraws a position's working order. An orphan row with
// no buy order is aborted with zero exchange calls; a new position's buy
// is canceled on the exchange; an open position's pending sell is
// canceled, returning the position to plain open.
func (s *TradeService) CancelPosition(ctx context.Context, name string) error {
	pos, err := s.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AsUserError(err)
		}
		return err
	}

	switch pos.Status {
	case domain.PositionStatusNew:
		if pos.BuyOrderID == nil || *pos.BuyOrderID == "" {
			s.logger.Info("aborting orphan position", slog.String("position", name))
			return s.store.MarkAborted(ctx, name)
		}
		if err := s.exchange.CancelOrder(ctx, *pos.BuyOrderID); err != nil {
			return fmt.Errorf("cancel buy for %s: %w", name, err)
		}
		s.logger.Info("buy canceled",
			slog.String("position", name), slog.String("order_id", *pos.BuyOrderID))
		return s.store.MarkCanceled(ctx, name)

	case domain.PositionStatusOpen:
		if !pos.SellPending() {
			return domain.UserErrorf("position %s has no pending sell to cancel, use close to exit", name)
		}
		if err := s.exchange.CancelOrder(ctx, *pos.SellOrderID); err != nil {
			return fmt.Errorf("cancel sell for %s: %w", name, err)
		}
		s.logger.Info("sell canceled",
			slog.String("position", name), slog.String("order_id", *pos.SellOrderID))
		return s.store.ClearSellOrder(ctx, name)

	default:
		return fmt.Errorf("cancel position %s in status %s: %w", name, pos.Status, domain.ErrIllegalTransition)
	}
}

// AdjustTriggers sets or clears the exit triggers on a live position.
func (s *TradeService) AdjustTriggers(ctx context.Context, name string, upd domain.TriggerUpdate) error {
	pos, err := s.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AsUserError(err)
		}
		return err
	}
	switch pos.Status {
	case domain.PositionStatusNew, domain.PositionStatusOpen:
	default:
		return fmt.Errorf("adjust triggers on %s in status %s: %w", name, pos.Status, domain.ErrIllegalTransition)
	}

	if upd.CloseAtTime != nil && upd.CloseAtTime.Before(time.Now()) {
		return domain.UserErrorf("close time %s is in the past", upd.CloseAtTime.Format(time.RFC3339))
	}
	if upd.TakeProfit != nil && *upd.TakeProfit <= 0 {
		return domain.UserErrorf("take profit must be > 0")
	}
	if upd.StopLoss != nil && *upd.StopLoss <= 0 {
		return domain.UserErrorf("stop loss must be > 0")
	}

	return s.store.AdjustTriggers(ctx, name, upd)
}

// Panic bulk-cancels every new position's buy and market-closes every open
// position. Best-effort: individual failures are collected, not fatal.
// The exchange client's rate limiter paces the burst of private calls.
func (s *TradeService) Panic(ctx context.Context) error {
	var failures []string
	fail := func(name string, err error) {
		s.logger.Error("panic step failed",
			slog.String("position", name), slog.String("error", err.Error()))
		failures = append(failures, fmt.Sprintf("%s: %v", name, err))
	}

	newPositions, err := s.store.List(ctx, domain.PositionFilterNew)
	if err != nil {
		return fmt.Errorf("panic: list new positions: %w", err)
	}
	for _, pos := range newPositions {
		if pos.BuyOrderID == nil || *pos.BuyOrderID == "" {
			if err := s.store.MarkAborted(ctx, pos.Name); err != nil {
				fail(pos.Name, err)
			}
			continue
		}
		if err := s.exchange.CancelOrder(ctx, *pos.BuyOrderID); err != nil {
			fail(pos.Name, err)
			continue
		}
		if err := s.store.MarkCanceled(ctx, pos.Name); err != nil {
			fail(pos.Name, err)
		}
	}

	openPositions, err := s.store.List(ctx, domain.PositionFilterOpen)
	if err != nil {
		return fmt.Errorf("panic: list open positions: %w", err)
	}
	for _, pos := range openPositions {
		if err := s.ClosePosition(ctx, pos.Name, domain.OrderTypeMarket, 0); err != nil {
			fail(pos.Name, err)
		}
	}

	s.logger.Info("panic complete",
		slog.Int("new_canceled", len(newPositions)),
		slog.Int("open_closed", len(openPositions)),
		slog.Int("failures", len(failures)))

	if len(failures) > 0 {
		return fmt.Errorf("panic: %d position(s) failed: %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

// CheckOrderStatus returns the cached terminal status of an order. Absence
// means the order is still working: the connector writes status only on
// done events.
func (s *TradeService) CheckOrderStatus(ctx context.Context, orderID string) (string, error) {
	agg, err := s.orders.GetOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return "open", nil
	}
	if err != nil {
		return "", err
	}
	if agg.Status == "" {
		return "open", nil
	}
	return agg.Status, nil
}

// CheckIfOrderFilled reports whether an order has terminally filled. With
// throwOnError false a lookup failure reads as "not filled yet", which is
// the policy poll loops want.
func (s *TradeService) CheckIfOrderFilled(ctx context.Context, orderID string, throwOnError bool) (bool, error) {
	status, err := s.CheckOrderStatus(ctx, orderID)
	if err != nil {
		if throwOnError {
			return false, err
		}
		return false, nil
	}
	return status == domain.OrderStatusFilled, nil
}

// waitForOrderDone polls until the order reaches a terminal status or ctx
// is cancelled.
func (s *TradeService) waitForOrderDone(ctx context.Context, orderID string) (string, error) {
	for {
		status, err := s.CheckOrderStatus(ctx, orderID)
		if err == nil && (status == domain.OrderStatusFilled || status == domain.OrderStatusCanceled) {
			return status, nil
		}
		if err != nil {
			s.logger.Debug("order status lookup failed, retrying",
				slog.String("order_id", orderID), slog.String("error", err.Error()))
		}
		if err := sleepCtx(ctx, s.pollInterval); err != nil {
			return "", err
		}
	}
}
