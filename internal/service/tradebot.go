package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/alanyoungcy/coinbot/internal/notify"
)

// TradebotParams drives one full buy-watch-sell cycle.
type TradebotParams struct {
	Product string

	// LimitPrice is the entry price; zero means enter at the current ask.
	LimitPrice float64

	// Budget is the quote currency to spend on the entry.
	Budget float64

	// StoplossPercent and TargetPercent set the exits relative to the
	// entry price, e.g. 2.5 puts the stop 2.5% below the entry.
	StoplossPercent float64
	TargetPercent   float64
}

// Tradebot outcomes.
const (
	OutcomeTarget      = "target"
	OutcomeStoploss    = "stoploss"
	OutcomeBuyCanceled = "buy_canceled"
)

// TradebotResult reports how a cycle ended. Fees and Result are zero when
// the buy never filled.
type TradebotResult struct {
	BuyOrderID  string
	SellOrderID string
	Fees        float64
	Result      float64
	Outcome     string
}

// Tradebot runs one complete cycle: limit buy, stop-loss placement, then
// a one-cancels-other watch between the stop and the profit target. The
// cycle holds real funds once the buy fills, so failures past that point
// are unrecoverable and alert the operator before bailing out.
func (s *TradeService) Tradebot(ctx context.Context, p TradebotParams) (TradebotResult, error) {
	info, err := s.tickers.ProductInfo(ctx, p.Product)
	if err != nil {
		return TradebotResult{}, err
	}
	if err := validateTradeable(info); err != nil {
		return TradebotResult{}, err
	}

	entry := p.LimitPrice
	if entry == 0 {
		entry, err = s.AskPriceChecked(ctx, p.Product)
		if err != nil {
			return TradebotResult{}, err
		}
	}
	entry = roundTo(entry, info.QuotePrecision)
	size := roundTo(p.Budget/entry, info.BasePrecision)

	buy, err := s.BuyLimit(ctx, p.Product, entry, size)
	if err != nil {
		return TradebotResult{}, err
	}
	res := TradebotResult{BuyOrderID: buy.OrderID}

	s.logger.Info("tradebot entry placed",
		slog.String("product", p.Product),
		slog.String("order_id", buy.OrderID),
		slog.Float64("price", entry),
		slog.Float64("size", size))

	status, err := s.waitForOrderDone(ctx, buy.OrderID)
	if err != nil {
		return res, err
	}
	if status == domain.OrderStatusCanceled {
		// Someone killed the entry before it filled. Nothing is held,
		// nothing to unwind.
		s.logger.Info("tradebot entry canceled, stopping",
			slog.String("order_id", buy.OrderID))
		res.Outcome = OutcomeBuyCanceled
		return res, nil
	}

	stopPrice := roundTo(entry*(1-p.StoplossPercent/100), info.QuotePrecision)
	targetPrice := entry * (1 + p.TargetPercent/100)

	stop, err := s.StopLossSell(ctx, p.Product, stopPrice, size)
	if err != nil {
		// The buy filled but the position is unprotected.
		err = domain.Unrecoverable(fmt.Errorf("stop-loss placement after filled buy %s: %w", buy.OrderID, err))
		s.alert(ctx, notify.EventUnrecoverable,
			fmt.Sprintf("%s: holding %g unprotected, stop-loss placement failed", p.Product, size))
		return res, err
	}

	s.logger.Info("tradebot stop-loss placed",
		slog.String("order_id", stop.OrderID),
		slog.Float64("stop_price", stopPrice),
		slog.Float64("target_price", targetPrice))

	for {
		stopped, _ := s.CheckIfOrderFilled(ctx, stop.OrderID, false)
		if stopped {
			res.SellOrderID = stop.OrderID
			res.Outcome = OutcomeStoploss
			if err := s.settleResult(ctx, &res); err != nil {
				return res, err
			}
			s.alert(ctx, notify.EventTradeAborted,
				fmt.Sprintf("%s: stop-loss hit, result %.2f", p.Product, res.Result))
			return res, nil
		}

		bid, err := s.BidPrice(ctx, p.Product)
		if err == nil && bid >= targetPrice {
			sellID, err := s.takeProfit(ctx, p.Product, stop.OrderID, bid, size)
			if err != nil {
				return res, err
			}
			res.SellOrderID = sellID
			res.Outcome = OutcomeTarget
			if err := s.settleResult(ctx, &res); err != nil {
				return res, err
			}
			s.alert(ctx, notify.EventTradeCompleted,
				fmt.Sprintf("%s: target hit, result %.2f", p.Product, res.Result))
			return res, nil
		}
		if err != nil {
			s.logger.Warn("tradebot price check failed, retrying",
				slog.String("product", p.Product), slog.String("error", err.Error()))
		}

		if err := sleepCtx(ctx, s.pollInterval); err != nil {
			return res, err
		}
	}
}

// takeProfit swaps the stop-loss for a limit sell at the current bid and
// waits for it to fill. The stop must come off first or both exits could
// execute.
func (s *TradeService) takeProfit(ctx context.Context, product, stopOrderID string, bid, size float64) (string, error) {
	for {
		err := s.exchange.CancelOrder(ctx, stopOrderID)
		if err == nil {
			break
		}
		s.logger.Error("cannot cancel stop-loss, retrying",
			slog.String("order_id", stopOrderID), slog.String("error", err.Error()))
		if err := sleepCtx(ctx, s.pollInterval); err != nil {
			return "", err
		}
	}

	sell, err := s.SellLimit(ctx, product, bid, size)
	if err != nil {
		err = domain.Unrecoverable(fmt.Errorf("profit sell after canceled stop: %w", err))
		s.alert(ctx, notify.EventUnrecoverable,
			fmt.Sprintf("%s: holding %g unprotected, profit sell failed", product, size))
		return "", err
	}

	status, err := s.waitForOrderDone(ctx, sell.OrderID)
	if err != nil {
		return sell.OrderID, err
	}
	if status == domain.OrderStatusCanceled {
		err = domain.Unrecoverable(fmt.Errorf("profit sell %s canceled externally", sell.OrderID))
		s.alert(ctx, notify.EventUnrecoverable,
			fmt.Sprintf("%s: profit sell canceled, position unprotected", product))
		return sell.OrderID, err
	}
	return sell.OrderID, nil
}

// settleResult pulls both legs from the REST API and fills in fees and
// net result. The authoritative records are used rather than the cached
// aggregates since the cycle may outlive the cache TTL.
func (s *TradeService) settleResult(ctx context.Context, res *TradebotResult) error {
	buy, err := s.exchange.GetOrder(ctx, res.BuyOrderID)
	if err != nil {
		return fmt.Errorf("settle buy leg %s: %w", res.BuyOrderID, err)
	}
	sell, err := s.exchange.GetOrder(ctx, res.SellOrderID)
	if err != nil {
		return fmt.Errorf("settle sell leg %s: %w", res.SellOrderID, err)
	}

	res.Fees = buy.FillFees + sell.FillFees
	res.Result = sell.ExecutedValue - buy.ExecutedValue - res.Fees
	return nil
}

// AskPriceChecked is AskPrice without the last-known fallback, for entries
// that must not trade on a dead price.
func (s *TradeService) AskPriceChecked(ctx context.Context, product string) (float64, error) {
	t, err := s.tickers.GetTicker(ctx, product, true, false)
	if err != nil {
		return 0, err
	}
	return t.BestAsk, nil
}

// BidPrice proxies the ticker service for the watch loop.
func (s *TradeService) BidPrice(ctx context.Context, product string) (float64, error) {
	return s.tickers.BidPrice(ctx, product)
}

func (s *TradeService) alert(ctx context.Context, event, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, message); err != nil {
		s.logger.Error("notification failed",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}
