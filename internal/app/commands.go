package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/coinbot/internal/analysis"
	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/alanyoungcy/coinbot/internal/service"
)

// printJSON renders v as indented JSON on the command output.
func (a *App) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(data))
	return nil
}

// OpenPosition creates and submits a new position.
func (a *App) OpenPosition(ctx context.Context, p service.OpenParams) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}
	ack, err := deps.Trades.OpenPosition(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "position %s opened, buy order %s\n", p.Name, ack.OrderID)
	return nil
}

// ClosePosition submits the sell leg for an open position.
func (a *App) ClosePosition(ctx context.Context, name string, mode domain.OrderType, price float64) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}
	if err := deps.Trades.ClosePosition(ctx, name, mode, price); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "position %s close submitted\n", name)
	return nil
}

// CancelPosition withdraws a position's working order.
func (a *App) CancelPosition(ctx context.Context, name string) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}
	if err := deps.Trades.CancelPosition(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "position %s canceled\n", name)
	return nil
}

// AdjustTriggers updates a live position's exit triggers.
func (a *App) AdjustTriggers(ctx context.Context, name string, upd domain.TriggerUpdate) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}
	if err := deps.Trades.AdjustTriggers(ctx, name, upd); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "position %s triggers adjusted\n", name)
	return nil
}

// PanicClose flattens everything: cancels pending buys, market-closes
// open positions.
func (a *App) PanicClose(ctx context.Context) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}
	return deps.Trades.Panic(ctx)
}

// Buy places a standalone order outside of position tracking.
func (a *App) Buy(ctx context.Context, product string, mode domain.OrderType, price, size, funds float64) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}

	var ack domain.OrderAck
	if mode == domain.OrderTypeMarket {
		ack, err = deps.Trades.BuyMarket(ctx, product, funds)
	} else {
		ack, err = deps.Trades.BuyLimit(ctx, product, price, size)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "buy order %s placed\n", ack.OrderID)
	return nil
}

// Sell places a standalone sell. A stop price turns the limit sell into a
// stop-loss.
func (a *App) Sell(ctx context.Context, product string, mode domain.OrderType, price, size, stopPrice float64) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}

	var ack domain.OrderAck
	switch {
	case stopPrice > 0:
		ack, err = deps.Trades.StopLossSell(ctx, product, stopPrice, size)
	case mode == domain.OrderTypeMarket:
		ack, err = deps.Trades.SellMarket(ctx, product, size)
	default:
		ack, err = deps.Trades.SellLimit(ctx, product, price, size)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "sell order %s placed\n", ack.OrderID)
	return nil
}

// GetPosition prints one position.
func (a *App) GetPosition(ctx context.Context, name string) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}
	pos, err := deps.Positions.Get(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AsUserError(fmt.Errorf("position %s: %w", name, err))
		}
		return err
	}
	return a.printJSON(pos)
}

// ListPositions prints positions matching the filter.
func (a *App) ListPositions(ctx context.Context, filter domain.PositionFilter) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}
	positions, err := deps.Positions.List(ctx, filter)
	if err != nil {
		return err
	}
	return a.printJSON(positions)
}

// GetTicker prints the current ticker for a product.
func (a *App) GetTicker(ctx context.Context, product string) error {
	deps, err := a.wire(ctx, needs{})
	if err != nil {
		return err
	}
	ticker, err := deps.Tickers.GetTicker(ctx, product, true, true)
	if err != nil {
		return err
	}
	return a.printJSON(ticker)
}

// ListPrices prints one bid/ask line per configured product.
func (a *App) ListPrices(ctx context.Context, products []string) error {
	deps, err := a.wire(ctx, needs{})
	if err != nil {
		return err
	}
	if len(products) == 0 {
		products = a.cfg.Coinbase.Products
	}
	for _, product := range products {
		ticker, err := deps.Tickers.GetTicker(ctx, product, true, true)
		if err != nil {
			fmt.Fprintf(a.out, "%-12s unavailable: %v\n", product, err)
			continue
		}
		fmt.Fprintf(a.out, "%-12s bid %.8g  ask %.8g  last %.8g\n",
			product, ticker.BestBid, ticker.BestAsk, ticker.Price)
	}
	return nil
}

// ListAccounts prints the exchange account balances.
func (a *App) ListAccounts(ctx context.Context) error {
	deps, err := a.wire(ctx, needs{})
	if err != nil {
		return err
	}
	accounts, err := deps.Exchange.GetAccounts(ctx)
	if err != nil {
		return err
	}
	return a.printJSON(accounts)
}

// GetOrder prints an order, preferring the live cached aggregate and
// falling back to the exchange record.
func (a *App) GetOrder(ctx context.Context, orderID string) error {
	deps, err := a.wire(ctx, needs{})
	if err != nil {
		return err
	}

	agg, err := deps.Orders.GetOrder(ctx, orderID)
	if err == nil {
		return a.printJSON(agg)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	order, err := deps.Exchange.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AsUserError(fmt.Errorf("order %s: %w", orderID, err))
		}
		return err
	}
	return a.printJSON(order)
}

// GetProduct prints product metadata.
func (a *App) GetProduct(ctx context.Context, product string) error {
	deps, err := a.wire(ctx, needs{})
	if err != nil {
		return err
	}
	info, err := deps.Tickers.ProductInfo(ctx, product)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.AsUserError(fmt.Errorf("product %s: %w", product, err))
		}
		return err
	}
	return a.printJSON(info)
}

// Analyze runs candle analysis over the products and prints each verdict.
func (a *App) Analyze(ctx context.Context, products []string, opts analysis.Options) error {
	deps, err := a.wire(ctx, needs{})
	if err != nil {
		return err
	}
	if len(products) == 0 {
		products = a.cfg.Coinbase.Products
	}

	reports, err := deps.Analyzer.AnalyzeAll(ctx, products, opts)
	if err != nil {
		return err
	}

	for _, r := range reports {
		fmt.Fprintf(a.out, "%-12s volatility %6.2f%%  tradeable %-5v  trade_now %-5v  price %.8g\n",
			r.ProductID, r.Trends.StdevVolatility, r.Decision.Tradeable, r.Decision.TradeNow, r.MarketPrice)
	}
	return nil
}

// AutoTrade runs the automated trading loop until interrupted.
func (a *App) AutoTrade(ctx context.Context, p service.AutoParams) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}
	if len(p.Products) == 0 {
		p.Products = a.cfg.Coinbase.Products
	}
	return deps.Auto.AutoTrade(ctx, p)
}

// Monitor runs the alert-only loop until interrupted. It needs no
// database: nothing is traded.
func (a *App) Monitor(ctx context.Context, p service.MonitorParams) error {
	deps, err := a.wire(ctx, needs{})
	if err != nil {
		return err
	}
	if len(p.Products) == 0 {
		p.Products = a.cfg.Coinbase.Products
	}

	auto := service.NewAutoService(
		deps.Analyzer, nil, deps.Tickers, deps.Notifier,
		a.cfg.Trade.PollInterval.Duration, a.logger,
	)
	return auto.Monitor(ctx, p)
}

// ArchiveOrders runs one archival sweep immediately.
func (a *App) ArchiveOrders(ctx context.Context) error {
	deps, err := a.wire(ctx, needs{s3: true})
	if err != nil {
		return err
	}
	if deps.Archiver == nil {
		return domain.UserErrorf("order archival is disabled, enable the s3 section first")
	}
	n, err := deps.Archiver.ArchiveOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d order(s) archived\n", n)
	return nil
}
