package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/coinbot/internal/analysis"
	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/alanyoungcy/coinbot/internal/notify"
)

// tickerRetryDelay is the pause after a failed price read in the watch
// loops before moving on to the next product.
const tickerRetryDelay = 500 * time.Millisecond

// AutoParams drives the automated trading loop.
type AutoParams struct {
	// Products is the candidate universe to analyze and watch.
	Products []string

	// Budget is the quote currency available per trade. Losses shrink it;
	// profits grow it only with ReinvestProfits.
	Budget          float64
	ReinvestProfits bool

	StoplossPercent float64
	TargetPercent   float64

	Analysis analysis.Options
}

// MonitorParams drives the alert-only monitoring loop.
type MonitorParams struct {
	Products []string

	StoplossPercent float64
	TargetPercent   float64

	Analysis analysis.Options
}

// AutoService runs the unattended loops: automated trading and
// alert-only monitoring. Both analyze the product universe per candle
// period and watch live prices in between.
type AutoService struct {
	analyzer *analysis.Analyzer
	trades   *TradeService
	tickers  *TickerService
	notifier Notifier
	logger   *slog.Logger

	pollInterval time.Duration
	now          func() time.Time
}

// NewAutoService creates an AutoService.
func NewAutoService(analyzer *analysis.Analyzer, trades *TradeService, tickers *TickerService, notifier Notifier, pollInterval time.Duration, logger *slog.Logger) *AutoService {
	return &AutoService{
		analyzer:     analyzer,
		trades:       trades,
		tickers:      tickers,
		notifier:     notifier,
		logger:       logger.With(slog.String("component", "auto")),
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// AutoTrade analyzes the universe, watches the tradeable products for an
// entry dip, and runs a full tradebot cycle on each trigger. It
// re-analyzes when the next candle period completes and runs until the
// context is cancelled, the budget is exhausted, or an unrecoverable
// error alerts the operator.
func (s *AutoService) AutoTrade(ctx context.Context, p AutoParams) error {
	budget := p.Budget

	// tickCache remembers the last seen ask per product; a trigger needs
	// a fresh price, not a replay of the one that already fired.
	tickCache := map[string]float64{}

	for {
		reports, err := s.analyzer.AnalyzeAll(ctx, p.Products, p.Analysis)
		if err != nil {
			return err
		}
		tradeable := analysis.Tradeable(reports)
		nextCandle := analysis.Window(s.now(), p.Analysis.Days, p.Analysis.Granularity).NextCandleTime()

		s.logger.Info("analysis sweep complete",
			slog.Int("analyzed", len(reports)),
			slog.Int("tradeable", len(tradeable)),
			slog.Float64("budget", budget),
			slog.Time("next_analysis", nextCandle))

		for s.now().Before(nextCandle) {
			for _, report := range tradeable {
				ema1, ok := report.Trends.LastEMA1()
				if !ok {
					continue
				}

				ticker, err := s.tickers.GetTicker(ctx, report.ProductID, true, false)
				if err != nil {
					s.logger.Warn("price unavailable",
						slog.String("product", report.ProductID), slog.String("error", err.Error()))
					if err := sleepCtx(ctx, tickerRetryDelay); err != nil {
						return err
					}
					continue
				}

				ask := ticker.BestAsk
				if ask >= ema1 || ask == tickCache[report.ProductID] {
					tickCache[report.ProductID] = ask
					continue
				}
				tickCache[report.ProductID] = ask

				ok, err = s.canTrade(ctx, report.ProductID, budget, ask)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}

				s.alert(ctx, notify.EventAutotradeStarted,
					fmt.Sprintf("%s: entering at %g with budget %.2f", report.ProductID, ask, budget))

				result, err := s.trades.Tradebot(ctx, TradebotParams{
					Product:         report.ProductID,
					LimitPrice:      ask,
					Budget:          budget,
					StoplossPercent: p.StoplossPercent,
					TargetPercent:   p.TargetPercent,
				})
				if err != nil {
					if domain.IsUnrecoverable(err) || ctx.Err() != nil {
						return err
					}
					s.logger.Error("trade cycle failed",
						slog.String("product", report.ProductID), slog.String("error", err.Error()))
					continue
				}

				if result.Result < 0 || p.ReinvestProfits {
					budget += result.Result
				}
				s.logger.Info("trade cycle finished",
					slog.String("product", report.ProductID),
					slog.String("outcome", result.Outcome),
					slog.Float64("result", result.Result),
					slog.Float64("budget", budget))
			}

			if err := sleepCtx(ctx, s.pollInterval); err != nil {
				return err
			}
		}
	}
}

// canTrade applies the per-trade product checks: the product must accept
// orders and the budget must clear both exchange minimums at the entry
// price.
func (s *AutoService) canTrade(ctx context.Context, product string, budget, ask float64) (bool, error) {
	info, err := s.tickers.ProductInfo(ctx, product)
	if err != nil {
		return false, err
	}
	if info.TradingDisabled || info.CancelOnly || info.Status != "online" {
		s.logger.Info("product not accepting orders, skipping",
			slog.String("product", product), slog.String("status", info.Status))
		return false, nil
	}
	if budget < info.MinMarketFunds {
		s.logger.Info("budget below market minimum, skipping",
			slog.String("product", product),
			slog.Float64("budget", budget),
			slog.Float64("min_market_funds", info.MinMarketFunds))
		return false, nil
	}
	if budget/ask < info.BaseMinSize {
		s.logger.Info("budget buys less than minimum size, skipping",
			slog.String("product", product),
			slog.Float64("size", budget/ask),
			slog.Float64("base_min_size", info.BaseMinSize))
		return false, nil
	}
	return true, nil
}

// Monitor runs the same analysis and watch loop as AutoTrade but only
// alerts, at most once per product per candle period.
func (s *AutoService) Monitor(ctx context.Context, p MonitorParams) error {
	lastAlert := map[string]time.Time{}

	for {
		reports, err := s.analyzer.AnalyzeAll(ctx, p.Products, p.Analysis)
		if err != nil {
			return err
		}
		tradeable := analysis.Tradeable(reports)
		nextCandle := analysis.Window(s.now(), p.Analysis.Days, p.Analysis.Granularity).NextCandleTime()

		s.logger.Info("monitor sweep complete",
			slog.Int("analyzed", len(reports)),
			slog.Int("tradeable", len(tradeable)),
			slog.Time("next_analysis", nextCandle))

		for s.now().Before(nextCandle) {
			for _, report := range tradeable {
				ema1, ok := report.Trends.LastEMA1()
				if !ok {
					continue
				}

				ticker, err := s.tickers.GetTicker(ctx, report.ProductID, true, false)
				if err != nil {
					s.logger.Warn("price unavailable",
						slog.String("product", report.ProductID), slog.String("error", err.Error()))
					if err := sleepCtx(ctx, tickerRetryDelay); err != nil {
						return err
					}
					continue
				}

				ask := ticker.BestAsk
				if ask >= ema1 {
					continue
				}

				period := time.Duration(p.Analysis.Granularity) * time.Second
				periodStart := s.now().Truncate(period)
				if !lastAlert[report.ProductID].Before(periodStart) {
					continue
				}
				lastAlert[report.ProductID] = s.now()

				target := ask * (1 + p.TargetPercent/100)
				stop := ask * (1 - p.StoplossPercent/100)
				s.alert(ctx, notify.EventMonitorAlert,
					fmt.Sprintf("%s: entry at %g, target %g, stoploss %g", report.ProductID, ask, target, stop))
			}

			if err := sleepCtx(ctx, s.pollInterval); err != nil {
				return err
			}
		}
	}
}

func (s *AutoService) alert(ctx context.Context, event, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, message); err != nil {
		s.logger.Error("notification failed",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}
