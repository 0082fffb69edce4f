package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/coinbot/internal/domain"
)

// maxCandles is the exchange's per-request candle limit; the requested
// window shrinks to fit it.
const maxCandles = 300

// TimeWindow is the candle range of one analysis run.
type TimeWindow struct {
	Start       time.Time
	End         time.Time
	Granularity int
}

// Window derives the candle range ending at the last fully closed candle
// before now.
func Window(now time.Time, days, granularity int) TimeWindow {
	g := time.Duration(granularity) * time.Second
	end := now.Truncate(g).Add(-g)
	start := end.Add(-time.Duration(days) * 24 * time.Hour)

	if end.Sub(start) > time.Duration(maxCandles)*g {
		start = end.Add(-time.Duration(maxCandles) * g)
	}
	return TimeWindow{Start: start, End: end, Granularity: granularity}
}

// NextCandleTime returns when the candle after this window has fully
// closed and a re-analysis would see new data. The extra second keeps the
// poll on the safe side of the exchange's bucketing.
func (w TimeWindow) NextCandleTime() time.Time {
	g := time.Duration(w.Granularity) * time.Second
	return w.End.Add(2*g + time.Second)
}

// Report is the full analysis of one product.
type Report struct {
	ProductID   string
	Window      TimeWindow
	Trends      Trends
	MarketPrice float64
	Evaluation  Evaluation
	Decision    Decision
}

// Analyzer runs candle analysis against the exchange REST API.
type Analyzer struct {
	exchange domain.Exchange
	logger   *slog.Logger

	// spacing paces consecutive candle fetches across products.
	spacing time.Duration

	now func() time.Time
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(exchange domain.Exchange, spacing time.Duration, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		exchange: exchange,
		logger:   logger.With(slog.String("component", "analysis")),
		spacing:  spacing,
		now:      time.Now,
	}
}

// AnalyzeProduct fetches candles for one product and evaluates it against
// the current REST ticker price.
func (a *Analyzer) AnalyzeProduct(ctx context.Context, product string, opts Options) (Report, error) {
	w := Window(a.now(), opts.Days, opts.Granularity)

	candles, err := a.exchange.GetHistoricRates(ctx, product, w.Start, w.End, w.Granularity)
	if err != nil {
		return Report{}, fmt.Errorf("historic rates %s: %w", product, err)
	}

	ticker, err := a.exchange.GetProductTicker(ctx, product)
	if err != nil {
		return Report{}, fmt.Errorf("ticker %s: %w", product, err)
	}

	trends := ComputeTrends(candles, opts)
	ev, dec := Evaluate(trends, ticker.Price, opts)

	a.logger.Debug("product analyzed",
		slog.String("product", product),
		slog.Int("candles", len(candles)),
		slog.Float64("stdev_volatility", trends.StdevVolatility),
		slog.Bool("tradeable", dec.Tradeable))

	return Report{
		ProductID:   product,
		Window:      w,
		Trends:      trends,
		MarketPrice: ticker.Price,
		Evaluation:  ev,
		Decision:    dec,
	}, nil
}

// AnalyzeAll analyzes every product, pacing requests, and returns reports
// sorted by volatility, most volatile first. A product that fails to
// analyze is logged and skipped rather than failing the whole sweep.
func (a *Analyzer) AnalyzeAll(ctx context.Context, products []string, opts Options) ([]Report, error) {
	reports := make([]Report, 0, len(products))
	for i, product := range products {
		if i > 0 && a.spacing > 0 {
			t := time.NewTimer(a.spacing)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		r, err := a.AnalyzeProduct(ctx, product, opts)
		if err != nil {
			a.logger.Warn("skipping product",
				slog.String("product", product), slog.String("error", err.Error()))
			continue
		}
		reports = append(reports, r)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Trends.StdevVolatility > reports[j].Trends.StdevVolatility
	})
	return reports, nil
}

// Tradeable filters a report list down to the tradeable products.
func Tradeable(reports []Report) []Report {
	out := make([]Report, 0, len(reports))
	for _, r := range reports {
		if r.Decision.Tradeable {
			out = append(out, r)
		}
	}
	return out
}
