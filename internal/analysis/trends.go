// Package analysis computes moving-average trends and a volatility score
// over historic candles, and turns them into a tradeability decision. The
// automated trading loop uses the decision to pick products; the analyze
// command prints it.
package analysis

import (
	"math"
	"time"

	"github.com/alanyoungcy/coinbot/internal/domain"
)

// Options are the analysis parameters. Zero values are not defaulted here;
// callers build Options from config and apply overrides before use.
type Options struct {
	Days        int
	Granularity int

	SMAPeriods  int
	EMA1Periods int
	EMA2Periods int

	// MinVolatility is the relative standard deviation (percent) below
	// which a product is not worth trading.
	MinVolatility float64

	// IgnoreTrend makes the tradeability decision on volatility alone.
	IgnoreTrend bool
}

// Tick is one candle annotated with its trend values. Pointer fields stay
// nil until enough history has accumulated to compute them.
type Tick struct {
	Time  time.Time
	Low   float64
	High  float64
	Close float64

	SMALow   *float64
	SMAHigh  *float64
	SMAClose *float64
	EMA1     *float64
	EMA2     *float64
}

// Trends is the computed series plus the aggregate volatility score.
type Trends struct {
	Ticks []Tick

	AvgClose float64

	// StdevVolatility is the standard deviation of the combined low and
	// high series relative to the average close, in percent.
	StdevVolatility float64
}

// slidingMean keeps the mean of the last n values pushed.
type slidingMean struct {
	n      int
	window []float64
	sum    float64
}

func newSlidingMean(n int) *slidingMean {
	return &slidingMean{n: n}
}

// push adds v and returns the window mean, or nil while the window is
// still filling.
func (s *slidingMean) push(v float64) *float64 {
	s.window = append(s.window, v)
	s.sum += v
	if len(s.window) > s.n {
		s.sum -= s.window[0]
		s.window = s.window[1:]
	}
	if len(s.window) < s.n {
		return nil
	}
	m := s.sum / float64(s.n)
	return &m
}

// emaTracker computes an exponential moving average over closes, seeded
// with the simple average of the first n values.
type emaTracker struct {
	n    int
	seed *slidingMean
	prev *float64
}

func newEMATracker(n int) *emaTracker {
	return &emaTracker{n: n, seed: newSlidingMean(n)}
}

// push adds a close and returns the EMA, or nil until n+1 values have
// been seen. The first n closes only feed the seed average.
func (e *emaTracker) push(v float64) *float64 {
	if e.prev == nil {
		if m := e.seed.push(v); m != nil {
			e.prev = m
		}
		return nil
	}
	k := 2.0 / (float64(e.n) + 1)
	next := (v-*e.prev)*k + *e.prev
	e.prev = &next
	return &next
}

// ComputeTrends annotates candles with SMA and EMA values and derives the
// volatility score. Candles must be ordered oldest first.
func ComputeTrends(candles []domain.Candle, opts Options) Trends {
	smaLow := newSlidingMean(opts.SMAPeriods)
	smaHigh := newSlidingMean(opts.SMAPeriods)
	smaClose := newSlidingMean(opts.SMAPeriods)
	ema1 := newEMATracker(opts.EMA1Periods)
	ema2 := newEMATracker(opts.EMA2Periods)

	var (
		ticks    = make([]Tick, 0, len(candles))
		hilow    = make([]float64, 0, 2*len(candles))
		closeSum float64
	)

	for _, c := range candles {
		tick := Tick{
			Time:     c.Time,
			Low:      c.Low,
			High:     c.High,
			Close:    c.Close,
			SMALow:   smaLow.push(c.Low),
			SMAHigh:  smaHigh.push(c.High),
			SMAClose: smaClose.push(c.Close),
			EMA1:     ema1.push(c.Close),
			EMA2:     ema2.push(c.Close),
		}
		ticks = append(ticks, tick)

		hilow = append(hilow, c.Low, c.High)
		closeSum += c.Close
	}

	t := Trends{Ticks: ticks}
	if len(candles) == 0 {
		return t
	}

	t.AvgClose = closeSum / float64(len(candles))
	if t.AvgClose != 0 {
		t.StdevVolatility = stdev(hilow) / t.AvgClose * 100
	}
	return t
}

// stdev returns the population standard deviation.
func stdev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// Evaluation is the individual trading criteria.
type Evaluation struct {
	SufficientVolatility bool
	EMAAllowsTrading     bool
	PriceAllowsTrading   bool
}

// Decision is the combined verdict. Tradeable means the product is worth
// watching; TradeNow additionally requires the current price to sit below
// the short EMA.
type Decision struct {
	Tradeable bool
	TradeNow  bool
}

// Evaluate applies the trading criteria to a computed trend series.
//
// The EMA criterion requires the short EMA at or above the long EMA for
// the last two ticks, so a single crossover candle does not flip the
// verdict. The price criterion requires the market price below the last
// short EMA, i.e. a dip inside an uptrend.
func Evaluate(t Trends, marketPrice float64, opts Options) (Evaluation, Decision) {
	var ev Evaluation
	ev.SufficientVolatility = t.StdevVolatility > opts.MinVolatility

	n := len(t.Ticks)
	if n >= 2 {
		lastOK := emaAtOrAbove(t.Ticks[n-1])
		prevOK := emaAtOrAbove(t.Ticks[n-2])
		ev.EMAAllowsTrading = lastOK && prevOK
	}
	if n >= 1 && t.Ticks[n-1].EMA1 != nil {
		ev.PriceAllowsTrading = marketPrice < *t.Ticks[n-1].EMA1
	}

	var d Decision
	d.Tradeable = ev.SufficientVolatility && (opts.IgnoreTrend || ev.EMAAllowsTrading)
	d.TradeNow = d.Tradeable && ev.PriceAllowsTrading
	return ev, d
}

func emaAtOrAbove(t Tick) bool {
	return t.EMA1 != nil && t.EMA2 != nil && *t.EMA1 >= *t.EMA2
}

// LastEMA1 returns the final short EMA value, or false when the series is
// too short to have one. The automated loop uses it as its entry trigger
// threshold.
func (t Trends) LastEMA1() (float64, bool) {
	if len(t.Ticks) == 0 {
		return 0, false
	}
	last := t.Ticks[len(t.Ticks)-1]
	if last.EMA1 == nil {
		return 0, false
	}
	return *last.EMA1, true
}
