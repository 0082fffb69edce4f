package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/alanyoungcy/coinbot/internal/notify"
)

type recordingNotifier struct {
	events []string
}

func (r *recordingNotifier) Notify(ctx context.Context, event, message string) error {
	r.events = append(r.events, event)
	return nil
}

func newTestTradebot(t *testing.T) (*TradeService, *fakeExchange, *memOrders, *memMarket, *recordingNotifier) {
	t.Helper()
	ex := &fakeExchange{orders: map[string]domain.ExchangeOrder{}}
	store := newMemStore()
	orders := newMemOrders()
	market := newMemMarket()
	seedProduct(t, market, testProduct())
	notifier := &recordingNotifier{}

	tickers := NewTickerService(market, ex, testLogger())
	svc := NewTradeService(ex, store, orders, tickers, notifier, time.Millisecond, testLogger())
	return svc, ex, orders, market, notifier
}

func TestTradebotBuyCanceledStopsCleanly(t *testing.T) {
	svc, ex, orders, _, notifier := newTestTradebot(t)
	ctx := context.Background()

	// The entry order id is deterministic with the fake exchange.
	require.NoError(t, orders.SetStatus(ctx, "buy-1", domain.OrderStatusCanceled))

	res, err := svc.Tradebot(ctx, TradebotParams{
		Product:         "XLM-EUR",
		LimitPrice:      0.25,
		Budget:          25,
		StoplossPercent: 10,
		TargetPercent:   20,
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeBuyCanceled, res.Outcome)
	assert.Empty(t, ex.sells, "nothing held, nothing to protect")
	assert.Empty(t, notifier.events)
}

func TestTradebotStoplossOutcome(t *testing.T) {
	svc, ex, orders, _, notifier := newTestTradebot(t)
	ctx := context.Background()

	require.NoError(t, orders.SetStatus(ctx, "buy-1", domain.OrderStatusFilled))
	// The stop-loss becomes sell-2 and fills immediately.
	require.NoError(t, orders.SetStatus(ctx, "sell-2", domain.OrderStatusFilled))

	ex.orders["buy-1"] = domain.ExchangeOrder{ID: "buy-1", ExecutedValue: 25, FillFees: 0.0875}
	ex.orders["sell-2"] = domain.ExchangeOrder{ID: "sell-2", ExecutedValue: 22.5, FillFees: 0.1125}

	res, err := svc.Tradebot(ctx, TradebotParams{
		Product:         "XLM-EUR",
		LimitPrice:      0.25,
		Budget:          25,
		StoplossPercent: 10,
		TargetPercent:   20,
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeStoploss, res.Outcome)
	assert.Equal(t, "sell-2", res.SellOrderID)
	assert.InDelta(t, 0.2, res.Fees, 1e-9)
	assert.InDelta(t, 22.5-25-0.2, res.Result, 1e-9)
	assert.Equal(t, []string{notify.EventTradeAborted}, notifier.events)

	// The stop order request carried both price and stop price.
	require.Len(t, ex.sells, 1)
	assert.InDelta(t, 0.225, ex.sells[0].StopPrice, 1e-9)
}

func TestTradebotTargetOutcome(t *testing.T) {
	svc, ex, orders, market, notifier := newTestTradebot(t)
	ctx := context.Background()

	require.NoError(t, orders.SetStatus(ctx, "buy-1", domain.OrderStatusFilled))
	// The bid sits above the 0.30 target so the profit leg fires on the
	// first watch iteration; the stop (sell-2) never fills.
	seedTicker(t, market, "XLM-EUR", 0.31, 0.32, time.Now())
	require.NoError(t, orders.SetStatus(ctx, "sell-3", domain.OrderStatusFilled))

	ex.orders["buy-1"] = domain.ExchangeOrder{ID: "buy-1", ExecutedValue: 25, FillFees: 0.0875}
	ex.orders["sell-3"] = domain.ExchangeOrder{ID: "sell-3", ExecutedValue: 31, FillFees: 0.155}

	res, err := svc.Tradebot(ctx, TradebotParams{
		Product:         "XLM-EUR",
		LimitPrice:      0.25,
		Budget:          25,
		StoplossPercent: 10,
		TargetPercent:   20,
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeTarget, res.Outcome)
	assert.Equal(t, "sell-3", res.SellOrderID)
	assert.InDelta(t, 31-25-0.2425, res.Result, 1e-9)
	assert.Equal(t, []string{notify.EventTradeCompleted}, notifier.events)

	// The stop came off before the profit sell went in.
	assert.Equal(t, []string{"sell-2"}, ex.cancels)
	require.Len(t, ex.sells, 2)
	assert.InDelta(t, 0.31, ex.sells[1].Price, 1e-9)
}

func TestTradebotUnprotectedHoldingIsUnrecoverable(t *testing.T) {
	svc, ex, orders, _, notifier := newTestTradebot(t)
	ctx := context.Background()

	require.NoError(t, orders.SetStatus(ctx, "buy-1", domain.OrderStatusFilled))
	ex.sellErr = assert.AnError

	_, err := svc.Tradebot(ctx, TradebotParams{
		Product:         "XLM-EUR",
		LimitPrice:      0.25,
		Budget:          25,
		StoplossPercent: 10,
		TargetPercent:   20,
	})

	assert.True(t, domain.IsUnrecoverable(err))
	assert.Equal(t, []string{notify.EventUnrecoverable}, notifier.events)
}
