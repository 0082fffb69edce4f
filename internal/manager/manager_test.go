package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinbot/internal/domain"
)

type fakeStore struct {
	positions map[string]domain.Position
	listErr   error

	openCalls     []openCall
	closedCalls   []closedCall
	canceledCalls []string
	abortedCalls  []string
	clearedSells  []string
}

type openCall struct {
	name      string
	size      float64
	fillPrice float64
	fees      float64
}

type closedCall struct {
	name      string
	fillPrice float64
	fees      float64
	result    float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: map[string]domain.Position{}}
}

func (s *fakeStore) Create(ctx context.Context, name, product string, size, price float64) (int64, error) {
	return 0, errors.New("not used")
}

func (s *fakeStore) Get(ctx context.Context, name string) (domain.Position, error) {
	p, ok := s.positions[name]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Position
	for _, p := range s.positions {
		if filter == domain.PositionFilterOpen && p.Status != domain.PositionStatusOpen {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeStore) SetBuyOrder(ctx context.Context, name, orderID string) error { return nil }

func (s *fakeStore) SetSellOrder(ctx context.Context, name, orderID string) error { return nil }

func (s *fakeStore) ClearSellOrder(ctx context.Context, name string) error {
	s.clearedSells = append(s.clearedSells, name)
	p := s.positions[name]
	p.SellOrderID = nil
	s.positions[name] = p
	return nil
}

func (s *fakeStore) MarkOpen(ctx context.Context, name string, size, fillPrice, fees float64) error {
	s.openCalls = append(s.openCalls, openCall{name, size, fillPrice, fees})
	p := s.positions[name]
	p.Status = domain.PositionStatusOpen
	p.Size = size
	p.Price = fillPrice
	p.BuyFees = &fees
	s.positions[name] = p
	return nil
}

func (s *fakeStore) MarkClosed(ctx context.Context, name string, fillPrice, fees, result float64) error {
	s.closedCalls = append(s.closedCalls, closedCall{name, fillPrice, fees, result})
	p := s.positions[name]
	p.Status = domain.PositionStatusClosed
	s.positions[name] = p
	return nil
}

func (s *fakeStore) MarkCanceled(ctx context.Context, name string) error {
	s.canceledCalls = append(s.canceledCalls, name)
	p := s.positions[name]
	p.Status = domain.PositionStatusCanceled
	s.positions[name] = p
	return nil
}

func (s *fakeStore) MarkAborted(ctx context.Context, name string) error {
	s.abortedCalls = append(s.abortedCalls, name)
	p := s.positions[name]
	p.Status = domain.PositionStatusAborted
	s.positions[name] = p
	return nil
}

func (s *fakeStore) AdjustTriggers(ctx context.Context, name string, upd domain.TriggerUpdate) error {
	return nil
}

var _ domain.PositionStore = (*fakeStore)(nil)

// fakeOrders only serves GetOrder; the manager never touches the rest.
type fakeOrders struct {
	domain.OrderCache
	aggregates map[string]domain.OrderAggregate
}

func (f *fakeOrders) GetOrder(ctx context.Context, orderID string) (domain.OrderAggregate, error) {
	agg, ok := f.aggregates[orderID]
	if !ok {
		return domain.OrderAggregate{}, domain.ErrNotFound
	}
	return agg, nil
}

type fakeBus struct{}

func (fakeBus) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func (fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

type closeCall struct {
	name   string
	reason string
}

type fakeCloser struct {
	calls chan closeCall
	err   error
}

func newFakeCloser() *fakeCloser {
	return &fakeCloser{calls: make(chan closeCall, 16)}
}

func (f *fakeCloser) InitiateClose(ctx context.Context, name, reason string) error {
	f.calls <- closeCall{name, reason}
	return f.err
}

func (f *fakeCloser) waitCall(t *testing.T) closeCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(time.Second):
		t.Fatal("no close initiated")
		return closeCall{}
	}
}

func (f *fakeCloser) assertNoCall(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected close of %s (%s)", c.name, c.reason)
	case <-time.After(50 * time.Millisecond):
	}
}

func testManager(t *testing.T) (*Manager, *fakeStore, *fakeOrders, *fakeCloser) {
	t.Helper()
	store := newFakeStore()
	orders := &fakeOrders{aggregates: map[string]domain.OrderAggregate{}}
	closer := newFakeCloser()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(Config{
		RefreshInterval:    30 * time.Second,
		CloseCheckInterval: time.Second,
	}, store, orders, fakeBus{}, closer, logger)
	return m, store, orders, closer
}

func ptr[T any](v T) *T { return &v }

func TestHandleOrderFilledBuyOpensPosition(t *testing.T) {
	m, store, orders, _ := testManager(t)

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusNew,
		Product: "XLM-EUR", Size: 100, Price: 0.25,
	}
	orders.aggregates["o-buy"] = domain.OrderAggregate{
		OrderID:         "o-buy",
		Status:          domain.OrderStatusFilled,
		ExecutedSize:    100,
		ExecutedValue:   25,
		AccumulatedFees: 0.0875,
		Position:        "xlm-1",
	}

	m.handleOrder(context.Background(), "o-buy")

	require.Len(t, store.openCalls, 1)
	call := store.openCalls[0]
	assert.Equal(t, "xlm-1", call.name)
	assert.Equal(t, 100.0, call.size)
	assert.InDelta(t, 0.25, call.fillPrice, 1e-9)
	assert.InDelta(t, 0.0875, call.fees, 1e-9)
}

func TestHandleOrderCanceledBuyAbortsPosition(t *testing.T) {
	m, store, orders, _ := testManager(t)

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusNew, Product: "XLM-EUR",
	}
	orders.aggregates["o-buy"] = domain.OrderAggregate{
		OrderID:  "o-buy",
		Status:   domain.OrderStatusCanceled,
		Position: "xlm-1",
	}

	m.handleOrder(context.Background(), "o-buy")

	assert.Equal(t, []string{"xlm-1"}, store.abortedCalls)
	assert.Empty(t, store.openCalls)
	assert.Empty(t, store.canceledCalls)
}

func TestHandleOrderFilledSellClosesWithResult(t *testing.T) {
	m, store, orders, _ := testManager(t)

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product: "XLM-EUR", Size: 100, Price: 0.25,
		BuyFees:     ptr(0.0875),
		SellOrderID: ptr("o-sell"),
	}
	orders.aggregates["o-sell"] = domain.OrderAggregate{
		OrderID:         "o-sell",
		Status:          domain.OrderStatusFilled,
		ExecutedSize:    100,
		ExecutedValue:   36.50,
		AccumulatedFees: 0.12775,
		Position:        "xlm-1",
	}

	m.handleOrder(context.Background(), "o-sell")

	require.Len(t, store.closedCalls, 1)
	call := store.closedCalls[0]
	assert.Equal(t, "xlm-1", call.name)
	assert.InDelta(t, 0.365, call.fillPrice, 1e-9)
	// proceeds - cost basis - both fee legs
	assert.InDelta(t, 36.50-25-0.0875-0.12775, call.result, 1e-9)
}

func TestHandleOrderPartialSellStillCloses(t *testing.T) {
	m, store, orders, _ := testManager(t)

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product: "XLM-EUR", Size: 100, Price: 0.25,
		BuyFees:     ptr(0.0875),
		SellOrderID: ptr("o-sell"),
	}
	orders.aggregates["o-sell"] = domain.OrderAggregate{
		OrderID:         "o-sell",
		Status:          domain.OrderStatusFilled,
		ExecutedSize:    60,
		ExecutedValue:   21.90,
		AccumulatedFees: 0.07665,
		Position:        "xlm-1",
	}

	m.handleOrder(context.Background(), "o-sell")

	// Anomaly is logged but the close goes through with the real numbers.
	require.Len(t, store.closedCalls, 1)
	assert.InDelta(t, 21.90-25-0.0875-0.07665, store.closedCalls[0].result, 1e-9)
}

func TestHandleOrderCanceledSellReopens(t *testing.T) {
	m, store, orders, _ := testManager(t)

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product: "XLM-EUR", Size: 100, Price: 0.25,
		SellOrderID: ptr("o-sell"),
	}
	orders.aggregates["o-sell"] = domain.OrderAggregate{
		OrderID:  "o-sell",
		Status:   domain.OrderStatusCanceled,
		Position: "xlm-1",
	}

	m.handleOrder(context.Background(), "o-sell")

	assert.Equal(t, []string{"xlm-1"}, store.clearedSells)
	assert.Empty(t, store.closedCalls)
	assert.Equal(t, domain.PositionStatusOpen, store.positions["xlm-1"].Status)
}

func TestHandleOrderUntrackedIsIgnored(t *testing.T) {
	m, store, orders, _ := testManager(t)

	orders.aggregates["o-x"] = domain.OrderAggregate{
		OrderID: "o-x",
		Status:  domain.OrderStatusFilled,
	}

	m.handleOrder(context.Background(), "o-x")

	assert.Empty(t, store.openCalls)
	assert.Empty(t, store.closedCalls)
	assert.Empty(t, store.canceledCalls)
}

func TestTickerTakeProfitInitiatesClose(t *testing.T) {
	m, store, _, closer := testManager(t)
	ctx := context.Background()

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product: "XLM-EUR", Size: 100, Price: 0.25,
		TakeProfit: ptr(0.30),
	}
	m.refresh(ctx)

	// Trigger fires at the boundary.
	m.handleTicker(ctx, domain.Ticker{ProductID: "XLM-EUR", BestBid: 0.30})

	call := closer.waitCall(t)
	assert.Equal(t, "xlm-1", call.name)
	assert.Equal(t, "take_profit", call.reason)

	// Repeat tickers are suppressed until the close resolves.
	m.handleTicker(ctx, domain.Ticker{ProductID: "XLM-EUR", BestBid: 0.31})
	closer.assertNoCall(t)
}

func TestTickerStopLossInitiatesClose(t *testing.T) {
	m, store, _, closer := testManager(t)
	ctx := context.Background()

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product: "XLM-EUR", Size: 100, Price: 0.25,
		StopLoss: ptr(0.20),
	}
	m.refresh(ctx)

	m.handleTicker(ctx, domain.Ticker{ProductID: "XLM-EUR", BestBid: 0.20})

	call := closer.waitCall(t)
	assert.Equal(t, "stop_loss", call.reason)
}

func TestTickerBetweenTriggersDoesNothing(t *testing.T) {
	m, store, _, closer := testManager(t)
	ctx := context.Background()

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product: "XLM-EUR",
		TakeProfit: ptr(0.30), StopLoss: ptr(0.20),
	}
	m.refresh(ctx)

	m.handleTicker(ctx, domain.Ticker{ProductID: "XLM-EUR", BestBid: 0.25})
	closer.assertNoCall(t)
}

func TestTickerSkipsSellPending(t *testing.T) {
	m, store, _, closer := testManager(t)
	ctx := context.Background()

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product: "XLM-EUR",
		TakeProfit:  ptr(0.30),
		SellOrderID: ptr("o-sell"),
	}
	m.refresh(ctx)

	m.handleTicker(ctx, domain.Ticker{ProductID: "XLM-EUR", BestBid: 0.40})
	closer.assertNoCall(t)
}

func TestTickerIgnoresOtherProducts(t *testing.T) {
	m, store, _, closer := testManager(t)
	ctx := context.Background()

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product: "XLM-EUR", TakeProfit: ptr(0.30),
	}
	m.refresh(ctx)

	m.handleTicker(ctx, domain.Ticker{ProductID: "BTC-EUR", BestBid: 50000})
	closer.assertNoCall(t)
}

func TestTimerClosesExpiredPosition(t *testing.T) {
	m, store, _, closer := testManager(t)
	ctx := context.Background()

	deadline := time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)
	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product:     "XLM-EUR",
		CloseAtTime: &deadline,
	}
	m.refresh(ctx)

	m.now = func() time.Time { return deadline.Add(-time.Second) }
	m.handleTimer(ctx)
	closer.assertNoCall(t)

	m.now = func() time.Time { return deadline }
	m.handleTimer(ctx)

	call := closer.waitCall(t)
	assert.Equal(t, "xlm-1", call.name)
	assert.Equal(t, "close_at_time", call.reason)
}

func TestCloseFailureAllowsRetry(t *testing.T) {
	m, store, _, closer := testManager(t)
	ctx := context.Background()
	closer.err = errors.New("exchange down")

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product: "XLM-EUR", TakeProfit: ptr(0.30),
	}
	m.refresh(ctx)

	m.handleTicker(ctx, domain.Ticker{ProductID: "XLM-EUR", BestBid: 0.30})
	closer.waitCall(t)

	// The failed attempt must not leave the position stuck.
	assert.Eventually(t, func() bool {
		return !m.isClosing("xlm-1")
	}, time.Second, 10*time.Millisecond)

	m.handleTicker(ctx, domain.Ticker{ProductID: "XLM-EUR", BestBid: 0.30})
	closer.waitCall(t)
}

func TestRefreshSurvivesStoreError(t *testing.T) {
	m, store, _, closer := testManager(t)
	ctx := context.Background()

	store.positions["xlm-1"] = domain.Position{
		Name: "xlm-1", Status: domain.PositionStatusOpen,
		Product: "XLM-EUR", TakeProfit: ptr(0.30),
	}
	m.refresh(ctx)
	require.Len(t, m.open, 1)

	store.listErr = errors.New("connection refused")
	m.refresh(ctx)

	// View is dropped until the store recovers; no trigger can fire on
	// stale rows.
	assert.Empty(t, m.open)
	m.handleTicker(ctx, domain.Ticker{ProductID: "XLM-EUR", BestBid: 0.40})
	closer.assertNoCall(t)

	store.listErr = nil
	m.refresh(ctx)
	require.Len(t, m.open, 1)
}
