package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/alanyoungcy/coinbot/internal/platform/coinbase"
)

func ptr[T any](v T) *T { return &v }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExchange records submitted orders and serves canned responses.
type fakeExchange struct {
	buys    []domain.OrderRequest
	sells   []domain.OrderRequest
	cancels []string

	buyErr    error
	sellErr   error
	cancelErr error

	nextID int

	orders    map[string]domain.ExchangeOrder
	products  []domain.Product
	ticker    domain.Ticker
	tickerErr error
	candles   []domain.Candle
}

var _ domain.Exchange = (*fakeExchange)(nil)

func (f *fakeExchange) Buy(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if f.buyErr != nil {
		return domain.OrderAck{}, f.buyErr
	}
	f.buys = append(f.buys, req)
	f.nextID++
	return domain.OrderAck{OrderID: fmt.Sprintf("buy-%d", f.nextID), ClientID: req.ClientID}, nil
}

func (f *fakeExchange) Sell(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if f.sellErr != nil {
		return domain.OrderAck{}, f.sellErr
	}
	f.sells = append(f.sells, req)
	f.nextID++
	return domain.OrderAck{OrderID: fmt.Sprintf("sell-%d", f.nextID), ClientID: req.ClientID}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, orderID)
	return nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, orderID string) (domain.ExchangeOrder, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return domain.ExchangeOrder{}, domain.ErrNotFound
	}
	return o, nil
}

func (f *fakeExchange) GetAccounts(ctx context.Context) ([]domain.Account, error) {
	return nil, nil
}

func (f *fakeExchange) GetProducts(ctx context.Context) ([]domain.Product, error) {
	return f.products, nil
}

func (f *fakeExchange) GetProductTicker(ctx context.Context, productID string) (domain.Ticker, error) {
	if f.tickerErr != nil {
		return domain.Ticker{}, f.tickerErr
	}
	return f.ticker, nil
}

func (f *fakeExchange) GetHistoricRates(ctx context.Context, productID string, start, end time.Time, granularity int) ([]domain.Candle, error) {
	return f.candles, nil
}

// memStore is an in-memory PositionStore with the same transition guards
// as the real one.
type memStore struct {
	positions map[string]*domain.Position
	nextID    int64
}

var _ domain.PositionStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{positions: map[string]*domain.Position{}}
}

func (m *memStore) Create(ctx context.Context, name, product string, size, price float64) (int64, error) {
	if _, ok := m.positions[name]; ok {
		return 0, domain.ErrAlreadyExists
	}
	m.nextID++
	m.positions[name] = &domain.Position{
		ID:      m.nextID,
		Name:    name,
		Status:  domain.PositionStatusNew,
		Product: product,
		Size:    size,
		Price:   price,
	}
	return m.nextID, nil
}

func (m *memStore) Get(ctx context.Context, name string) (domain.Position, error) {
	p, ok := m.positions[name]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

func (m *memStore) List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range m.positions {
		switch filter {
		case domain.PositionFilterNew:
			if p.Status != domain.PositionStatusNew {
				continue
			}
		case domain.PositionFilterOpen:
			if p.Status != domain.PositionStatusOpen {
				continue
			}
		case domain.PositionFilterClosed:
			if p.Status != domain.PositionStatusClosed {
				continue
			}
		}
		out = append(out, *p)
	}
	return out, nil
}

func (m *memStore) SetBuyOrder(ctx context.Context, name, orderID string) error {
	p, ok := m.positions[name]
	if !ok {
		return domain.ErrNotFound
	}
	p.BuyOrderID = &orderID
	return nil
}

func (m *memStore) SetSellOrder(ctx context.Context, name, orderID string) error {
	p, ok := m.positions[name]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status != domain.PositionStatusOpen || p.SellPending() {
		return domain.ErrSellPending
	}
	p.SellOrderID = &orderID
	return nil
}

func (m *memStore) ClearSellOrder(ctx context.Context, name string) error {
	p, ok := m.positions[name]
	if !ok {
		return domain.ErrNotFound
	}
	p.SellOrderID = nil
	return nil
}

func (m *memStore) MarkOpen(ctx context.Context, name string, size, fillPrice, fees float64) error {
	p := m.positions[name]
	p.Status = domain.PositionStatusOpen
	p.Size = size
	p.BuyFillPrice = &fillPrice
	p.BuyFees = &fees
	return nil
}

func (m *memStore) MarkClosed(ctx context.Context, name string, fillPrice, fees, result float64) error {
	p := m.positions[name]
	p.Status = domain.PositionStatusClosed
	p.SellFillPrice = &fillPrice
	p.SellFees = &fees
	p.Result = &result
	return nil
}

func (m *memStore) MarkCanceled(ctx context.Context, name string) error {
	m.positions[name].Status = domain.PositionStatusCanceled
	return nil
}

func (m *memStore) MarkAborted(ctx context.Context, name string) error {
	m.positions[name].Status = domain.PositionStatusAborted
	return nil
}

func (m *memStore) AdjustTriggers(ctx context.Context, name string, upd domain.TriggerUpdate) error {
	p, ok := m.positions[name]
	if !ok {
		return domain.ErrNotFound
	}
	if upd.TakeProfit != nil {
		p.TakeProfit = upd.TakeProfit
	}
	if upd.ClearTakeProfit {
		p.TakeProfit = nil
	}
	if upd.StopLoss != nil {
		p.StopLoss = upd.StopLoss
	}
	if upd.ClearStopLoss {
		p.StopLoss = nil
	}
	if upd.CloseAtTime != nil {
		p.CloseAtTime = upd.CloseAtTime
	}
	if upd.ClearCloseAtTime {
		p.CloseAtTime = nil
	}
	return nil
}

// memOrders is an in-memory OrderCache covering the methods the services
// touch.
type memOrders struct {
	bindings   map[string]domain.ClientBinding
	aggregates map[string]domain.OrderAggregate
}

var _ domain.OrderCache = (*memOrders)(nil)

func newMemOrders() *memOrders {
	return &memOrders{
		bindings:   map[string]domain.ClientBinding{},
		aggregates: map[string]domain.OrderAggregate{},
	}
}

func (m *memOrders) BindClientOrder(ctx context.Context, clientID, orderID string) error {
	b := m.bindings[clientID]
	b.OrderID = orderID
	m.bindings[clientID] = b
	return nil
}

func (m *memOrders) BindClientPosition(ctx context.Context, clientID, position string) error {
	b := m.bindings[clientID]
	b.Position = position
	m.bindings[clientID] = b
	return nil
}

func (m *memOrders) ClientBinding(ctx context.Context, clientID string) (domain.ClientBinding, error) {
	b, ok := m.bindings[clientID]
	if !ok {
		return domain.ClientBinding{}, domain.ErrNotFound
	}
	return b, nil
}

func (m *memOrders) SetPosition(ctx context.Context, orderID, position string) error {
	a := m.aggregates[orderID]
	a.OrderID = orderID
	a.Position = position
	m.aggregates[orderID] = a
	return nil
}

func (m *memOrders) SetStatus(ctx context.Context, orderID, status string) error {
	a := m.aggregates[orderID]
	a.OrderID = orderID
	a.Status = status
	m.aggregates[orderID] = a
	return nil
}

func (m *memOrders) AddFill(ctx context.Context, orderID string, size, value, fees float64) error {
	a := m.aggregates[orderID]
	a.OrderID = orderID
	a.ExecutedSize += size
	a.ExecutedValue += value
	a.AccumulatedFees += fees
	m.aggregates[orderID] = a
	return nil
}

func (m *memOrders) GetOrder(ctx context.Context, orderID string) (domain.OrderAggregate, error) {
	a, ok := m.aggregates[orderID]
	if !ok {
		return domain.OrderAggregate{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memOrders) AppendHistory(ctx context.Context, orderID string, raw []byte) error {
	return nil
}

func (m *memOrders) History(ctx context.Context, orderID string) ([][]byte, error) {
	return nil, nil
}

func (m *memOrders) MarkOpen(ctx context.Context, orderID string) error      { return nil }
func (m *memOrders) MarkCompleted(ctx context.Context, orderID string) error { return nil }

func (m *memOrders) OpenOrders(ctx context.Context) ([]string, error)      { return nil, nil }
func (m *memOrders) CompletedOrders(ctx context.Context) ([]string, error) { return nil, nil }
func (m *memOrders) Forget(ctx context.Context, orderID string) error      { return nil }

// memMarket is an in-memory MarketCache.
type memMarket struct {
	tickers   map[string][]byte
	products  map[string][]byte
	heartbeat time.Time
	hbErr     error
}

var _ domain.MarketCache = (*memMarket)(nil)

func newMemMarket() *memMarket {
	return &memMarket{tickers: map[string][]byte{}, products: map[string][]byte{}}
}

func (m *memMarket) SetTicker(ctx context.Context, productID string, raw []byte) error {
	m.tickers[productID] = raw
	return nil
}

func (m *memMarket) GetTicker(ctx context.Context, productID string) ([]byte, error) {
	raw, ok := m.tickers[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return raw, nil
}

func (m *memMarket) SetProduct(ctx context.Context, productID string, raw []byte) error {
	m.products[productID] = raw
	return nil
}

func (m *memMarket) GetProduct(ctx context.Context, productID string) ([]byte, error) {
	raw, ok := m.products[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return raw, nil
}

func (m *memMarket) SetServerHeartbeat(ctx context.Context, ts time.Time) error {
	m.heartbeat = ts
	return nil
}

func (m *memMarket) ServerHeartbeat(ctx context.Context) (time.Time, error) {
	if m.hbErr != nil {
		return time.Time{}, m.hbErr
	}
	return m.heartbeat, nil
}

// testProduct is the product every test trades against.
func testProduct() domain.Product {
	return domain.Product{
		ID:             "XLM-EUR",
		BaseCurrency:   "XLM",
		QuoteCurrency:  "EUR",
		BaseMinSize:    1,
		BaseMaxSize:    600000,
		MinMarketFunds: 10,
		BaseIncrement:  "1",
		QuoteIncrement: "0.000001",
		Status:         "online",
		BasePrecision:  0,
		QuotePrecision: 6,
	}
}

// seedProduct writes a product into the market cache in its wire shape.
func seedProduct(t *testing.T, market *memMarket, p domain.Product) {
	t.Helper()
	raw, err := json.Marshal(coinbase.MessageFromProduct(p))
	require.NoError(t, err)
	require.NoError(t, market.SetProduct(context.Background(), p.ID, raw))
}

// seedTicker writes a ticker event into the market cache.
func seedTicker(t *testing.T, market *memMarket, product string, bid, ask float64, at time.Time) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":       "ticker",
		"product_id": product,
		"price":      fmt.Sprintf("%g", (bid+ask)/2),
		"best_bid":   fmt.Sprintf("%g", bid),
		"best_ask":   fmt.Sprintf("%g", ask),
		"time":       at.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	require.NoError(t, market.SetTicker(context.Background(), product, raw))
}

// newTestTradeService wires a TradeService over the in-memory fakes.
func newTestTradeService(t *testing.T) (*TradeService, *fakeExchange, *memStore, *memOrders, *memMarket) {
	t.Helper()
	ex := &fakeExchange{orders: map[string]domain.ExchangeOrder{}}
	store := newMemStore()
	orders := newMemOrders()
	market := newMemMarket()
	seedProduct(t, market, testProduct())

	tickers := NewTickerService(market, ex, testLogger())
	svc := NewTradeService(ex, store, orders, tickers, nil, time.Millisecond, testLogger())
	return svc, ex, store, orders, market
}
