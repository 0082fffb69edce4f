package connector

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinbot/internal/domain"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeMarketCache struct {
	mu         sync.Mutex
	tickers    map[string][]byte
	products   map[string][]byte
	heartbeats int
}

func newFakeMarketCache() *fakeMarketCache {
	return &fakeMarketCache{
		tickers:  map[string][]byte{},
		products: map[string][]byte{},
	}
}

func (f *fakeMarketCache) SetTicker(_ context.Context, productID string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickers[productID] = raw
	return nil
}

func (f *fakeMarketCache) GetTicker(_ context.Context, productID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.tickers[productID]
	if !ok {
		return nil, domain.ErrStaleTicker
	}
	return raw, nil
}

func (f *fakeMarketCache) SetProduct(_ context.Context, productID string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[productID] = raw
	return nil
}

func (f *fakeMarketCache) GetProduct(_ context.Context, productID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.products[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return raw, nil
}

func (f *fakeMarketCache) SetServerHeartbeat(context.Context, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeMarketCache) ServerHeartbeat(context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (f *fakeMarketCache) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

type fakeOrderCache struct {
	mu        sync.Mutex
	orders    map[string]*domain.OrderAggregate
	history   map[string][][]byte
	bindings  map[string]domain.ClientBinding
	open      map[string]bool
	completed map[string]bool
}

func newFakeOrderCache() *fakeOrderCache {
	return &fakeOrderCache{
		orders:    map[string]*domain.OrderAggregate{},
		history:   map[string][][]byte{},
		bindings:  map[string]domain.ClientBinding{},
		open:      map[string]bool{},
		completed: map[string]bool{},
	}
}

func (f *fakeOrderCache) agg(orderID string) *domain.OrderAggregate {
	a, ok := f.orders[orderID]
	if !ok {
		a = &domain.OrderAggregate{OrderID: orderID}
		f.orders[orderID] = a
	}
	return a
}

func (f *fakeOrderCache) BindClientOrder(_ context.Context, clientID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bindings[clientID]
	b.OrderID = orderID
	f.bindings[clientID] = b
	return nil
}

func (f *fakeOrderCache) BindClientPosition(_ context.Context, clientID, position string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bindings[clientID]
	b.Position = position
	f.bindings[clientID] = b
	return nil
}

func (f *fakeOrderCache) ClientBinding(_ context.Context, clientID string) (domain.ClientBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[clientID]
	if !ok {
		return domain.ClientBinding{}, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeOrderCache) SetPosition(_ context.Context, orderID, position string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agg(orderID).Position = position
	return nil
}

func (f *fakeOrderCache) SetStatus(_ context.Context, orderID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agg(orderID).Status = status
	return nil
}

func (f *fakeOrderCache) AddFill(_ context.Context, orderID string, size, value, fees float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.agg(orderID)
	a.ExecutedSize += size
	a.ExecutedValue += value
	a.AccumulatedFees += fees
	return nil
}

func (f *fakeOrderCache) GetOrder(_ context.Context, orderID string) (domain.OrderAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.orders[orderID]
	if !ok {
		return domain.OrderAggregate{}, domain.ErrNotFound
	}
	return *a, nil
}

func (f *fakeOrderCache) AppendHistory(_ context.Context, orderID string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[orderID] = append(f.history[orderID], raw)
	return nil
}

func (f *fakeOrderCache) History(_ context.Context, orderID string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[orderID], nil
}

func (f *fakeOrderCache) MarkOpen(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[orderID] = true
	return nil
}

func (f *fakeOrderCache) MarkCompleted(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, orderID)
	f.completed[orderID] = true
	return nil
}

func (f *fakeOrderCache) OpenOrders(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.open {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeOrderCache) CompletedOrders(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.completed {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeOrderCache) Forget(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orders, orderID)
	delete(f.history, orderID)
	delete(f.completed, orderID)
	return nil
}

type fakeBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{messages: map[string][][]byte{}}
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[channel] = append(f.messages[channel], payload)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (f *fakeBus) published(channel string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[channel]
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func testConnector(exit ExitFunc) (*Connector, *fakeMarketCache, *fakeOrderCache, *fakeBus) {
	market := newFakeMarketCache()
	orders := newFakeOrderCache()
	bus := newFakeBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(Config{
		Products:         []string{"BTC-EUR", "XLM-EUR"},
		SilenceThreshold: 90 * time.Second,
		CheckInterval:    10 * time.Second,
	}, market, orders, bus, logger, exit)
	return c, market, orders, bus
}

func TestHandleMessageTicker(t *testing.T) {
	c, market, _, bus := testConnector(func(int) {})
	ctx := context.Background()

	raw := []byte(`{"type":"ticker","product_id":"BTC-EUR","price":"50000","best_bid":"49999","best_ask":"50001","time":"2021-04-27T08:52:46.932361Z"}`)
	c.HandleMessage(ctx, raw)

	cached, err := market.GetTicker(ctx, "BTC-EUR")
	require.NoError(t, err)
	assert.Equal(t, raw, cached)

	assert.Len(t, bus.published(domain.ChannelFullFeed), 1)
	assert.Len(t, bus.published(domain.ChannelTickerFeed), 1)
	assert.Equal(t, 1, market.heartbeatCount())
}

func TestHandleMessageHeartbeatNotProcessed(t *testing.T) {
	c, market, _, bus := testConnector(func(int) {})
	ctx := context.Background()

	before := c.lastMessage.Load()
	time.Sleep(time.Millisecond)
	c.HandleMessage(ctx, []byte(`{"type":"heartbeat","product_id":"BTC-EUR","sequence":1}`))

	// Liveness advanced but nothing was published or stored.
	assert.Greater(t, c.lastMessage.Load(), before)
	assert.Empty(t, bus.published(domain.ChannelFullFeed))
	assert.Equal(t, 0, market.heartbeatCount())
}

func TestHandleMessageReceivedLinksPosition(t *testing.T) {
	c, _, orders, _ := testConnector(func(int) {})
	ctx := context.Background()

	// The trade workflow binds the client token to its position before
	// submitting the order.
	require.NoError(t, orders.BindClientPosition(ctx, "cid-1", "p1"))

	raw := []byte(`{"type":"received","order_id":"o-1","client_oid":"cid-1","order_type":"limit","side":"buy","product_id":"BTC-EUR","price":"50000","size":"0.002"}`)
	c.HandleMessage(ctx, raw)

	binding, err := orders.ClientBinding(ctx, "cid-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", binding.OrderID)

	agg, err := orders.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", agg.Position)

	assert.True(t, orders.open["o-1"])
	assert.Len(t, orders.history["o-1"], 1)
}

func TestHandleMessageMatchAccumulates(t *testing.T) {
	c, _, orders, _ := testConnector(func(int) {})
	ctx := context.Background()

	match := []byte(`{"type":"match","side":"buy","product_id":"BTC-EUR","trade_id":1,"maker_order_id":"m-1","taker_order_id":"o-1","size":"0.001","price":"50000","user_id":"u1","taker_user_id":"u1","taker_fee_rate":"0.0035"}`)
	c.HandleMessage(ctx, match)

	agg, err := orders.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.001, agg.ExecutedSize, 1e-9)
	assert.InDelta(t, 50, agg.ExecutedValue, 1e-9)
	assert.InDelta(t, 50*0.0035, agg.AccumulatedFees, 1e-9)

	// Accumulation is at-least-once: a redelivered match counts twice.
	c.HandleMessage(ctx, match)

	agg, err = orders.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.002, agg.ExecutedSize, 1e-9)
	assert.InDelta(t, 100, agg.ExecutedValue, 1e-9)
}

func TestHandleMessageDone(t *testing.T) {
	c, _, orders, bus := testConnector(func(int) {})
	ctx := context.Background()

	c.HandleMessage(ctx, []byte(`{"type":"received","order_id":"o-1","order_type":"limit","side":"buy","product_id":"BTC-EUR"}`))
	c.HandleMessage(ctx, []byte(`{"type":"done","order_id":"o-1","reason":"filled","side":"buy","product_id":"BTC-EUR"}`))

	agg, err := orders.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, agg.Status)
	assert.True(t, agg.Done())

	assert.False(t, orders.open["o-1"])
	assert.True(t, orders.completed["o-1"])

	feed := bus.published(domain.ChannelOrderFeed)
	require.Len(t, feed, 1)
	assert.Equal(t, "o-1", string(feed[0]))
}

func TestHandleMessageStatusFiltersUniverse(t *testing.T) {
	c, market, _, _ := testConnector(func(int) {})
	ctx := context.Background()

	raw := []byte(`{"type":"status","products":[
		{"id":"BTC-EUR","base_currency":"BTC","quote_currency":"EUR","base_increment":"0.00000001","quote_increment":"0.01","status":"online"},
		{"id":"DOGE-USD","base_currency":"DOGE","quote_currency":"USD","base_increment":"1","quote_increment":"0.0001","status":"online"}
	]}`)
	c.HandleMessage(ctx, raw)

	stored, err := market.GetProduct(ctx, "BTC-EUR")
	require.NoError(t, err)

	// trading_disabled is defaulted to false when the feed omits it.
	var product struct {
		TradingDisabled *bool `json:"trading_disabled"`
	}
	require.NoError(t, json.Unmarshal(stored, &product))
	require.NotNil(t, product.TradingDisabled)
	assert.False(t, *product.TradingDisabled)

	_, err = market.GetProduct(ctx, "DOGE-USD")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandleMessageUnknownTypeIsSafe(t *testing.T) {
	c, market, _, _ := testConnector(func(int) {})
	ctx := context.Background()

	c.HandleMessage(ctx, []byte(`{"type":"l2update","product_id":"BTC-EUR"}`))
	c.HandleMessage(ctx, []byte(`not json at all`))

	// The unknown (but well-formed) message still refreshed liveness.
	assert.Equal(t, 1, market.heartbeatCount())
}

func TestCircuitBreakerFiresOnSilence(t *testing.T) {
	var exitCode int
	exited := false
	c, _, _, _ := testConnector(func(code int) {
		exited = true
		exitCode = code
	})

	c.lastMessage.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	c.checkLiveness()

	assert.True(t, exited)
	assert.Equal(t, 1, exitCode)
}

func TestCircuitBreakerQuietWhenFresh(t *testing.T) {
	exited := false
	c, _, _, _ := testConnector(func(int) { exited = true })

	c.lastMessage.Store(time.Now().UnixNano())
	c.checkLiveness()

	assert.False(t, exited)
}
