package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var _ domain.Exchange = (*Client)(nil)

// Client is the REST client for the Coinbase Pro API.
type Client struct {
	apiHost    string
	key        string
	secret     string
	passphrase string
	httpClient *http.Client

	// limiter enforces a minimum spacing between private API calls so
	// bulk workflows (panic, tradebot polls) stay inside the exchange
	// rate limits.
	limiter *rate.Limiter
}

// NewClient creates a new Coinbase Pro REST client.
//
// apiHost is the API root, e.g. "https://api.pro.coinbase.com".
// minCallSpacing is the floor between private calls; zero disables pacing.
func NewClient(apiHost, key, secret, passphrase string, minCallSpacing time.Duration) *Client {
	limit := rate.Inf
	if minCallSpacing > 0 {
		limit = rate.Every(minCallSpacing)
	}
	return &Client{
		apiHost:    apiHost,
		key:        key,
		secret:     secret,
		passphrase: passphrase,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// orderResponse is the order record shape shared by order submission and
// the order lookup endpoint.
type orderResponse struct {
	ID            string      `json:"id"`
	ProductID     string      `json:"product_id"`
	Side          string      `json:"side"`
	Type          string      `json:"type"`
	Status        string      `json:"status"`
	Settled       bool        `json:"settled"`
	Price         FloatString `json:"price"`
	Size          FloatString `json:"size"`
	Funds         FloatString `json:"funds"`
	FilledSize    FloatString `json:"filled_size"`
	ExecutedValue FloatString `json:"executed_value"`
	FillFees      FloatString `json:"fill_fees"`
	DoneReason    string      `json:"done_reason"`
	CreatedAt     string      `json:"created_at"`
	DoneAt        string      `json:"done_at"`
}

func (r orderResponse) toDomain() domain.ExchangeOrder {
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	done, _ := time.Parse(time.RFC3339Nano, r.DoneAt)
	return domain.ExchangeOrder{
		ID:            r.ID,
		ProductID:     r.ProductID,
		Side:          domain.OrderSide(r.Side),
		Type:          domain.OrderType(r.Type),
		Status:        r.Status,
		Settled:       r.Settled,
		Price:         float64(r.Price),
		Size:          float64(r.Size),
		Funds:         float64(r.Funds),
		FilledSize:    float64(r.FilledSize),
		ExecutedValue: float64(r.ExecutedValue),
		FillFees:      float64(r.FillFees),
		DoneReason:    r.DoneReason,
		CreatedAt:     created,
		DoneAt:        done,
	}
}

// Buy submits a buy order. A missing ClientID is filled with a fresh UUID
// so the feed can map the acknowledgement back to its position.
func (c *Client) Buy(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	req.Side = domain.OrderSideBuy
	return c.placeOrder(ctx, req)
}

// Sell submits a sell order; a StopPrice > 0 makes it a stop-loss.
func (c *Client) Sell(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	req.Side = domain.OrderSideSell
	return c.placeOrder(ctx, req)
}

func (c *Client) placeOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	params := map[string]string{
		"product_id": req.ProductID,
		"side":       string(req.Side),
		"type":       string(req.Type),
		"client_oid": req.ClientID,
	}
	if req.Price > 0 {
		params["price"] = formatFloat(req.Price)
	}
	if req.Size > 0 {
		params["size"] = formatFloat(req.Size)
	}
	if req.Funds > 0 {
		params["funds"] = formatFloat(req.Funds)
	}
	if req.StopPrice > 0 {
		params["stop"] = "loss"
		params["stop_price"] = formatFloat(req.StopPrice)
	}

	body, err := c.doSignedRequest(ctx, http.MethodPost, "/orders", params)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("coinbase: place %s order: %w", req.Side, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderAck{}, fmt.Errorf("coinbase: decode order response: %w", err)
	}

	return domain.OrderAck{
		OrderID:    resp.ID,
		ClientID:   req.ClientID,
		Status:     resp.Status,
		Settled:    resp.Settled,
		FilledSize: float64(resp.FilledSize),
	}, nil
}

// CancelOrder cancels an order by id. An order the exchange no longer
// knows (404) counts as success: it is already gone.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	path := fmt.Sprintf("/orders/%s", url.PathEscape(orderID))

	_, err := c.doSignedRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		var apiErr *APIError
		if asAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("coinbase: cancel order %s: %w", orderID, err)
	}

	return nil
}

// GetOrder returns the authoritative order record.
func (c *Client) GetOrder(ctx context.Context, orderID string) (domain.ExchangeOrder, error) {
	path := fmt.Sprintf("/orders/%s", url.PathEscape(orderID))

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		var apiErr *APIError
		if asAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return domain.ExchangeOrder{}, fmt.Errorf("coinbase: get order %s: %w", orderID, domain.ErrNotFound)
		}
		return domain.ExchangeOrder{}, fmt.Errorf("coinbase: get order %s: %w", orderID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("coinbase: decode order: %w", err)
	}

	return resp.toDomain(), nil
}

// GetAccounts returns the currency balances of the authenticated profile.
func (c *Client) GetAccounts(ctx context.Context) ([]domain.Account, error) {
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("coinbase: get accounts: %w", err)
	}

	var resp []struct {
		ID             string      `json:"id"`
		Currency       string      `json:"currency"`
		Balance        FloatString `json:"balance"`
		Hold           FloatString `json:"hold"`
		Available      FloatString `json:"available"`
		TradingEnabled bool        `json:"trading_enabled"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("coinbase: decode accounts: %w", err)
	}

	accounts := make([]domain.Account, 0, len(resp))
	for _, a := range resp {
		accounts = append(accounts, domain.Account{
			ID:             a.ID,
			Currency:       a.Currency,
			Balance:        float64(a.Balance),
			Hold:           float64(a.Hold),
			Available:      float64(a.Available),
			TradingEnabled: a.TradingEnabled,
		})
	}
	return accounts, nil
}

// GetProducts returns all tradeable products with derived precision.
func (c *Client) GetProducts(ctx context.Context) ([]domain.Product, error) {
	body, err := c.doPublicRequest(ctx, http.MethodGet, "/products")
	if err != nil {
		return nil, fmt.Errorf("coinbase: get products: %w", err)
	}

	var resp []ProductMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("coinbase: decode products: %w", err)
	}

	products := make([]domain.Product, 0, len(resp))
	for _, p := range resp {
		products = append(products, p.Product())
	}
	return products, nil
}

// GetProductTicker returns the current market snapshot for one product.
func (c *Client) GetProductTicker(ctx context.Context, productID string) (domain.Ticker, error) {
	path := fmt.Sprintf("/products/%s/ticker", url.PathEscape(productID))

	body, err := c.doPublicRequest(ctx, http.MethodGet, path)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("coinbase: get ticker %s: %w", productID, err)
	}

	var resp struct {
		TradeID int64       `json:"trade_id"`
		Price   FloatString `json:"price"`
		Size    FloatString `json:"size"`
		Bid     FloatString `json:"bid"`
		Ask     FloatString `json:"ask"`
		Volume  FloatString `json:"volume"`
		Time    string      `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Ticker{}, fmt.Errorf("coinbase: decode ticker: %w", err)
	}

	ts, _ := time.Parse(time.RFC3339Nano, resp.Time)
	return domain.Ticker{
		ProductID: productID,
		TradeID:   resp.TradeID,
		Price:     float64(resp.Price),
		BestBid:   float64(resp.Bid),
		BestAsk:   float64(resp.Ask),
		LastSize:  float64(resp.Size),
		Volume24h: float64(resp.Volume),
		Time:      ts,
	}, nil
}

// GetHistoricRates returns OHLCV candles ordered oldest first. The
// exchange caps one request at 300 candles.
func (c *Client) GetHistoricRates(ctx context.Context, productID string, start, end time.Time, granularity int) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("end", end.UTC().Format(time.RFC3339))
	params.Set("granularity", strconv.Itoa(granularity))

	path := fmt.Sprintf("/products/%s/candles?%s", url.PathEscape(productID), params.Encode())

	body, err := c.doPublicRequest(ctx, http.MethodGet, path)
	if err != nil {
		return nil, fmt.Errorf("coinbase: get candles %s: %w", productID, err)
	}

	// Each candle is a [time, low, high, open, close, volume] array,
	// newest first.
	var rows [][6]float64
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("coinbase: decode candles: %w", err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		candles = append(candles, domain.Candle{
			Time:   time.Unix(int64(r[0]), 0).UTC(),
			Low:    r[1],
			High:   r[2],
			Open:   r[3],
			Close:  r[4],
			Volume: r[5],
		})
	}
	return candles, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doSignedRequest builds, signs, sends, and reads an authenticated request,
// pacing calls through the rate limiter.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var bodyReader io.Reader
	var bodyStr string
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiHost+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := Sign(c.secret, ts, method, path, bodyStr)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set("CB-ACCESS-KEY", c.key)
	req.Header.Set("CB-ACCESS-SIGN", sig)
	req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
	req.Header.Set("CB-ACCESS-PASSPHRASE", c.passphrase)

	return c.do(req)
}

// doPublicRequest sends an unauthenticated request.
func (c *Client) doPublicRequest(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiHost+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &msg)
		apiErr.Message = msg.Message
		return nil, apiErr
	}

	return respBody, nil
}

// formatFloat renders a float the way the exchange expects: plain decimal
// notation with no exponent and no trailing zeros.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
