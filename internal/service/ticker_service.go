// Package service holds the trade workflows and the layered market data
// reads they depend on. Everything here is invoked per command or from the
// position manager; the long-running feed handling lives in connector and
// manager.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/alanyoungcy/coinbot/internal/platform/coinbase"
)

// maxTickerAge is the point past which a cached ticker is considered stale
// and the REST API is consulted instead, matching the cache TTL.
const maxTickerAge = 15 * time.Minute

// TickerService reads tickers and product metadata through the layered
// policy: shared cache first, REST fallback, then the in-memory last-known
// value as the final resort. Each instance owns its own last-known map, so
// independent instances never share state.
type TickerService struct {
	market   domain.MarketCache
	exchange domain.Exchange
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]domain.Ticker
}

// NewTickerService creates a TickerService.
func NewTickerService(market domain.MarketCache, exchange domain.Exchange, logger *slog.Logger) *TickerService {
	return &TickerService{
		market:   market,
		exchange: exchange,
		logger:   logger.With(slog.String("component", "ticker")),
		last:     map[string]domain.Ticker{},
	}
}

// GetTicker returns the current ticker for a product.
//
// apiFallback controls what happens when the cached ticker is stale or
// missing: true consults the REST API, false accepts a stale cached value
// and only fails on a full cache miss. cacheFallback controls the final
// resort: true returns the last ticker this service ever saw rather than
// failing. Price-watch loops run with both enabled; analysis that needs a
// truthful error runs with cacheFallback off.
func (s *TickerService) GetTicker(ctx context.Context, product string, apiFallback, cacheFallback bool) (domain.Ticker, error) {
	t, err := s.cachedTicker(ctx, product, apiFallback)
	if err == nil {
		s.remember(t)
		return t, nil
	}

	if apiFallback {
		s.logger.Warn("cached ticker unusable, falling back to api",
			slog.String("product", product), slog.String("error", err.Error()))

		t, apiErr := s.exchange.GetProductTicker(ctx, product)
		if apiErr == nil {
			s.remember(t)
			return t, nil
		}
		err = apiErr
	}

	if cacheFallback {
		s.mu.Lock()
		lt, ok := s.last[product]
		s.mu.Unlock()
		if ok {
			s.logger.Warn("returning last known ticker",
				slog.String("product", product), slog.String("error", err.Error()))
			return lt, nil
		}
	}

	return domain.Ticker{}, fmt.Errorf("ticker %s: %w", product, err)
}

// BidPrice returns the best bid with full fallback, the price a market
// sell would roughly realize.
func (s *TickerService) BidPrice(ctx context.Context, product string) (float64, error) {
	t, err := s.GetTicker(ctx, product, true, true)
	if err != nil {
		return 0, err
	}
	return t.BestBid, nil
}

// AskPrice returns the best ask with full fallback.
func (s *TickerService) AskPrice(ctx context.Context, product string) (float64, error) {
	t, err := s.GetTicker(ctx, product, true, true)
	if err != nil {
		return 0, err
	}
	return t.BestAsk, nil
}

// cachedTicker reads the shared cache. With apiFallback enabled a ticker
// older than maxTickerAge is rejected so the caller moves on to the API;
// without it any cached value is accepted.
func (s *TickerService) cachedTicker(ctx context.Context, product string, apiFallback bool) (domain.Ticker, error) {
	raw, err := s.market.GetTicker(ctx, product)
	if err != nil {
		return domain.Ticker{}, err
	}

	var ev coinbase.TickerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.Ticker{}, fmt.Errorf("decode cached ticker: %w", err)
	}
	t := ev.Ticker()

	if apiFallback && time.Since(t.Time) > maxTickerAge {
		return domain.Ticker{}, fmt.Errorf("ticker %s aged %s: %w", product, time.Since(t.Time).Round(time.Second), domain.ErrStaleTicker)
	}
	return t, nil
}

func (s *TickerService) remember(t domain.Ticker) {
	s.mu.Lock()
	s.last[t.ProductID] = t
	s.mu.Unlock()
}

// ProductInfo returns product metadata, repopulating the cache for every
// product from the REST API on a miss.
func (s *TickerService) ProductInfo(ctx context.Context, product string) (domain.Product, error) {
	raw, err := s.market.GetProduct(ctx, product)
	if errors.Is(err, domain.ErrNotFound) {
		return s.repopulateProducts(ctx, product)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("product %s: %w", product, err)
	}

	var msg coinbase.ProductMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Product{}, fmt.Errorf("decode cached product %s: %w", product, err)
	}
	return msg.Product(), nil
}

// repopulateProducts fetches the full product list, caches every entry,
// and returns the one asked for.
func (s *TickerService) repopulateProducts(ctx context.Context, product string) (domain.Product, error) {
	s.logger.Info("product cache miss, repopulating from api", slog.String("product", product))

	products, err := s.exchange.GetProducts(ctx)
	if err != nil {
		return domain.Product{}, fmt.Errorf("repopulate products: %w", err)
	}

	var found *domain.Product
	for i := range products {
		p := products[i]
		data, err := json.Marshal(coinbase.MessageFromProduct(p))
		if err != nil {
			return domain.Product{}, fmt.Errorf("marshal product %s: %w", p.ID, err)
		}
		if err := s.market.SetProduct(ctx, p.ID, data); err != nil {
			s.logger.Error("cache product", slog.String("product", p.ID), slog.String("error", err.Error()))
		}
		if p.ID == product {
			found = &products[i]
		}
	}

	if found == nil {
		return domain.Product{}, fmt.Errorf("product %s: %w", product, domain.ErrNotFound)
	}
	return *found, nil
}

// ServerRunning reports whether the connector heartbeat key is fresh,
// i.e. the server processes are up and feeding the cache.
func (s *TickerService) ServerRunning(ctx context.Context) bool {
	_, err := s.market.ServerHeartbeat(ctx)
	return err == nil
}
