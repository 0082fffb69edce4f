package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	// tickerTTL bounds how long a cached ticker counts as fresh.
	tickerTTL = 15 * time.Minute

	// productTTL bounds cached product metadata.
	productTTL = 1 * time.Hour

	// heartbeatTTL expires the connector liveness key so a dead connector
	// is visible to every other process.
	heartbeatTTL = 60 * time.Second

	heartbeatKey = "server.heartbeat"
)

// MarketCache implements domain.MarketCache on plain Redis keys holding the
// raw feed JSON: "ticker.{product}", "product.{id}" and the
// "server.heartbeat" liveness key.
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

func tickerKey(productID string) string {
	return "ticker." + productID
}

func productKey(productID string) string {
	return "product." + productID
}

// SetTicker stores the raw ticker message with the freshness TTL.
func (mc *MarketCache) SetTicker(ctx context.Context, productID string, raw []byte) error {
	if err := mc.rdb.Set(ctx, tickerKey(productID), raw, tickerTTL).Err(); err != nil {
		return fmt.Errorf("redis: set ticker %s: %w", productID, err)
	}
	return nil
}

// GetTicker returns the raw cached ticker message. Expired or missing
// tickers surface as domain.ErrStaleTicker so callers can fall back to the
// REST API.
func (mc *MarketCache) GetTicker(ctx context.Context, productID string) ([]byte, error) {
	raw, err := mc.rdb.Get(ctx, tickerKey(productID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis: ticker %s: %w", productID, domain.ErrStaleTicker)
		}
		return nil, fmt.Errorf("redis: get ticker %s: %w", productID, err)
	}
	return raw, nil
}

// SetProduct stores the raw product metadata message.
func (mc *MarketCache) SetProduct(ctx context.Context, productID string, raw []byte) error {
	if err := mc.rdb.Set(ctx, productKey(productID), raw, productTTL).Err(); err != nil {
		return fmt.Errorf("redis: set product %s: %w", productID, err)
	}
	return nil
}

// GetProduct returns the raw cached product metadata, or domain.ErrNotFound.
func (mc *MarketCache) GetProduct(ctx context.Context, productID string) ([]byte, error) {
	raw, err := mc.rdb.Get(ctx, productKey(productID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis: product %s: %w", productID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("redis: get product %s: %w", productID, err)
	}
	return raw, nil
}

// SetServerHeartbeat refreshes the connector liveness key.
func (mc *MarketCache) SetServerHeartbeat(ctx context.Context, ts time.Time) error {
	if err := mc.rdb.Set(ctx, heartbeatKey, ts.UnixMilli(), heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("redis: set heartbeat: %w", err)
	}
	return nil
}

// ServerHeartbeat returns the last connector liveness timestamp, or
// domain.ErrNotFound when the key has expired.
func (mc *MarketCache) ServerHeartbeat(ctx context.Context) (time.Time, error) {
	ms, err := mc.rdb.Get(ctx, heartbeatKey).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, domain.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("redis: get heartbeat: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
