package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	openSetKey      = "orders:open"
	completedSetKey = "orders:completed"
)

// OrderCache implements domain.OrderCache: one hash per order at
// "order:{id}" with fields status/executed_size/executed_value/
// accumulated_fees/position, an append-only history list at
// "order:{id}:history", open/completed membership sets, and the
// "cid:{token}" client-id bridge hash.
type OrderCache struct {
	rdb *redis.Client
}

// NewOrderCache creates an OrderCache backed by the given Client.
func NewOrderCache(c *Client) *OrderCache {
	return &OrderCache{rdb: c.Underlying()}
}

func orderKey(orderID string) string {
	return "order:" + orderID
}

func historyKey(orderID string) string {
	return orderKey(orderID) + ":history"
}

func cidKey(clientID string) string {
	return "cid:" + clientID
}

// BindClientOrder records the server-assigned order id under the client
// token.
func (oc *OrderCache) BindClientOrder(ctx context.Context, clientID, orderID string) error {
	if err := oc.rdb.HSet(ctx, cidKey(clientID), "order_id", orderID).Err(); err != nil {
		return fmt.Errorf("redis: bind client order %s: %w", clientID, err)
	}
	return nil
}

// BindClientPosition records the position a client token belongs to. The
// trade workflow writes this before submitting the order so the connector
// can link the acknowledgement back.
func (oc *OrderCache) BindClientPosition(ctx context.Context, clientID, position string) error {
	if err := oc.rdb.HSet(ctx, cidKey(clientID), "position", position).Err(); err != nil {
		return fmt.Errorf("redis: bind client position %s: %w", clientID, err)
	}
	return nil
}

// ClientBinding returns both sides of the client-id bridge. Missing fields
// come back empty; a fully absent token is domain.ErrNotFound.
func (oc *OrderCache) ClientBinding(ctx context.Context, clientID string) (domain.ClientBinding, error) {
	vals, err := oc.rdb.HGetAll(ctx, cidKey(clientID)).Result()
	if err != nil {
		return domain.ClientBinding{}, fmt.Errorf("redis: client binding %s: %w", clientID, err)
	}
	if len(vals) == 0 {
		return domain.ClientBinding{}, domain.ErrNotFound
	}
	return domain.ClientBinding{
		OrderID:  vals["order_id"],
		Position: vals["position"],
	}, nil
}

// SetPosition links an order hash to its position.
func (oc *OrderCache) SetPosition(ctx context.Context, orderID, position string) error {
	if err := oc.rdb.HSet(ctx, orderKey(orderID), "position", position).Err(); err != nil {
		return fmt.Errorf("redis: set order position %s: %w", orderID, err)
	}
	return nil
}

// SetStatus records the terminal status (the done reason) on the order
// hash.
func (oc *OrderCache) SetStatus(ctx context.Context, orderID, status string) error {
	if err := oc.rdb.HSet(ctx, orderKey(orderID), "status", status).Err(); err != nil {
		return fmt.Errorf("redis: set order status %s: %w", orderID, err)
	}
	return nil
}

// AddFill accumulates one match into the order hash with HINCRBYFLOAT.
// Delivery is at-least-once: a redelivered match counts twice.
func (oc *OrderCache) AddFill(ctx context.Context, orderID string, size, value, fees float64) error {
	key := orderKey(orderID)
	pipe := oc.rdb.Pipeline()
	pipe.HIncrByFloat(ctx, key, "executed_size", size)
	pipe.HIncrByFloat(ctx, key, "executed_value", value)
	pipe.HIncrByFloat(ctx, key, "accumulated_fees", fees)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: add fill %s: %w", orderID, err)
	}
	return nil
}

// GetOrder returns the accumulated order aggregate, or domain.ErrNotFound
// when no hash exists yet.
func (oc *OrderCache) GetOrder(ctx context.Context, orderID string) (domain.OrderAggregate, error) {
	vals, err := oc.rdb.HGetAll(ctx, orderKey(orderID)).Result()
	if err != nil {
		return domain.OrderAggregate{}, fmt.Errorf("redis: get order %s: %w", orderID, err)
	}
	if len(vals) == 0 {
		return domain.OrderAggregate{}, domain.ErrNotFound
	}

	agg := domain.OrderAggregate{
		OrderID:  orderID,
		Status:   vals["status"],
		Position: vals["position"],
	}
	agg.ExecutedSize = parseFloatField(vals, "executed_size")
	agg.ExecutedValue = parseFloatField(vals, "executed_value")
	agg.AccumulatedFees = parseFloatField(vals, "accumulated_fees")
	return agg, nil
}

func parseFloatField(vals map[string]string, field string) float64 {
	v, ok := vals[field]
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// AppendHistory appends one raw lifecycle event to the order's audit log.
func (oc *OrderCache) AppendHistory(ctx context.Context, orderID string, raw []byte) error {
	if err := oc.rdb.RPush(ctx, historyKey(orderID), raw).Err(); err != nil {
		return fmt.Errorf("redis: append history %s: %w", orderID, err)
	}
	return nil
}

// History returns the full ordered event log for an order.
func (oc *OrderCache) History(ctx context.Context, orderID string) ([][]byte, error) {
	entries, err := oc.rdb.LRange(ctx, historyKey(orderID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: history %s: %w", orderID, err)
	}
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		out = append(out, []byte(e))
	}
	return out, nil
}

// MarkOpen adds the order to the open set.
func (oc *OrderCache) MarkOpen(ctx context.Context, orderID string) error {
	if err := oc.rdb.SAdd(ctx, openSetKey, orderID).Err(); err != nil {
		return fmt.Errorf("redis: mark order open %s: %w", orderID, err)
	}
	return nil
}

// MarkCompleted moves the order from the open set to the completed set.
// SMOVE keeps the two sets disjoint even under concurrent writers.
func (oc *OrderCache) MarkCompleted(ctx context.Context, orderID string) error {
	if err := oc.rdb.SMove(ctx, openSetKey, completedSetKey, orderID).Err(); err != nil {
		return fmt.Errorf("redis: mark order completed %s: %w", orderID, err)
	}
	return nil
}

// OpenOrders lists the ids in the open set.
func (oc *OrderCache) OpenOrders(ctx context.Context) ([]string, error) {
	ids, err := oc.rdb.SMembers(ctx, openSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: open orders: %w", err)
	}
	return ids, nil
}

// CompletedOrders lists the ids in the completed set.
func (oc *OrderCache) CompletedOrders(ctx context.Context) ([]string, error) {
	ids, err := oc.rdb.SMembers(ctx, completedSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: completed orders: %w", err)
	}
	return ids, nil
}

// Forget removes an archived order's hash, history and completed-set
// membership.
func (oc *OrderCache) Forget(ctx context.Context, orderID string) error {
	pipe := oc.rdb.Pipeline()
	pipe.Del(ctx, orderKey(orderID), historyKey(orderID))
	pipe.SRem(ctx, completedSetKey, orderID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: forget order %s: %w", orderID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.OrderCache = (*OrderCache)(nil)
