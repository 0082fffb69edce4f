// Package pipeline moves completed order data out of the shared state
// store into object storage, keeping the hot store bounded.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/coinbot/internal/domain"
)

// archiveDocument is the object uploaded per completed order: the final
// aggregate plus the raw feed events that produced it.
type archiveDocument struct {
	OrderID         string            `json:"order_id"`
	Status          string            `json:"status"`
	ExecutedSize    float64           `json:"executed_size"`
	ExecutedValue   float64           `json:"executed_value"`
	AccumulatedFees float64           `json:"accumulated_fees"`
	Position        string            `json:"position,omitempty"`
	ArchivedAt      time.Time         `json:"archived_at"`
	History         []json.RawMessage `json:"history"`
}

// Archiver drains completed orders from the order cache into object
// storage. An order is forgotten from the cache only after its document
// uploaded, so a failed upload retries on the next sweep.
type Archiver struct {
	orders domain.OrderCache
	writer domain.BlobWriter
	logger *slog.Logger

	interval time.Duration
	now      func() time.Time
}

// NewArchiver creates an Archiver sweeping at the given interval.
func NewArchiver(orders domain.OrderCache, writer domain.BlobWriter, interval time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		orders:   orders,
		writer:   writer,
		logger:   logger.With(slog.String("component", "archiver")),
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if n, err := a.ArchiveOnce(ctx); err != nil {
			a.logger.Error("archive sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.Info("orders archived", slog.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ArchiveOnce uploads and forgets every completed order currently in the
// cache. A failing order is skipped and retried next sweep; the count of
// successfully archived orders is returned.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	ids, err := a.orders.CompletedOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list completed orders: %w", err)
	}

	archived := 0
	for _, id := range ids {
		if err := a.archiveOrder(ctx, id); err != nil {
			a.logger.Error("archive order failed",
				slog.String("order_id", id), slog.String("error", err.Error()))
			continue
		}
		archived++
	}
	return archived, nil
}

func (a *Archiver) archiveOrder(ctx context.Context, orderID string) error {
	agg, err := a.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load aggregate: %w", err)
	}

	history, err := a.orders.History(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	doc := archiveDocument{
		OrderID:         orderID,
		Status:          agg.Status,
		ExecutedSize:    agg.ExecutedSize,
		ExecutedValue:   agg.ExecutedValue,
		AccumulatedFees: agg.AccumulatedFees,
		Position:        agg.Position,
		ArchivedAt:      a.now().UTC(),
		History:         make([]json.RawMessage, 0, len(history)),
	}
	for _, raw := range history {
		doc.History = append(doc.History, json.RawMessage(raw))
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	key := archiveKey(a.now().UTC(), orderID)
	if err := a.writer.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return err
	}

	// The upload is durable; now the cache copy can go.
	if err := a.orders.Forget(ctx, orderID); err != nil {
		return fmt.Errorf("forget after upload: %w", err)
	}

	a.logger.Debug("order archived",
		slog.String("order_id", orderID), slog.String("key", key))
	return nil
}

// archiveKey partitions archives by upload date.
func archiveKey(ts time.Time, orderID string) string {
	return fmt.Sprintf("orders/%s/%s.json", ts.Format("2006-01-02"), orderID)
}
