package domain

import (
	"context"
	"time"
)

// PositionFilter selects which positions List returns.
type PositionFilter string

const (
	PositionFilterAll    PositionFilter = "all"
	PositionFilterNew    PositionFilter = "new"
	PositionFilterOpen   PositionFilter = "open"
	PositionFilterClosed PositionFilter = "closed"
)

// TriggerUpdate describes a partial update to a position's exit triggers.
// A nil pointer with the matching Clear flag unset leaves the field alone.
type TriggerUpdate struct {
	TakeProfit      *float64
	ClearTakeProfit bool

	StopLoss      *float64
	ClearStopLoss bool

	CloseAtTime      *time.Time
	ClearCloseAtTime bool
}

// PositionStore persists positions and their state transitions. Each
// transition method enforces the legal source state in its WHERE clause;
// zero affected rows surfaces as ErrIllegalTransition (or ErrSellPending
// for SetSellOrder) so racing writers lose cleanly.
type PositionStore interface {
	Create(ctx context.Context, name, product string, size, price float64) (int64, error)
	Get(ctx context.Context, name string) (Position, error)
	List(ctx context.Context, filter PositionFilter) ([]Position, error)

	SetBuyOrder(ctx context.Context, name, orderID string) error
	// SetSellOrder records the sell order id only when the position is
	// open and no sell is pending. This is the idempotent submit-guard:
	// the second concurrent submitter gets ErrSellPending.
	SetSellOrder(ctx context.Context, name, orderID string) error
	ClearSellOrder(ctx context.Context, name string) error

	MarkOpen(ctx context.Context, name string, size, fillPrice, fees float64) error
	MarkClosed(ctx context.Context, name string, fillPrice, fees, result float64) error
	MarkCanceled(ctx context.Context, name string) error
	MarkAborted(ctx context.Context, name string) error

	AdjustTriggers(ctx context.Context, name string, upd TriggerUpdate) error
}
