package domain

import "time"

// PositionStatus tracks the position lifecycle.
type PositionStatus string

const (
	PositionStatusNew      PositionStatus = "new"      // row created, buy not yet filled
	PositionStatusOpen     PositionStatus = "open"     // buy filled, holding
	PositionStatusClosed   PositionStatus = "closed"   // sell filled
	PositionStatusCanceled PositionStatus = "canceled" // buy canceled before fill
	PositionStatusAborted  PositionStatus = "aborted"  // orphan row, no order ever placed
)

// Position is one named buy-hold-sell cycle on a single product.
type Position struct {
	ID      int64
	Name    string
	Status  PositionStatus
	Product string
	Size    float64
	Price   float64 // intended entry limit price

	BuyOrderID  *string
	SellOrderID *string

	BuyFillPrice  *float64
	BuyFees       *float64
	SellFillPrice *float64
	SellFees      *float64
	Result        *float64

	TakeProfit  *float64
	StopLoss    *float64
	CloseAtTime *time.Time

	CreateTime time.Time
	CloseTime  *time.Time
}

// SellPending reports whether a sell order has been submitted and not
// yet resolved.
func (p Position) SellPending() bool {
	return p.SellOrderID != nil && *p.SellOrderID != ""
}
