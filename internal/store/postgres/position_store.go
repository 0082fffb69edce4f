package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/coinbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Every
// state transition carries its legal source state in the WHERE clause, so
// a racing writer loses with zero affected rows instead of corrupting the
// row.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given
// connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, name, status, product, size, price,
	buy_order_id, sell_order_id,
	buy_fill_price, buy_fees, sell_fill_price, sell_fees, result,
	take_profit, stop_loss, close_at_time,
	create_time, close_time`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.Name, &status, &p.Product, &p.Size, &p.Price,
		&p.BuyOrderID, &p.SellOrderID,
		&p.BuyFillPrice, &p.BuyFees, &p.SellFillPrice, &p.SellFees, &p.Result,
		&p.TakeProfit, &p.StopLoss, &p.CloseAtTime,
		&p.CreateTime, &p.CloseTime,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// Create inserts a new position in status "new" and returns its id.
func (s *PositionStore) Create(ctx context.Context, name, product string, size, price float64) (int64, error) {
	const query = `
		INSERT INTO positions (status, create_time, name, product, size, price)
		VALUES ('new', NOW(), $1, $2, $3, $4)
		RETURNING id`

	var id int64
	if err := s.pool.QueryRow(ctx, query, name, product, size, price).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: create position %s: %w", name, err)
	}
	return id, nil
}

// Get returns a position by name, or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, name string) (domain.Position, error) {
	query := "SELECT " + positionSelectCols + " FROM positions WHERE name = $1"

	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", name, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", name, err)
	}
	return p, nil
}

// List returns positions matching the filter, ordered by id.
func (s *PositionStore) List(ctx context.Context, filter domain.PositionFilter) ([]domain.Position, error) {
	query := "SELECT " + positionSelectCols + " FROM positions"
	switch filter {
	case domain.PositionFilterNew:
		query += " WHERE status = 'new'"
	case domain.PositionFilterOpen:
		query += " WHERE status = 'open'"
	case domain.PositionFilterClosed:
		query += " WHERE status = 'closed'"
	}
	query += " ORDER BY id"

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	return positions, nil
}

// SetBuyOrder records the buy order id on a new position.
func (s *PositionStore) SetBuyOrder(ctx context.Context, name, orderID string) error {
	const query = `
		UPDATE positions SET buy_order_id = $2
		WHERE name = $1 AND status = 'new'`

	tag, err := s.pool.Exec(ctx, query, name, orderID)
	if err != nil {
		return fmt.Errorf("postgres: set buy order %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, name, "set buy order")
	}
	return nil
}

// SetSellOrder records the sell order id. The conditional update is the
// idempotent submit-guard: only an open position with no pending sell
// accepts it, so the second of two racing submitters gets ErrSellPending.
func (s *PositionStore) SetSellOrder(ctx context.Context, name, orderID string) error {
	const query = `
		UPDATE positions SET sell_order_id = $2
		WHERE name = $1 AND status = 'open' AND sell_order_id IS NULL`

	tag, err := s.pool.Exec(ctx, query, name, orderID)
	if err != nil {
		return fmt.Errorf("postgres: set sell order %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		p, getErr := s.Get(ctx, name)
		if getErr != nil {
			return getErr
		}
		if p.Status == domain.PositionStatusOpen && p.SellPending() {
			return fmt.Errorf("postgres: position %s: %w", name, domain.ErrSellPending)
		}
		return fmt.Errorf("postgres: position %s in status %s: %w", name, p.Status, domain.ErrIllegalTransition)
	}
	return nil
}

// ClearSellOrder detaches a canceled sell so the position can be sold
// again.
func (s *PositionStore) ClearSellOrder(ctx context.Context, name string) error {
	const query = `
		UPDATE positions SET sell_order_id = NULL
		WHERE name = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("postgres: clear sell order %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, name, "clear sell order")
	}
	return nil
}

// MarkOpen transitions new -> open, replacing the nominal entry terms with
// the actual fill.
func (s *PositionStore) MarkOpen(ctx context.Context, name string, size, fillPrice, fees float64) error {
	const query = `
		UPDATE positions SET
			status = 'open',
			size = $2,
			price = $3,
			buy_fill_price = $3,
			buy_fees = $4
		WHERE name = $1 AND status = 'new'`

	tag, err := s.pool.Exec(ctx, query, name, size, fillPrice, fees)
	if err != nil {
		return fmt.Errorf("postgres: mark open %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, name, "mark open")
	}
	return nil
}

// MarkClosed transitions open -> closed with the sell fill and net result.
func (s *PositionStore) MarkClosed(ctx context.Context, name string, fillPrice, fees, result float64) error {
	const query = `
		UPDATE positions SET
			status = 'closed',
			sell_fill_price = $2,
			sell_fees = $3,
			result = $4,
			close_time = NOW()
		WHERE name = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, name, fillPrice, fees, result)
	if err != nil {
		return fmt.Errorf("postgres: mark closed %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, name, "mark closed")
	}
	return nil
}

// MarkCanceled transitions new -> canceled after the buy order was
// canceled before filling.
func (s *PositionStore) MarkCanceled(ctx context.Context, name string) error {
	const query = `
		UPDATE positions SET status = 'canceled', close_time = NOW()
		WHERE name = $1 AND status = 'new'`

	tag, err := s.pool.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("postgres: mark canceled %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, name, "mark canceled")
	}
	return nil
}

// MarkAborted transitions new -> aborted for an orphan row with no live
// order behind it.
func (s *PositionStore) MarkAborted(ctx context.Context, name string) error {
	const query = `
		UPDATE positions SET status = 'aborted', close_time = NOW()
		WHERE name = $1 AND status = 'new'`

	tag, err := s.pool.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("postgres: mark aborted %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, name, "mark aborted")
	}
	return nil
}

// AdjustTriggers sets or clears the exit triggers named by upd, leaving
// untouched fields alone. Runs in one transaction so a partial adjust is
// never visible.
func (s *PositionStore) AdjustTriggers(ctx context.Context, name string, upd domain.TriggerUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: adjust triggers %s: begin: %w", name, err)
	}
	defer tx.Rollback(ctx)

	var touched bool

	if upd.TakeProfit != nil || upd.ClearTakeProfit {
		var v *float64
		if !upd.ClearTakeProfit {
			v = upd.TakeProfit
		}
		if _, err := tx.Exec(ctx, "UPDATE positions SET take_profit = $2 WHERE name = $1", name, v); err != nil {
			return fmt.Errorf("postgres: adjust take_profit %s: %w", name, err)
		}
		touched = true
	}

	if upd.StopLoss != nil || upd.ClearStopLoss {
		var v *float64
		if !upd.ClearStopLoss {
			v = upd.StopLoss
		}
		if _, err := tx.Exec(ctx, "UPDATE positions SET stop_loss = $2 WHERE name = $1", name, v); err != nil {
			return fmt.Errorf("postgres: adjust stop_loss %s: %w", name, err)
		}
		touched = true
	}

	if upd.CloseAtTime != nil || upd.ClearCloseAtTime {
		var v any
		if !upd.ClearCloseAtTime {
			v = *upd.CloseAtTime
		}
		if _, err := tx.Exec(ctx, "UPDATE positions SET close_at_time = $2 WHERE name = $1", name, v); err != nil {
			return fmt.Errorf("postgres: adjust close_at_time %s: %w", name, err)
		}
		touched = true
	}

	if !touched {
		return nil
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: adjust triggers %s: commit: %w", name, err)
	}
	return nil
}

// transitionFailure distinguishes a missing row from an illegal source
// state after a guarded update touched zero rows.
func (s *PositionStore) transitionFailure(ctx context.Context, name, op string) error {
	p, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	return fmt.Errorf("postgres: %s: position %s in status %s: %w", op, name, p.Status, domain.ErrIllegalTransition)
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
