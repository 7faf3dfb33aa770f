package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Create inserts a filled leg as an open position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, bot_id, user_id, venue, symbol, side,
			size, entry_price, leverage, liquidation_price,
			order_id, status, opened_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.BotID, p.UserID, p.Venue, p.Symbol, p.Side,
		p.Size, p.EntryPrice, p.Leverage, p.LiquidationPrice,
		p.OrderID, p.Status, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Close marks an open position as closed.
func (s *PositionStore) Close(ctx context.Context, id string, closedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = 'closed', closed_at = $2
		 WHERE id = $1 AND status = 'open'`, id, closedAt)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOpenByBot returns the open positions recorded for a bot.
func (s *PositionStore) ListOpenByBot(ctx context.Context, botID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bot_id, user_id, venue, symbol, side,
			size, entry_price, leverage, liquidation_price,
			order_id, status, opened_at, closed_at
		 FROM positions
		 WHERE bot_id = $1 AND status = 'open'
		 ORDER BY opened_at ASC`, botID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions for bot %s: %w", botID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(
			&p.ID, &p.BotID, &p.UserID, &p.Venue, &p.Symbol, &p.Side,
			&p.Size, &p.EntryPrice, &p.Leverage, &p.LiquidationPrice,
			&p.OrderID, &p.Status, &p.OpenedAt, &p.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
