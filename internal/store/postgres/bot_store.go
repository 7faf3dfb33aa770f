package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// BotStore implements domain.BotStore using PostgreSQL.
type BotStore struct {
	pool *pgxpool.Pool
}

// NewBotStore creates a BotStore backed by the given connection pool.
func NewBotStore(pool *pgxpool.Pool) *BotStore {
	return &BotStore{pool: pool}
}

const botSelectCols = `id, user_id, long_venue, short_venue, symbol,
	capital_usdt, leverage, stop_loss_pct, state, created_at, updated_at`

func scanBotRow(row pgx.Row) (domain.BotConfig, error) {
	var b domain.BotConfig
	var state string
	err := row.Scan(
		&b.ID, &b.UserID, &b.LongVenue, &b.ShortVenue, &b.Symbol,
		&b.CapitalUSDT, &b.Leverage, &b.StopLossPct, &state,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return domain.BotConfig{}, err
	}
	b.State = domain.BotState(state)
	return b, nil
}

// ListReady returns bots in the ready state, oldest first.
func (s *BotStore) ListReady(ctx context.Context) ([]domain.BotConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+botSelectCols+` FROM bots
		 WHERE state = 'ready'
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ready bots: %w", err)
	}
	defer rows.Close()

	var bots []domain.BotConfig
	for rows.Next() {
		b, err := scanBotRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan ready bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// Claim transitions a bot from ready to opening in one conditional update.
// The WHERE state = 'ready' clause makes the claim atomic across openers: the
// loser's update matches zero rows and surfaces as ErrClaimLost.
func (s *BotStore) Claim(ctx context.Context, botID string) (domain.BotConfig, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE bots SET state = 'opening', updated_at = NOW()
		 WHERE id = $1 AND state = 'ready'
		 RETURNING `+botSelectCols, botID)

	b, err := scanBotRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BotConfig{}, fmt.Errorf("%w: bot %s", domain.ErrClaimLost, botID)
		}
		return domain.BotConfig{}, fmt.Errorf("postgres: claim bot %s: %w", botID, err)
	}
	return b, nil
}

// Get returns the current bot record.
func (s *BotStore) Get(ctx context.Context, botID string) (domain.BotConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+botSelectCols+` FROM bots WHERE id = $1`, botID)

	b, err := scanBotRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BotConfig{}, domain.ErrNotFound
		}
		return domain.BotConfig{}, fmt.Errorf("postgres: get bot %s: %w", botID, err)
	}
	return b, nil
}

// UpdateStatus persists a state transition with its reason and leg results.
// The write is keyed by bot id, so retried deliveries overwrite idempotently.
func (s *BotStore) UpdateStatus(ctx context.Context, status domain.BotStatus) error {
	var legs any
	if len(status.Legs) > 0 {
		data, err := json.Marshal(status.Legs)
		if err != nil {
			return fmt.Errorf("postgres: marshal legs for bot %s: %w", status.BotID, err)
		}
		legs = data
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE bots SET
			state               = $2,
			reason              = $3,
			legs                = $4,
			unbalanced_exposure = $5,
			updated_at          = NOW()
		 WHERE id = $1`,
		status.BotID, string(status.State), status.Reason, legs, status.UnbalancedExposure)
	if err != nil {
		return fmt.Errorf("postgres: update status for bot %s: %w", status.BotID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
