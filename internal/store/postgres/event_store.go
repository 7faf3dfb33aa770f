package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// EventStore implements domain.ExecutionEventStore using PostgreSQL. Rows are
// append-only; the archiver drains old rows to cold storage.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts one execution event.
func (s *EventStore) Append(ctx context.Context, ev domain.ExecutionEvent) error {
	var detail any
	if len(ev.Detail) > 0 {
		data, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("postgres: marshal event detail: %w", err)
		}
		detail = data
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_events (id, bot_id, attempt_id, kind, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.BotID, ev.AttemptID, ev.Kind, detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", ev.ID, err)
	}
	return nil
}

// ListBefore returns events created before the cutoff, oldest first.
func (s *EventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bot_id, attempt_id, kind, detail, created_at
		 FROM execution_events
		 WHERE created_at < $1
		 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []domain.ExecutionEvent
	for rows.Next() {
		var ev domain.ExecutionEvent
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.BotID, &ev.AttemptID, &ev.Kind, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("postgres: decode event detail %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteBefore removes archived events and returns the deleted count.
func (s *EventStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM execution_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}
