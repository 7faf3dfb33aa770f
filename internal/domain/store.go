package domain

import (
	"context"
	"io"
	"time"
)

// BotStore is the external bot-configuration store. It is written by the
// dashboard; the opener only reads records and performs the atomic claim plus
// status transitions.
type BotStore interface {
	// ListReady returns bots whose desired state is ready, oldest first.
	ListReady(ctx context.Context) ([]BotConfig, error)

	// Claim atomically transitions a bot from ready to opening and returns
	// the claimed snapshot. It returns ErrClaimLost when another opener won
	// the race, which callers treat as a silent skip.
	Claim(ctx context.Context, botID string) (BotConfig, error)

	// Get returns the current record, used for the cooperative stop check.
	Get(ctx context.Context, botID string) (BotConfig, error)

	// UpdateStatus persists a state transition together with the last leg
	// results. Writes are idempotent per bot id.
	UpdateStatus(ctx context.Context, status BotStatus) error
}

// CredentialStore returns encrypted API credentials; decryption is the
// vault's job.
type CredentialStore interface {
	Get(ctx context.Context, userID, venue string) (EncryptedCredential, error)
}

// PositionStore persists the legs that actually filled.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Close(ctx context.Context, id string, closedAt time.Time) error
	ListOpenByBot(ctx context.Context, botID string) ([]Position, error)
}

// ExecutionEventStore is the append-only audit trail of opening attempts.
type ExecutionEventStore interface {
	Append(ctx context.Context, ev ExecutionEvent) error
	ListBefore(ctx context.Context, before time.Time) ([]ExecutionEvent, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// PriceCache caches the latest mark price per (venue, symbol).
type PriceCache interface {
	SetMark(ctx context.Context, venue, symbol string, price float64, ts time.Time) error
	GetMark(ctx context.Context, venue, symbol string) (float64, time.Time, error)
}

// LockManager provides a distributed lock used to fence in-flight bot
// executions across opener processes. The conditional claim in BotStore
// remains the source of truth; the lock only bounds the window in which a
// crashed claimer keeps a bot stuck.
type LockManager interface {
	// Acquire returns an unlock func, or ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// BlobWriter uploads archive objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
