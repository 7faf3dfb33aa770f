// Package scanner finds bots marked ready and claims them for execution.
// A claim is the conditional ready->opening transition in the bot store,
// fenced by a short-TTL distributed lock so two openers never work the same
// bot even when store writes race.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// ClaimedBot is a bot this process won. Release frees the distributed lock
// and must be called when the opening attempt finishes, whatever the outcome.
type ClaimedBot struct {
	Bot     domain.BotConfig
	release func()
}

// Release frees the claim's lock. Safe to call more than once.
func (c *ClaimedBot) Release() {
	if c.release != nil {
		c.release()
	}
}

// Scanner polls the bot store for ready bots and claims them.
type Scanner struct {
	bots    domain.BotStore
	locks   domain.LockManager
	lockTTL time.Duration
	logger  *slog.Logger
}

// New creates a Scanner. The lock TTL bounds how long a crashed opener can
// keep a bot fenced; it should comfortably exceed one opening attempt.
func New(bots domain.BotStore, locks domain.LockManager, lockTTL time.Duration, logger *slog.Logger) *Scanner {
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Scanner{bots: bots, locks: locks, lockTTL: lockTTL, logger: logger}
}

// Scan lists ready bots and attempts to claim each. Bots another opener got
// to first (lock held or claim lost) are skipped silently; the claim race is
// normal operation, not an error. Invalid records are skipped with a warning
// so one bad row never stalls the cycle.
func (s *Scanner) Scan(ctx context.Context) ([]*ClaimedBot, error) {
	ready, err := s.bots.ListReady(ctx)
	if err != nil {
		return nil, err
	}

	var claimed []*ClaimedBot
	for _, bot := range ready {
		if ctx.Err() != nil {
			releaseAll(claimed)
			return nil, ctx.Err()
		}

		unlock, err := s.locks.Acquire(ctx, "bot:"+bot.ID, s.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				continue
			}
			s.logger.Warn("lock acquire failed", "bot_id", bot.ID, "error", err)
			continue
		}

		snapshot, err := s.bots.Claim(ctx, bot.ID)
		if err != nil {
			unlock()
			if errors.Is(err, domain.ErrClaimLost) {
				continue
			}
			s.logger.Warn("claim failed", "bot_id", bot.ID, "error", err)
			continue
		}

		s.logger.Info("bot claimed", "bot_id", snapshot.ID, "user_id", snapshot.UserID, "symbol", snapshot.Symbol)
		claimed = append(claimed, &ClaimedBot{Bot: snapshot, release: unlock})
	}
	return claimed, nil
}

func releaseAll(claimed []*ClaimedBot) {
	for _, c := range claimed {
		c.Release()
	}
}
