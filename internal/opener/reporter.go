package opener

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// Reporter writes status transitions to the bot store with bounded retries.
// The store is keyed by bot id so repeated deliveries overwrite idempotently;
// exhausting the retries only delays observability, never exchange state, so
// the caller logs and proceeds.
type Reporter struct {
	bots    domain.BotStore
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// NewReporter creates a Reporter. retries is the number of extra attempts
// after the first write fails.
func NewReporter(bots domain.BotStore, retries int, backoff time.Duration, logger *slog.Logger) *Reporter {
	if retries < 0 {
		retries = 0
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Reporter{
		bots:    bots,
		retries: retries,
		backoff: backoff,
		logger:  logger.With(slog.String("component", "reporter")),
	}
}

// Report persists the status, retrying transient failures with linear
// backoff.
func (r *Reporter) Report(ctx context.Context, status domain.BotStatus) error {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, r.backoff*time.Duration(attempt)) {
				break
			}
			r.logger.Warn("retrying status write",
				slog.String("bot_id", status.BotID),
				slog.Int("attempt", attempt+1),
			)
		}

		lastErr = r.bots.UpdateStatus(ctx, status)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("opener: report status for bot %s: %w", status.BotID, lastErr)
}
