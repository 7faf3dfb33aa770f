package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each mark is a
// hash at "mark:{venue}:{symbol}" with fields "price" and "ts" (Unix
// nanoseconds), written by the feed and read by the opener as the fast path
// before falling back to a REST read.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. Entries expire after ttl so a dead feed
// degrades to the REST fallback instead of serving stale marks.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func markKey(venue, symbol string) string {
	return "mark:" + venue + ":" + symbol
}

// SetMark stores the latest mark price for (venue, symbol).
func (pc *PriceCache) SetMark(ctx context.Context, venue, symbol string, price float64, ts time.Time) error {
	key := markKey(venue, symbol)
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}

	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, pc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set mark %s/%s: %w", venue, symbol, err)
	}
	return nil
}

// GetMark retrieves the latest mark price for (venue, symbol). It returns
// domain.ErrNotFound when no fresh mark exists.
func (pc *PriceCache) GetMark(ctx context.Context, venue, symbol string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, markKey(venue, symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get mark %s/%s: %w", venue, symbol, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse mark %s/%s: %w", venue, symbol, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse mark ts %s/%s: %w", venue, symbol, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
