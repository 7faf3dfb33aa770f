// Package feed streams venue mark prices into the shared price cache so the
// orchestrator's reference-price read is fast and rate-limit free. The cache
// entries carry a TTL; when the feed dies the opener degrades to REST reads.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fosburyalpha/fundingarb/internal/domain"
	"github.com/fosburyalpha/fundingarb/internal/exchange"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before reconnecting.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential reconnect backoff.
	maxReconnectDelay = 60 * time.Second
)

const defaultBitmexWSURL = "wss://ws.bitmex.com/realtime"

// BitmexMarkFeed subscribes to the BitMEX instrument stream and writes each
// mark-price update to the price cache under the generic symbol name.
type BitmexMarkFeed struct {
	wsURL string
	// generic maps the venue contract symbol back to the generic name.
	generic map[string]string
	subs    []string
	cache   domain.PriceCache
	logger  *slog.Logger
}

// NewBitmexMarkFeed creates a feed for the given generic symbols ("SOL").
// Symbols the venue does not list are rejected at construction.
func NewBitmexMarkFeed(wsURL string, symbols []string, cache domain.PriceCache, logger *slog.Logger) (*BitmexMarkFeed, error) {
	if wsURL == "" {
		wsURL = defaultBitmexWSURL
	}

	generic := make(map[string]string, len(symbols))
	subs := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		venueSym, ok := exchange.BitmexSymbol(sym)
		if !ok {
			return nil, fmt.Errorf("feed: bitmex has no instrument for %q", sym)
		}
		generic[venueSym] = sym
		subs = append(subs, "instrument:"+venueSym)
	}

	return &BitmexMarkFeed{
		wsURL:   wsURL,
		generic: generic,
		subs:    subs,
		cache:   cache,
		logger:  logger.With(slog.String("component", "bitmex_mark_feed")),
	}, nil
}

// Run connects, subscribes, and streams until the context is cancelled.
// Disconnects reconnect with exponential backoff.
func (f *BitmexMarkFeed) Run(ctx context.Context) error {
	if len(f.subs) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("bitmex ws disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

type instrumentMsg struct {
	Table  string `json:"table"`
	Action string `json:"action"`
	Data   []struct {
		Symbol    string    `json:"symbol"`
		MarkPrice float64   `json:"markPrice"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"data"`
}

func (f *BitmexMarkFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sub := map[string]any{"op": "subscribe", "args": f.subs}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("bitmex ws subscribed", slog.Int("instruments", len(f.subs)))

	// Close the connection when the context ends so ReadMessage unblocks,
	// and keep the server-side idle timer fed with pings.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}

		var msg instrumentMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Table != "instrument" {
			continue
		}
		for _, row := range msg.Data {
			generic, ok := f.generic[row.Symbol]
			if !ok || row.MarkPrice <= 0 {
				continue
			}
			ts := row.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			if err := f.cache.SetMark(ctx, exchange.VenueBitmex, generic, row.MarkPrice, ts); err != nil {
				f.logger.Warn("mark cache write failed",
					slog.String("symbol", generic),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
