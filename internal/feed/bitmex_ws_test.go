package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

type memPriceCache struct {
	mu    sync.Mutex
	marks map[string]float64
}

func (c *memPriceCache) SetMark(_ context.Context, venue, symbol string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.marks == nil {
		c.marks = make(map[string]float64)
	}
	c.marks[venue+":"+symbol] = price
	return nil
}

func (c *memPriceCache) GetMark(_ context.Context, venue, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.marks[venue+":"+symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFeedRejectsUnknownSymbol(t *testing.T) {
	if _, err := NewBitmexMarkFeed("", []string{"DOGE"}, &memPriceCache{}, testLogger()); err == nil {
		t.Fatal("expected error for unlisted symbol")
	}
}

func TestFeedCachesInstrumentUpdates(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Expect the subscribe command first.
		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub["op"] != "subscribe" {
			t.Errorf("op = %v, want subscribe", sub["op"])
		}

		update := `{"table":"instrument","action":"update","data":[{"symbol":"SOLUSDT","markPrice":201.5,"timestamp":"2026-08-23T10:00:00.000Z"}]}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(update)); err != nil {
			t.Errorf("write update: %v", err)
		}
		// Give the client a moment to process before the close tears it down.
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	cache := &memPriceCache{}
	f, err := NewBitmexMarkFeed(wsURL, []string{"SOL"}, cache, testLogger())
	if err != nil {
		t.Fatalf("NewBitmexMarkFeed() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = f.runConnection(ctx) // returns when the server closes the connection

	price, _, err := cache.GetMark(context.Background(), "bitmex", "SOL")
	if err != nil {
		t.Fatalf("GetMark() error: %v", err)
	}
	if price != 201.5 {
		t.Fatalf("cached mark = %v, want 201.5", price)
	}
}
