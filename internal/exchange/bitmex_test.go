package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

func newTestBitmex(t *testing.T, handler http.Handler) *Bitmex {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	creds := staticCreds{key: []byte("key"), secret: []byte("secret")}
	return newBitmex(srv.URL, creds, &http.Client{Timeout: 5 * time.Second})
}

func TestBitmexPlaceMarketOrder(t *testing.T) {
	var leverageSet bool
	var orderReq map[string]any

	b := newTestBitmex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/position/leverage":
			leverageSet = true
			w.Write([]byte(`{}`))
		case "/api/v1/order":
			if r.Header.Get("api-key") != "key" || r.Header.Get("api-signature") == "" {
				t.Error("order request not signed")
			}
			if err := json.NewDecoder(r.Body).Decode(&orderReq); err != nil {
				t.Errorf("decode order request: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"orderID":   "abc-123",
				"orderQty":  25000,
				"cumQty":    25000,
				"avgPx":     200.5,
				"ordStatus": "Filled",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	res, err := b.PlaceMarketOrder(context.Background(), "SOL", domain.OrderSideSell, 2.5, 10)
	if err != nil {
		t.Fatalf("PlaceMarketOrder() error: %v", err)
	}
	if !leverageSet {
		t.Fatal("leverage was not set before the order")
	}
	if orderReq["side"] != "Sell" || orderReq["ordType"] != "Market" {
		t.Fatalf("unexpected order payload: %v", orderReq)
	}
	if orderReq["orderQty"].(float64) != 25000 {
		t.Fatalf("orderQty = %v, want 25000 contracts", orderReq["orderQty"])
	}
	if res.OrderID != "abc-123" || res.Filled != 2.5 || res.AvgPrice != 200.5 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestBitmexPlaceMarketOrderBelowMinimum(t *testing.T) {
	b := newTestBitmex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the venue")
	}))

	_, err := b.PlaceMarketOrder(context.Background(), "SOL", domain.OrderSideBuy, 0.05, 5)
	if !errors.Is(err, domain.ErrInsufficientSize) {
		t.Fatalf("error = %v, want ErrInsufficientSize", err)
	}
}

func TestBitmexAuthFailureClassifies(t *testing.T) {
	b := newTestBitmex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Invalid API Key"}}`))
	}))

	_, err := b.GetBalance(context.Background())
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
}

func TestBitmexGetPosition(t *testing.T) {
	b := newTestBitmex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{
			"symbol":           "SOLUSDT",
			"currentQty":       -25000,
			"avgEntryPrice":    199.8,
			"liquidationPrice": 260.0,
			"leverage":         10,
		}})
	}))

	pos, err := b.GetPosition(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("GetPosition() error: %v", err)
	}
	if pos == nil {
		t.Fatal("expected a position")
	}
	if pos.Side != "short" || pos.Size != 2.5 || pos.EntryPrice != 199.8 {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestBitmexGetPositionFlat(t *testing.T) {
	b := newTestBitmex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))

	pos, err := b.GetPosition(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("GetPosition() error: %v", err)
	}
	if pos != nil {
		t.Fatalf("expected nil position, got %+v", pos)
	}
}

func TestBitfinexGetMarkPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/ticker/tSOLF0:USTF0" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		// [BID, BID_SIZE, ASK, ASK_SIZE, DAILY_CHANGE, DAILY_CHANGE_REL, LAST_PRICE, ...]
		w.Write([]byte(`[200.1,50,200.3,40,1.2,0.006,200.2,10000,205,195]`))
	}))
	defer srv.Close()

	b := newBitfinex(srv.URL, staticCreds{key: []byte("k"), secret: []byte("s")}, srv.Client())
	price, err := b.GetMarkPrice(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("GetMarkPrice() error: %v", err)
	}
	if price != 200.2 {
		t.Fatalf("price = %v, want 200.2", price)
	}
}

func TestBitfinexPlaceMarketOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("bfx-apikey") != "k" || r.Header.Get("bfx-signature") == "" {
			t.Error("request not signed")
		}
		switch r.URL.Path {
		case "/v2/auth/w/order/submit":
			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode payload: %v", err)
			}
			if payload["amount"] != "25" {
				t.Errorf("amount = %v, want 25", payload["amount"])
			}
			w.Write([]byte(`[1700000000000,"on-req",12345,null,[[98765,null,null,"tSOLF0:USTF0",1700000000000,1700000000000,25,25,"MARKET",null,null,null,0,"ACTIVE",null,null,0,0]],0,"SUCCESS","Submitted"]`))
		case "/v2/auth/r/order/tSOLF0:USTF0:98765/trades":
			// [ID, PAIR, MTS_CREATE, ORDER_ID, EXEC_AMOUNT, EXEC_PRICE, ...]
			w.Write([]byte(`[[111,"tSOLF0:USTF0",1700000000100,98765,15,200.0],[112,"tSOLF0:USTF0",1700000000200,98765,10,200.5]]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	b := newBitfinex(srv.URL, staticCreds{key: []byte("k"), secret: []byte("s")}, srv.Client())
	res, err := b.PlaceMarketOrder(context.Background(), "SOL", domain.OrderSideBuy, 25, 10)
	if err != nil {
		t.Fatalf("PlaceMarketOrder() error: %v", err)
	}
	if res.OrderID != "98765" || res.Filled != 25 {
		t.Fatalf("unexpected result: %+v", res)
	}
	// Volume-weighted across the two executions: (15*200.0 + 10*200.5) / 25.
	if res.AvgPrice != 200.2 {
		t.Fatalf("avg price = %v, want 200.2", res.AvgPrice)
	}
}

func TestBitfinexPlaceMarketOrderReportsExecutedAmount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/auth/w/order/submit":
			w.Write([]byte(`[1700000000000,"on-req",12345,null,[[98765,null,null,"tSOLF0:USTF0",1700000000000,1700000000000,25,25,"MARKET",null,null,null,0,"ACTIVE",null,null,0,0]],0,"SUCCESS","Submitted"]`))
		case "/v2/auth/r/order/tSOLF0:USTF0:98765/trades":
			// Only 20 of the requested 25 executed.
			w.Write([]byte(`[[111,"tSOLF0:USTF0",1700000000100,98765,-20,200.0]]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	b := newBitfinex(srv.URL, staticCreds{key: []byte("k"), secret: []byte("s")}, srv.Client())
	res, err := b.PlaceMarketOrder(context.Background(), "SOL", domain.OrderSideSell, 25, 10)
	if err != nil {
		t.Fatalf("PlaceMarketOrder() error: %v", err)
	}
	if res.Filled != 20 {
		t.Fatalf("filled = %v, want the executed 20, never the requested 25", res.Filled)
	}
}

func TestBitfinexOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1700000000000,"on-req",12345,null,[],0,"ERROR","Invalid order: not enough tradable balance"]`))
	}))
	defer srv.Close()

	b := newBitfinex(srv.URL, staticCreds{key: []byte("k"), secret: []byte("s")}, srv.Client())
	_, err := b.PlaceMarketOrder(context.Background(), "SOL", domain.OrderSideBuy, 25, 10)
	if !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
}

func TestUnknownSymbolRejected(t *testing.T) {
	b := newTestBitmex(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the venue")
	}))
	if _, err := b.GetMarkPrice(context.Background(), "DOGE"); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
}
