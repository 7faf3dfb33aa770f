package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

const defaultBitmexBaseURL = "https://www.bitmex.com"

// bitmexInstrument carries the per-contract quirks BitMEX bakes into each
// listing: orders are sized in contracts, not base units.
type bitmexInstrument struct {
	symbol     string
	multiplier float64 // contracts per one base unit
	lotSize    float64 // order quantity granularity, in contracts
	minOrder   float64 // smallest accepted order, in contracts
}

var bitmexInstruments = map[string]bitmexInstrument{
	"SOL": {symbol: "SOLUSDT", multiplier: 10000, lotSize: 100, minOrder: 1000},
	"ETH": {symbol: "ETHUSDT", multiplier: 100, lotSize: 100, minOrder: 1000},
	"BTC": {symbol: "XBTUSDT", multiplier: 1e6, lotSize: 100, minOrder: 100},
}

// BitmexSymbol returns the venue's contract symbol for a generic instrument
// name, for callers that speak to the venue outside this client (the
// websocket mark feed).
func BitmexSymbol(generic string) (string, bool) {
	inst, ok := bitmexInstruments[generic]
	return inst.symbol, ok
}

// Bitmex is the REST client. Authenticated requests carry api-expires,
// api-key and api-signature headers; the signature is HMAC-SHA256 over
// verb + path + expires + body.
type Bitmex struct {
	baseURL    string
	creds      Credential
	httpClient *http.Client
}

func newBitmex(baseURL string, creds Credential, httpClient *http.Client) *Bitmex {
	if baseURL == "" {
		baseURL = defaultBitmexBaseURL
	}
	return &Bitmex{baseURL: baseURL, creds: creds, httpClient: httpClient}
}

// Name returns the venue identifier.
func (b *Bitmex) Name() string { return VenueBitmex }

func (b *Bitmex) instrument(generic string) (bitmexInstrument, error) {
	inst, ok := bitmexInstruments[generic]
	if !ok {
		return bitmexInstrument{}, fmt.Errorf("%w: bitmex has no perpetual for %q", domain.ErrRejected, generic)
	}
	return inst, nil
}

// toContracts converts a base-unit size to an order quantity in contracts,
// floored to the lot grid. Flooring only: rounding up could exceed the
// allocated capital. Sizes below the venue minimum are rejected rather than
// bumped up for the same reason.
func (inst bitmexInstrument) toContracts(size float64) (float64, error) {
	contracts := math.Floor(size*inst.multiplier/inst.lotSize) * inst.lotSize
	if contracts < inst.minOrder {
		return 0, fmt.Errorf("%w: %.0f contracts below bitmex minimum %.0f for %s",
			domain.ErrInsufficientSize, contracts, inst.minOrder, inst.symbol)
	}
	return contracts, nil
}

// GetMarkPrice reads the instrument's markPrice field.
func (b *Bitmex) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	inst, err := b.instrument(symbol)
	if err != nil {
		return 0, err
	}

	q := url.Values{"symbol": {inst.symbol}}
	body, err := b.do(ctx, http.MethodGet, "/api/v1/instrument", q, nil, false)
	if err != nil {
		return 0, fmt.Errorf("bitmex: get instrument %s: %w", inst.symbol, err)
	}

	var rows []struct {
		Symbol    string  `json:"symbol"`
		MarkPrice float64 `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, fmt.Errorf("bitmex: decode instrument: %w", err)
	}
	for _, row := range rows {
		if row.Symbol == inst.symbol && row.MarkPrice > 0 {
			return row.MarkPrice, nil
		}
	}
	return 0, fmt.Errorf("%w: bitmex instrument %s has no mark price", domain.ErrRejected, inst.symbol)
}

// PlaceMarketOrder sets isolated leverage on the position, then submits a
// market order sized in contracts. A leverage-set failure is fatal here:
// opening with the wrong leverage would break the liquidation math.
func (b *Bitmex) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, size float64, leverage int) (domain.OrderResult, error) {
	inst, err := b.instrument(symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}
	contracts, err := inst.toContracts(size)
	if err != nil {
		return domain.OrderResult{}, err
	}

	if leverage > 0 {
		if err := b.setLeverage(ctx, inst.symbol, leverage); err != nil {
			return domain.OrderResult{}, fmt.Errorf("bitmex: set leverage: %w", err)
		}
	}

	payload := map[string]any{
		"symbol":   inst.symbol,
		"side":     bitmexSide(side),
		"orderQty": contracts,
		"ordType":  "Market",
	}
	body, err := b.do(ctx, http.MethodPost, "/api/v1/order", nil, payload, true)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("bitmex: submit order: %w", err)
	}

	var order struct {
		OrderID   string  `json:"orderID"`
		OrderQty  float64 `json:"orderQty"`
		CumQty    float64 `json:"cumQty"`
		AvgPx     float64 `json:"avgPx"`
		OrdStatus string  `json:"ordStatus"`
		Text      string  `json:"text"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return domain.OrderResult{}, fmt.Errorf("bitmex: decode order response: %w", err)
	}
	if order.OrdStatus == "Rejected" || order.OrdStatus == "Canceled" {
		return domain.OrderResult{}, fmt.Errorf("%w: bitmex order %s %s: %s",
			domain.ErrRejected, order.OrderID, order.OrdStatus, order.Text)
	}

	filled := order.CumQty / inst.multiplier
	if order.CumQty == 0 && order.OrdStatus == "Filled" {
		filled = contracts / inst.multiplier
	}
	return domain.OrderResult{
		OrderID:    order.OrderID,
		Symbol:     symbol,
		Side:       side,
		Requested:  contracts / inst.multiplier,
		Filled:     filled,
		AvgPrice:   order.AvgPx,
		SubmitTime: time.Now().UTC(),
	}, nil
}

// GetPosition returns the open position for symbol, or nil when flat.
func (b *Bitmex) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	inst, err := b.instrument(symbol)
	if err != nil {
		return nil, err
	}

	filter, _ := json.Marshal(map[string]string{"symbol": inst.symbol})
	q := url.Values{"filter": {string(filter)}}
	body, err := b.do(ctx, http.MethodGet, "/api/v1/position", q, nil, true)
	if err != nil {
		return nil, fmt.Errorf("bitmex: get position %s: %w", inst.symbol, err)
	}

	var rows []struct {
		Symbol           string  `json:"symbol"`
		CurrentQty       float64 `json:"currentQty"`
		AvgEntryPrice    float64 `json:"avgEntryPrice"`
		LiquidationPrice float64 `json:"liquidationPrice"`
		Leverage         float64 `json:"leverage"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("bitmex: decode positions: %w", err)
	}

	for _, row := range rows {
		if row.Symbol != inst.symbol || row.CurrentQty == 0 {
			continue
		}
		posSide := "long"
		if row.CurrentQty < 0 {
			posSide = "short"
		}
		return &domain.Position{
			Venue:            VenueBitmex,
			Symbol:           symbol,
			Side:             posSide,
			Size:             math.Abs(row.CurrentQty) / inst.multiplier,
			EntryPrice:       row.AvgEntryPrice,
			LiquidationPrice: row.LiquidationPrice,
			Leverage:         int(row.Leverage),
			Status:           "open",
		}, nil
	}
	return nil, nil
}

// ClosePosition flattens the current position using the execInst=Close
// market order, which closes whatever quantity is open without needing a
// separate position read.
func (b *Bitmex) ClosePosition(ctx context.Context, symbol string) (domain.OrderResult, error) {
	inst, err := b.instrument(symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}

	pos, err := b.GetPosition(ctx, symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if pos == nil {
		return domain.OrderResult{Symbol: symbol, SubmitTime: time.Now().UTC()}, nil
	}

	payload := map[string]any{
		"symbol":   inst.symbol,
		"ordType":  "Market",
		"execInst": "Close",
	}
	body, err := b.do(ctx, http.MethodPost, "/api/v1/order", nil, payload, true)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("bitmex: close position: %w", err)
	}

	var order struct {
		OrderID string  `json:"orderID"`
		CumQty  float64 `json:"cumQty"`
		AvgPx   float64 `json:"avgPx"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return domain.OrderResult{}, fmt.Errorf("bitmex: decode close response: %w", err)
	}

	side := domain.OrderSideSell
	if pos.Side == "short" {
		side = domain.OrderSideBuy
	}
	return domain.OrderResult{
		OrderID:    order.OrderID,
		Symbol:     symbol,
		Side:       side,
		Requested:  pos.Size,
		Filled:     order.CumQty / inst.multiplier,
		AvgPrice:   order.AvgPx,
		SubmitTime: time.Now().UTC(),
	}, nil
}

// GetBalance returns the available USDT margin. BitMEX reports USDt amounts
// in millionths.
func (b *Bitmex) GetBalance(ctx context.Context) (float64, error) {
	q := url.Values{"currency": {"USDt"}}
	body, err := b.do(ctx, http.MethodGet, "/api/v1/user/margin", q, nil, true)
	if err != nil {
		return 0, fmt.Errorf("bitmex: get margin: %w", err)
	}

	var margin struct {
		AvailableMargin float64 `json:"availableMargin"`
	}
	if err := json.Unmarshal(body, &margin); err != nil {
		return 0, fmt.Errorf("bitmex: decode margin: %w", err)
	}
	return margin.AvailableMargin / 1e6, nil
}

func (b *Bitmex) setLeverage(ctx context.Context, venueSymbol string, leverage int) error {
	payload := map[string]any{"symbol": venueSymbol, "leverage": leverage}
	_, err := b.do(ctx, http.MethodPost, "/api/v1/position/leverage", nil, payload, true)
	return err
}

func bitmexSide(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func (b *Bitmex) do(ctx context.Context, method, path string, query url.Values, payload any, signed bool) ([]byte, error) {
	fullPath := path
	if len(query) > 0 {
		fullPath += "?" + query.Encode()
	}

	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+fullPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed {
		expires := strconv.FormatInt(time.Now().Add(30*time.Second).Unix(), 10)
		mac := hmac.New(sha256.New, b.creds.APISecret())
		mac.Write([]byte(method + fullPath + expires))
		mac.Write(bodyBytes)
		req.Header.Set("api-expires", expires)
		req.Header.Set("api-key", string(b.creds.APIKey()))
		req.Header.Set("api-signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(VenueBitmex, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classifyTransport(VenueBitmex, err)
	}
	if clsErr := classifyStatus(VenueBitmex, resp.StatusCode, string(body)); clsErr != nil {
		return nil, clsErr
	}
	return body, nil
}

// Compile-time interface check.
var _ Venue = (*Bitmex)(nil)
