package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

const defaultBitfinexBaseURL = "https://api.bitfinex.com"

// bitfinexSymbols maps the generic instrument name to the venue's perpetual
// contract symbol.
var bitfinexSymbols = map[string]string{
	"SOL": "tSOLF0:USTF0",
	"BTC": "tBTCF0:USTF0",
	"ETH": "tETHF0:USTF0",
}

// Bitfinex settles derivatives in these wallet currencies; balances across
// all of them count toward tradable capital.
var bitfinexCurrencies = map[string]bool{"USTF0": true, "UST": true, "USDT": true}

// Bitfinex is the v2 REST client. Authenticated endpoints are signed with
// HMAC-SHA384 over "/api" + path + nonce + body.
type Bitfinex struct {
	baseURL    string
	creds      Credential
	httpClient *http.Client
}

func newBitfinex(baseURL string, creds Credential, httpClient *http.Client) *Bitfinex {
	if baseURL == "" {
		baseURL = defaultBitfinexBaseURL
	}
	return &Bitfinex{baseURL: baseURL, creds: creds, httpClient: httpClient}
}

// Name returns the venue identifier.
func (b *Bitfinex) Name() string { return VenueBitfinex }

func (b *Bitfinex) symbol(generic string) (string, error) {
	s, ok := bitfinexSymbols[generic]
	if !ok {
		return "", fmt.Errorf("%w: bitfinex has no perpetual for %q", domain.ErrRejected, generic)
	}
	return s, nil
}

// GetMarkPrice reads the public ticker; LAST_PRICE is index 6 of the array.
func (b *Bitfinex) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	sym, err := b.symbol(symbol)
	if err != nil {
		return 0, err
	}

	body, err := b.doPublic(ctx, "/v2/ticker/"+sym)
	if err != nil {
		return 0, fmt.Errorf("bitfinex: get ticker %s: %w", sym, err)
	}

	var ticker []float64
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("bitfinex: decode ticker: %w", err)
	}
	if len(ticker) < 7 || ticker[6] <= 0 {
		return 0, fmt.Errorf("%w: bitfinex ticker %s has no last price", domain.ErrRejected, sym)
	}
	return ticker[6], nil
}

// PlaceMarketOrder submits a MARKET order on the derivatives book. Bitfinex
// encodes the side in the sign of the amount and takes leverage as the "lev"
// parameter, clamped to the venue's 1..100 range.
func (b *Bitfinex) PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, size float64, leverage int) (domain.OrderResult, error) {
	sym, err := b.symbol(symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}

	amount := size
	if side == domain.OrderSideSell {
		amount = -size
	}
	lev := leverage
	if lev < 1 {
		lev = 1
	}
	if lev > 100 {
		lev = 100
	}

	payload := map[string]any{
		"type":   "MARKET",
		"symbol": sym,
		"amount": strconv.FormatFloat(amount, 'f', -1, 64),
		"lev":    lev,
	}

	body, err := b.doSigned(ctx, "v2/auth/w/order/submit", payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("bitfinex: submit order: %w", err)
	}

	// Notification layout: [MTS, TYPE, MESSAGE_ID, null, [[order...]], CODE, STATUS, TEXT].
	var notif []json.RawMessage
	if err := json.Unmarshal(body, &notif); err != nil {
		return domain.OrderResult{}, fmt.Errorf("bitfinex: decode order response: %w", err)
	}
	if len(notif) < 8 {
		return domain.OrderResult{}, fmt.Errorf("%w: bitfinex order notification too short", domain.ErrRejected)
	}

	var status string
	if err := json.Unmarshal(notif[6], &status); err != nil || status != "SUCCESS" {
		var text string
		_ = json.Unmarshal(notif[7], &text)
		return domain.OrderResult{}, fmt.Errorf("%w: bitfinex order status %q: %s", domain.ErrRejected, status, text)
	}

	var orders [][]json.RawMessage
	if err := json.Unmarshal(notif[4], &orders); err != nil || len(orders) == 0 || len(orders[0]) < 1 {
		return domain.OrderResult{}, fmt.Errorf("bitfinex: order notification missing order data")
	}

	var orderID int64
	if err := json.Unmarshal(orders[0][0], &orderID); err != nil {
		return domain.OrderResult{}, fmt.Errorf("bitfinex: decode order id: %w", err)
	}

	// The submit notification only confirms acceptance. The executed amount
	// comes from the order's trades; a failed read here leaves the outcome
	// unknown and classifies accordingly.
	filled, avgPrice, err := b.confirmExecution(ctx, sym, orderID)
	if err != nil {
		return domain.OrderResult{}, err
	}

	return domain.OrderResult{
		OrderID:    strconv.FormatInt(orderID, 10),
		Symbol:     symbol,
		Side:       side,
		Requested:  size,
		Filled:     filled,
		AvgPrice:   avgPrice,
		SubmitTime: time.Now().UTC(),
	}, nil
}

// confirmExecution sums the executed amounts of the order's trades. Rows:
// [ID, PAIR, MTS_CREATE, ORDER_ID, EXEC_AMOUNT, EXEC_PRICE, ...].
func (b *Bitfinex) confirmExecution(ctx context.Context, sym string, orderID int64) (float64, float64, error) {
	path := fmt.Sprintf("v2/auth/r/order/%s:%d/trades", sym, orderID)
	body, err := b.doSigned(ctx, path, map[string]any{})
	if err != nil {
		return 0, 0, fmt.Errorf("bitfinex: read order trades: %w", err)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, 0, fmt.Errorf("bitfinex: decode order trades: %w", err)
	}

	var filled, notional float64
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var amount, price float64
		_ = json.Unmarshal(row[4], &amount)
		_ = json.Unmarshal(row[5], &price)
		filled += math.Abs(amount)
		notional += math.Abs(amount) * price
	}

	avgPrice := 0.0
	if filled > 0 {
		avgPrice = notional / filled
	}
	return filled, avgPrice, nil
}

// GetPosition returns the open derivatives position for symbol, or nil when
// flat. Position rows are arrays: [SYMBOL, STATUS, AMOUNT, BASE_PRICE, ...,
// PRICE_LIQ at index 8, LEVERAGE at index 9].
func (b *Bitfinex) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	sym, err := b.symbol(symbol)
	if err != nil {
		return nil, err
	}

	body, err := b.doSigned(ctx, "v2/auth/r/positions", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("bitfinex: get positions: %w", err)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("bitfinex: decode positions: %w", err)
	}

	for _, row := range rows {
		if len(row) < 10 {
			continue
		}
		var rowSym string
		if err := json.Unmarshal(row[0], &rowSym); err != nil || rowSym != sym {
			continue
		}
		var amount, basePrice, liqPrice float64
		_ = json.Unmarshal(row[2], &amount)
		_ = json.Unmarshal(row[3], &basePrice)
		_ = json.Unmarshal(row[8], &liqPrice)
		if amount == 0 {
			continue
		}

		posSide := "long"
		if amount < 0 {
			posSide = "short"
		}
		return &domain.Position{
			Venue:            VenueBitfinex,
			Symbol:           symbol,
			Side:             posSide,
			Size:             math.Abs(amount),
			EntryPrice:       basePrice,
			LiquidationPrice: liqPrice,
			Status:           "open",
		}, nil
	}
	return nil, nil
}

// ClosePosition flattens the current position with an opposite market order.
func (b *Bitfinex) ClosePosition(ctx context.Context, symbol string) (domain.OrderResult, error) {
	pos, err := b.GetPosition(ctx, symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if pos == nil {
		return domain.OrderResult{Symbol: symbol, SubmitTime: time.Now().UTC()}, nil
	}

	side := domain.OrderSideSell
	if pos.Side == "short" {
		side = domain.OrderSideBuy
	}
	return b.PlaceMarketOrder(ctx, symbol, side, pos.Size, 1)
}

// GetBalance sums the free balances of the derivatives-eligible currencies
// across all wallets. Wallet rows: [WALLET_TYPE, CURRENCY, BALANCE,
// UNSETTLED_INTEREST, AVAILABLE_BALANCE, ...].
func (b *Bitfinex) GetBalance(ctx context.Context) (float64, error) {
	body, err := b.doSigned(ctx, "v2/auth/r/wallets", map[string]any{})
	if err != nil {
		return 0, fmt.Errorf("bitfinex: get wallets: %w", err)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0, fmt.Errorf("bitfinex: decode wallets: %w", err)
	}

	total := 0.0
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		var currency string
		if err := json.Unmarshal(row[1], &currency); err != nil || !bitfinexCurrencies[currency] {
			continue
		}
		var available float64
		if err := json.Unmarshal(row[4], &available); err != nil || available <= 0 {
			continue
		}
		total += available
	}
	return total, nil
}

func (b *Bitfinex) doPublic(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return b.execute(req)
}

func (b *Bitfinex) doSigned(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sigPayload := "/api/" + path + nonce + string(body)

	mac := hmac.New(sha512.New384, b.creds.APISecret())
	mac.Write([]byte(sigPayload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("bfx-nonce", nonce)
	req.Header.Set("bfx-apikey", string(b.creds.APIKey()))
	req.Header.Set("bfx-signature", signature)

	return b.execute(req)
}

func (b *Bitfinex) execute(req *http.Request) ([]byte, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(VenueBitfinex, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classifyTransport(VenueBitfinex, err)
	}
	if clsErr := classifyStatus(VenueBitfinex, resp.StatusCode, string(body)); clsErr != nil {
		return nil, clsErr
	}
	return body, nil
}

// Compile-time interface check.
var _ Venue = (*Bitfinex)(nil)
