// Package exchange defines the uniform capability contract the opener uses
// against each derivatives venue and implements it for Bitfinex and BitMEX.
// Per-venue quirks (symbols, contract multipliers, leverage handling, auth
// schemes) stay behind this interface.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// Venue is the capability set the orchestrator needs. Every call may fail
// with domain.ErrAuth, domain.ErrRateLimited, domain.ErrNetwork or
// domain.ErrRejected; callers must never assume an order succeeded without
// explicit confirmation.
type Venue interface {
	Name() string

	// PlaceMarketOrder submits a market order sized in the instrument's base
	// units. Leverage is applied according to the venue's own convention.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, size float64, leverage int) (domain.OrderResult, error)

	// GetMarkPrice returns the venue's current mark for the symbol.
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// GetPosition returns the open position for symbol, or nil when flat.
	// Used by the reconciliation read after an unknown outcome.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ClosePosition flattens the open position for symbol with a market
	// order. A no-op success when already flat.
	ClosePosition(ctx context.Context, symbol string) (domain.OrderResult, error)

	// GetBalance returns the USDT-equivalent balance usable for derivatives
	// trading.
	GetBalance(ctx context.Context) (float64, error)
}

// Credential is the minimal view of a decrypted vault handle the clients
// need. Byte slices alias the handle's backing arrays and are wiped by the
// orchestrator at the end of the attempt.
type Credential interface {
	APIKey() []byte
	APISecret() []byte
}

// Config carries venue endpoints, overridable for tests and sandboxes.
type Config struct {
	BitfinexBaseURL string
	BitmexBaseURL   string
	HTTPTimeout     time.Duration
}

// Supported venue names.
const (
	VenueBitfinex = "bitfinex"
	VenueBitmex   = "bitmex"
)

// Factory builds authenticated venue clients for one opening attempt.
type Factory interface {
	New(name string, creds Credential) (Venue, error)
}

// ClientFactory is the production Factory over the real REST clients.
type ClientFactory struct {
	cfg Config
}

// NewFactory creates a ClientFactory with the given endpoint configuration.
func NewFactory(cfg Config) *ClientFactory {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &ClientFactory{cfg: cfg}
}

// New returns an authenticated client for the named venue.
func (f *ClientFactory) New(name string, creds Credential) (Venue, error) {
	httpClient := &http.Client{Timeout: f.cfg.HTTPTimeout}
	switch name {
	case VenueBitfinex:
		return newBitfinex(f.cfg.BitfinexBaseURL, creds, httpClient), nil
	case VenueBitmex:
		return newBitmex(f.cfg.BitmexBaseURL, creds, httpClient), nil
	default:
		return nil, fmt.Errorf("exchange: unsupported venue %q", name)
	}
}
