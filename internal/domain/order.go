package domain

import "time"

// OrderSide indicates whether an order buys or sells the perpetual.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that flattens a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderResult wraps a venue's response after a market-order submission.
type OrderResult struct {
	OrderID    string
	Symbol     string
	Side       OrderSide
	Requested  float64
	Filled     float64
	AvgPrice   float64
	SubmitTime time.Time
}

// Position is an open derivatives position as reported by one venue, or as
// persisted after a successful leg.
type Position struct {
	ID               string
	BotID            string
	UserID           string
	Venue            string
	Symbol           string
	Side             string // "long" or "short"
	Size             float64
	EntryPrice       float64
	Leverage         int
	LiquidationPrice float64
	OrderID          string
	Status           string // "open" or "closed"
	OpenedAt         time.Time
	ClosedAt         *time.Time
}
