// Package sizing turns a bot's capital allocation into a normalized,
// precision-rounded per-leg contract size. Everything here is pure and
// deterministic; no I/O.
package sizing

import (
	"fmt"
	"math"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// DefaultStep is the size increment both supported perpetuals trade in.
const DefaultStep = 0.1

// LegSize computes the per-leg contract size for the given capital, leverage
// and mark price. Rounding is always truncation toward zero: exceeding the
// allocated capital is never acceptable.
//
//	total  = capital * leverage
//	perLeg = total / 2
//	size   = floor(perLeg / mark / step) * step
//
// It returns ErrInsufficientSize when the result truncates to zero.
func LegSize(capitalUSDT float64, leverage int, markPrice, step float64) (float64, error) {
	if markPrice <= 0 {
		return 0, fmt.Errorf("sizing: mark price must be positive, got %v", markPrice)
	}
	if step <= 0 {
		step = DefaultStep
	}

	total := capitalUSDT * float64(leverage)
	perLeg := total / 2
	raw := perLeg / markPrice

	size := math.Floor(raw/step) * step
	// Floating point can leave values like 24.999999999999996; snap to the
	// step grid before the zero check.
	size = math.Round(size/step) * step

	if size <= 0 {
		return 0, fmt.Errorf("%w: capital=%.2f leverage=%d mark=%.4f", domain.ErrInsufficientSize, capitalUSDT, leverage, markPrice)
	}
	return size, nil
}

// NewPlan builds the execution plan for one opening attempt. markPrice is the
// reference price, the average of both venues' marks.
func NewPlan(bot domain.BotConfig, markPrice float64) (domain.ExecutionPlan, error) {
	size, err := LegSize(bot.CapitalUSDT, bot.Leverage, markPrice, DefaultStep)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	return domain.ExecutionPlan{
		BotID:          bot.ID,
		Symbol:         bot.Symbol,
		MarkPrice:      markPrice,
		PerLegNotional: bot.CapitalUSDT * float64(bot.Leverage) / 2,
		LegSize:        size,
	}, nil
}
