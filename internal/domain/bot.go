package domain

import (
	"fmt"
	"time"
)

// BotState is the lifecycle state of a bot record. The opener drives
// ready -> opening -> {running, failed}; stopped is reachable from any
// non-terminal state via operator command. Failed and stopped bots are
// re-armed to ready only by the external dashboard, never by the opener.
type BotState string

const (
	BotStateReady   BotState = "ready"
	BotStateOpening BotState = "opening"
	BotStateRunning BotState = "running"
	BotStateStopped BotState = "stopped"
	BotStateFailed  BotState = "failed"
)

// Sizing and leverage bounds shared with the external dashboard.
const (
	MinCapitalUSDT = 10.0
	MinLeverage    = 0
	MaxLeverage    = 20
)

// StopReason values recorded on a status transition out of ready/opening.
const (
	ReasonOperator           = "operator"
	ReasonError              = "error"
	ReasonStopLoss           = "stop_loss"
	ReasonNotEnoughCapital   = "not_enough_capital"
	ReasonRebalanceRequired  = "rebalance_required"
	ReasonInsufficientSize   = "insufficient_size"
	ReasonAuthError          = "auth_error"
	ReasonBothLegsFailed     = "both_legs_failed"
	ReasonLegCompensated     = "leg_compensated"
	ReasonUnbalancedExposure = "unbalanced_exposure"
)

// BotConfig is an immutable snapshot of one bot record as written by the
// external dashboard. The opener reads it once per cycle and never mutates
// anything except the state via the atomic claim.
type BotConfig struct {
	ID          string
	UserID      string
	LongVenue   string
	ShortVenue  string
	Symbol      string
	CapitalUSDT float64
	Leverage    int
	StopLossPct float64
	State       BotState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate rejects configurations that must never reach an exchange call.
func (b BotConfig) Validate() error {
	if b.ID == "" || b.UserID == "" {
		return fmt.Errorf("%w: missing id or user id", ErrInvalidBotConfig)
	}
	if b.LongVenue == "" || b.ShortVenue == "" {
		return fmt.Errorf("%w: both venues must be set", ErrInvalidBotConfig)
	}
	if b.LongVenue == b.ShortVenue {
		return fmt.Errorf("%w: long and short venue must differ", ErrInvalidBotConfig)
	}
	if b.Symbol == "" {
		return fmt.Errorf("%w: symbol must be set", ErrInvalidBotConfig)
	}
	if b.CapitalUSDT < MinCapitalUSDT {
		return fmt.Errorf("%w: capital %.2f below minimum %.0f USDT", ErrInvalidBotConfig, b.CapitalUSDT, MinCapitalUSDT)
	}
	if b.Leverage < MinLeverage || b.Leverage > MaxLeverage {
		return fmt.Errorf("%w: leverage %d outside [%d,%d]", ErrInvalidBotConfig, b.Leverage, MinLeverage, MaxLeverage)
	}
	if b.State == BotStateReady && b.CapitalUSDT*float64(b.Leverage) <= 0 {
		return fmt.Errorf("%w: capital*leverage must be positive for a ready bot", ErrInvalidBotConfig)
	}
	return nil
}

// BotStatus is the record the opener writes back after every transition. The
// external store is keyed by bot id so repeated writes are idempotent
// overwrites; at-least-once delivery is acceptable.
type BotStatus struct {
	BotID              string
	State              BotState
	Reason             string
	Legs               []LegResult
	UnbalancedExposure bool
	UpdatedAt          time.Time
}
