package domain

import "time"

// ExecutionPlan is the derived, ephemeral sizing output for one opening
// attempt. Both legs carry the identical absolute size; the sign is implied
// by the leg's side.
type ExecutionPlan struct {
	BotID          string
	Symbol         string
	MarkPrice      float64
	PerLegNotional float64
	LegSize        float64
}

// LegResult is the outcome of one venue's order attempt. It is owned by the
// orchestrator for the duration of a single attempt and then folded into the
// BotStatus record.
type LegResult struct {
	Venue     string    `json:"venue"`
	Side      OrderSide `json:"side"`
	Requested float64   `json:"requested"`
	Filled    float64   `json:"filled"`
	OrderID   string    `json:"order_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// FilledOK reports whether the leg filled at least the requested size minus
// the given relative tolerance (venue precision slack, e.g. 0.01 for 1%).
func (l LegResult) FilledOK(tolerance float64) bool {
	if l.OrderID == "" || l.Error != "" {
		return false
	}
	return l.Filled >= l.Requested*(1-tolerance)
}

// LegOutcome tags the combined result of both legs. The tagged variants are
// what drive the state machine deterministically instead of ad hoc retry
// logic.
type LegOutcome string

const (
	BothFilled    LegOutcome = "both_filled"
	PartialFilled LegOutcome = "partial_filled"
	BothFailed    LegOutcome = "both_failed"
)

// ClassifyLegs folds the two leg results into a tagged outcome.
func ClassifyLegs(long, short LegResult, tolerance float64) LegOutcome {
	longOK := long.FilledOK(tolerance)
	shortOK := short.FilledOK(tolerance)
	switch {
	case longOK && shortOK:
		return BothFilled
	case !longOK && !shortOK:
		return BothFailed
	default:
		return PartialFilled
	}
}
