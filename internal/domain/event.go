package domain

import "time"

// ExecutionEvent kinds appended during an opening attempt.
const (
	EventClaimed           = "claimed"
	EventPlanComputed      = "plan_computed"
	EventLegSubmitted      = "leg_submitted"
	EventLegFilled         = "leg_filled"
	EventLegFailed         = "leg_failed"
	EventLegReconciled     = "leg_reconciled"
	EventCompensatingClose = "compensating_close"
	EventStateTransition   = "state_transition"
)

// ExecutionEvent is one append-only audit row. The opener never decides
// anything from past events; they exist for the operator and for archival.
type ExecutionEvent struct {
	ID        string
	BotID     string
	AttemptID string
	Kind      string
	Detail    map[string]any
	CreatedAt time.Time
}
