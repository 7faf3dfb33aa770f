// Package opener drives the two-leg position-opening saga for claimed bots:
// plan sizing from the venues' marks, submit both legs, classify the tagged
// outcome, compensate partial fills, and report the state transition. There
// is no cross-venue atomicity to lean on; the compensating transaction is the
// only correctness tool.
package opener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fosburyalpha/fundingarb/internal/domain"
	"github.com/fosburyalpha/fundingarb/internal/exchange"
	"github.com/fosburyalpha/fundingarb/internal/scanner"
	"github.com/fosburyalpha/fundingarb/internal/sizing"
)

// Secret is a wipeable decrypted credential handle.
type Secret interface {
	exchange.Credential
	Wipe()
}

// CredentialSource opens decrypted credentials scoped to one attempt.
// *vault.Vault is adapted to it in the wiring.
type CredentialSource interface {
	Open(ctx context.Context, userID, venue string) (Secret, error)
}

// Alerter pages the operator. *notify.Notifier satisfies it.
type Alerter interface {
	NotifyAll(ctx context.Context, title, message string) error
}

// Config tunes the polling loop and the per-attempt execution behaviour.
type Config struct {
	PollInterval time.Duration
	Workers      int

	// FillTolerance is the relative slack on filled-vs-requested size before
	// a leg counts as failed (venue precision).
	FillTolerance float64
	// CapitalTolerance is the relative slack on the combined balance check.
	CapitalTolerance float64
	// VenueTolerance is the relative slack on the per-venue distribution
	// check against capital/2.
	VenueTolerance float64

	// LegRetries bounds extra submissions after a retryable failure.
	LegRetries   int
	RetryBackoff time.Duration

	// MarkMaxAge is how stale a cached mark may be before falling back to a
	// REST read.
	MarkMaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FillTolerance <= 0 {
		c.FillTolerance = 0.01
	}
	if c.CapitalTolerance <= 0 {
		c.CapitalTolerance = 0.02
	}
	if c.VenueTolerance <= 0 {
		c.VenueTolerance = 0.01
	}
	if c.LegRetries < 0 {
		c.LegRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.MarkMaxAge <= 0 {
		c.MarkMaxAge = 15 * time.Second
	}
	return c
}

// Opener is the execution orchestrator.
type Opener struct {
	cfg       Config
	scanner   *scanner.Scanner
	bots      domain.BotStore
	positions domain.PositionStore
	events    domain.ExecutionEventStore
	prices    domain.PriceCache
	creds     CredentialSource
	venues    exchange.Factory
	reporter  *Reporter
	alerter   Alerter
	logger    *slog.Logger
}

// New wires an Opener. prices and alerter may be nil; the mark cache then
// degrades to REST reads and unbalanced-exposure alerts are log-only.
func New(
	cfg Config,
	sc *scanner.Scanner,
	bots domain.BotStore,
	positions domain.PositionStore,
	events domain.ExecutionEventStore,
	prices domain.PriceCache,
	creds CredentialSource,
	venues exchange.Factory,
	reporter *Reporter,
	alerter Alerter,
	logger *slog.Logger,
) *Opener {
	return &Opener{
		cfg:       cfg.withDefaults(),
		scanner:   sc,
		bots:      bots,
		positions: positions,
		events:    events,
		prices:    prices,
		creds:     creds,
		venues:    venues,
		reporter:  reporter,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "opener")),
	}
}

// Run polls for ready bots until the context is cancelled. Claimed bots are
// executed concurrently up to the worker bound; each bot is isolated by its
// claim, so there is no shared mutable state between attempts.
func (o *Opener) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.logger.Info("opener started",
		slog.Duration("poll_interval", o.cfg.PollInterval),
		slog.Int("workers", o.cfg.Workers),
	)

	for {
		o.cycle(ctx)
		select {
		case <-ctx.Done():
			o.logger.Info("opener stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Opener) cycle(ctx context.Context) {
	claimed, err := o.scanner.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("scan failed", "error", err)
		}
		return
	}
	if len(claimed) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Workers)
	for _, c := range claimed {
		c := c
		g.Go(func() error {
			o.Execute(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

// legExec carries what the status record needs plus the execution-internal
// extras (entry price for persistence, unknown-outcome flag).
type legExec struct {
	domain.LegResult
	entryPrice float64
	unknown    bool
	err        error
}

func legAuthFailed(leg legExec) bool {
	return errors.Is(leg.err, domain.ErrAuth)
}

// Execute runs one opening attempt for a claimed bot end to end and always
// writes a terminal status before releasing the claim.
func (o *Opener) Execute(ctx context.Context, claimed *scanner.ClaimedBot) {
	defer claimed.Release()

	bot := claimed.Bot
	attemptID := uuid.NewString()
	log := o.logger.With(slog.String("bot_id", bot.ID), slog.String("attempt_id", attemptID))

	o.event(ctx, bot.ID, attemptID, domain.EventClaimed, nil)

	// Cooperative stop check: the operator may have flagged the bot between
	// the scan and now.
	if o.stopRequested(ctx, bot.ID) {
		log.Info("stop requested before execution")
		o.transition(ctx, log, attemptID, domain.BotStatus{
			BotID: bot.ID, State: domain.BotStateStopped, Reason: domain.ReasonOperator,
		})
		return
	}

	if err := bot.Validate(); err != nil {
		log.Error("invalid bot config", "error", err)
		o.event(ctx, bot.ID, attemptID, domain.EventStateTransition, map[string]any{"error": err.Error()})
		o.transition(ctx, log, attemptID, domain.BotStatus{
			BotID: bot.ID, State: domain.BotStateFailed, Reason: domain.ReasonError,
		})
		return
	}

	// Credentials. A decryption or lookup failure aborts before any venue
	// call; the bot returns to ready so the next cycle retries once the
	// operator fixes the credential.
	longSec, err := o.creds.Open(ctx, bot.UserID, bot.LongVenue)
	if err != nil {
		o.abortAuth(ctx, log, attemptID, bot, err)
		return
	}
	defer longSec.Wipe()

	shortSec, err := o.creds.Open(ctx, bot.UserID, bot.ShortVenue)
	if err != nil {
		o.abortAuth(ctx, log, attemptID, bot, err)
		return
	}
	defer shortSec.Wipe()

	longVenue, err := o.venues.New(bot.LongVenue, longSec)
	if err != nil {
		log.Error("venue client init failed", slog.String("venue", bot.LongVenue), "error", err)
		o.transition(ctx, log, attemptID, domain.BotStatus{
			BotID: bot.ID, State: domain.BotStateFailed, Reason: domain.ReasonError,
		})
		return
	}
	shortVenue, err := o.venues.New(bot.ShortVenue, shortSec)
	if err != nil {
		log.Error("venue client init failed", slog.String("venue", bot.ShortVenue), "error", err)
		o.transition(ctx, log, attemptID, domain.BotStatus{
			BotID: bot.ID, State: domain.BotStateFailed, Reason: domain.ReasonError,
		})
		return
	}

	o.executeWithVenues(ctx, log, attemptID, bot, longVenue, shortVenue)
}

func (o *Opener) executeWithVenues(ctx context.Context, log *slog.Logger, attemptID string, bot domain.BotConfig, longVenue, shortVenue exchange.Venue) {
	// Pre-open balance gates, from both venues in parallel.
	var longBal, shortBal float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		longBal, err = longVenue.GetBalance(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		shortBal, err = shortVenue.GetBalance(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, domain.ErrAuth) {
			o.abortAuth(ctx, log, attemptID, bot, err)
			return
		}
		log.Error("balance check failed", "error", err)
		o.transition(ctx, log, attemptID, domain.BotStatus{
			BotID: bot.ID, State: domain.BotStateFailed, Reason: domain.ReasonError,
		})
		return
	}

	if reason := o.balanceGate(bot, longBal, shortBal); reason != "" {
		log.Warn("balance gate tripped",
			slog.String("reason", reason),
			slog.Float64("long_balance", longBal),
			slog.Float64("short_balance", shortBal),
			slog.Float64("capital", bot.CapitalUSDT),
		)
		state := domain.BotStateFailed
		if reason == domain.ReasonStopLoss {
			state = domain.BotStateStopped
		}
		o.transition(ctx, log, attemptID, domain.BotStatus{BotID: bot.ID, State: state, Reason: reason})
		return
	}

	// Reference mark: average of both venues, cache first.
	mark, err := o.referenceMark(ctx, bot, longVenue, shortVenue)
	if err != nil {
		log.Error("mark price unavailable", "error", err)
		o.transition(ctx, log, attemptID, domain.BotStatus{
			BotID: bot.ID, State: domain.BotStateFailed, Reason: domain.ReasonError,
		})
		return
	}

	plan, err := sizing.NewPlan(bot, mark)
	if err != nil {
		log.Warn("sizing failed", "error", err)
		reason := domain.ReasonError
		if errors.Is(err, domain.ErrInsufficientSize) {
			reason = domain.ReasonInsufficientSize
		}
		o.transition(ctx, log, attemptID, domain.BotStatus{
			BotID: bot.ID, State: domain.BotStateFailed, Reason: reason,
		})
		return
	}
	o.event(ctx, bot.ID, attemptID, domain.EventPlanComputed, map[string]any{
		"mark_price":       plan.MarkPrice,
		"per_leg_notional": plan.PerLegNotional,
		"leg_size":         plan.LegSize,
	})

	// Both legs in the same attempt, in parallel to keep the window between
	// them tight. Leg failures are carried in the results, not as errors.
	var longLeg, shortLeg legExec
	lg := new(errgroup.Group)
	lg.Go(func() error {
		longLeg = o.submitLeg(ctx, log, bot, attemptID, longVenue, domain.OrderSideBuy, plan)
		return nil
	})
	lg.Go(func() error {
		shortLeg = o.submitLeg(ctx, log, bot, attemptID, shortVenue, domain.OrderSideSell, plan)
		return nil
	})
	_ = lg.Wait()

	o.settle(ctx, log, attemptID, bot, longVenue, shortVenue, longLeg, shortLeg)
}

// settle folds the two leg results into the terminal state transition.
func (o *Opener) settle(ctx context.Context, log *slog.Logger, attemptID string, bot domain.BotConfig, longVenue, shortVenue exchange.Venue, longLeg, shortLeg legExec) {
	legs := []domain.LegResult{longLeg.LegResult, shortLeg.LegResult}

	// A leg whose true outcome could not be established even by the
	// reconciliation read may or may not be open: never compensate on a
	// guess, escalate instead.
	if longLeg.unknown || shortLeg.unknown {
		o.escalate(ctx, log, attemptID, bot, legs, "leg outcome unknown after reconciliation")
		return
	}

	outcome := domain.ClassifyLegs(longLeg.LegResult, shortLeg.LegResult, o.cfg.FillTolerance)
	log.Info("legs classified", slog.String("outcome", string(outcome)))

	switch outcome {
	case domain.BothFilled:
		o.persistLeg(ctx, log, bot, longLeg, "long")
		o.persistLeg(ctx, log, bot, shortLeg, "short")
		o.transition(ctx, log, attemptID, domain.BotStatus{
			BotID: bot.ID, State: domain.BotStateRunning, Legs: legs,
		})

	case domain.BothFailed:
		// No residual exposure. Venue auth failures send the bot back to
		// ready so the next cycle retries after the operator fixes the key;
		// everything else needs an external re-arm.
		if legAuthFailed(longLeg) || legAuthFailed(shortLeg) {
			o.transition(ctx, log, attemptID, domain.BotStatus{
				BotID: bot.ID, State: domain.BotStateReady, Reason: domain.ReasonAuthError, Legs: legs,
			})
			return
		}
		o.transition(ctx, log, attemptID, domain.BotStatus{
			BotID: bot.ID, State: domain.BotStateFailed, Reason: domain.ReasonBothLegsFailed, Legs: legs,
		})

	case domain.PartialFilled:
		filled, venue := longLeg, longVenue
		if shortLeg.FilledOK(o.cfg.FillTolerance) {
			filled, venue = shortLeg, shortVenue
		}
		o.compensate(ctx, log, attemptID, bot, filled, venue, legs)
	}
}

// compensate attempts exactly one close of the filled leg. A second failure
// here means real unbalanced exposure: fail loudly for the operator rather
// than loop auto-compensation under venue instability.
func (o *Opener) compensate(ctx context.Context, log *slog.Logger, attemptID string, bot domain.BotConfig, filled legExec, venue exchange.Venue, legs []domain.LegResult) {
	log.Warn("partial fill, closing filled leg",
		slog.String("venue", filled.Venue),
		slog.Float64("filled", filled.Filled),
	)

	res, err := venue.ClosePosition(ctx, bot.Symbol)
	detail := map[string]any{"venue": filled.Venue, "requested": filled.Filled}
	if err != nil {
		detail["error"] = err.Error()
	} else {
		detail["order_id"] = res.OrderID
		detail["closed"] = res.Filled
	}
	o.event(ctx, bot.ID, attemptID, domain.EventCompensatingClose, detail)

	if err != nil {
		o.escalate(ctx, log, attemptID, bot, legs, fmt.Sprintf("compensating close on %s failed: %v", filled.Venue, err))
		return
	}

	log.Info("filled leg closed", slog.String("venue", filled.Venue), slog.String("order_id", res.OrderID))
	o.transition(ctx, log, attemptID, domain.BotStatus{
		BotID: bot.ID, State: domain.BotStateFailed, Reason: domain.ReasonLegCompensated, Legs: legs,
	})
}

// escalate marks the bot failed with the unbalanced-exposure flag and pages
// the operator. Manual intervention is the only way out of this state.
func (o *Opener) escalate(ctx context.Context, log *slog.Logger, attemptID string, bot domain.BotConfig, legs []domain.LegResult, cause string) {
	log.Error("unbalanced exposure", slog.String("cause", cause))

	o.transition(ctx, log, attemptID, domain.BotStatus{
		BotID:              bot.ID,
		State:              domain.BotStateFailed,
		Reason:             domain.ReasonUnbalancedExposure,
		Legs:               legs,
		UnbalancedExposure: true,
	})

	if o.alerter != nil {
		title := fmt.Sprintf("UNBALANCED EXPOSURE bot %s", bot.ID)
		msg := fmt.Sprintf("bot %s (user %s, %s %s/%s): %s — manual close required",
			bot.ID, bot.UserID, bot.Symbol, bot.LongVenue, bot.ShortVenue, cause)
		if err := o.alerter.NotifyAll(ctx, title, msg); err != nil {
			log.Error("operator alert failed", "error", err)
		}
	}
}

// submitLeg places one leg with a small bounded retry on retryable failures.
// An outcome-unknown failure triggers a reconciliation read of the venue
// position before anything else: retrying blind could double-open.
func (o *Opener) submitLeg(ctx context.Context, log *slog.Logger, bot domain.BotConfig, attemptID string, venue exchange.Venue, side domain.OrderSide, plan domain.ExecutionPlan) legExec {
	leg := legExec{LegResult: domain.LegResult{
		Venue:     venue.Name(),
		Side:      side,
		Requested: plan.LegSize,
		At:        time.Now().UTC(),
	}}
	o.event(ctx, bot.ID, attemptID, domain.EventLegSubmitted, map[string]any{
		"venue": venue.Name(), "side": string(side), "size": plan.LegSize,
	})

	var lastErr error
	for attempt := 0; attempt <= o.cfg.LegRetries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, o.cfg.RetryBackoff*time.Duration(attempt)) {
				break
			}
		}

		res, err := venue.PlaceMarketOrder(ctx, bot.Symbol, side, plan.LegSize, bot.Leverage)
		if err == nil {
			leg.OrderID = res.OrderID
			leg.Filled = res.Filled
			leg.At = res.SubmitTime
			leg.entryPrice = res.AvgPrice
			o.event(ctx, bot.ID, attemptID, domain.EventLegFilled, map[string]any{
				"venue": venue.Name(), "order_id": res.OrderID, "filled": res.Filled,
			})
			return leg
		}
		lastErr = err

		if exchange.IsOutcomeUnknown(err) {
			rec, decided := o.reconcile(ctx, log, venue, bot, side, plan)
			if decided {
				if rec.open {
					leg.OrderID = rec.orderID
					leg.Filled = rec.size
					leg.entryPrice = rec.entryPrice
					leg.At = time.Now().UTC()
					o.event(ctx, bot.ID, attemptID, domain.EventLegReconciled, map[string]any{
						"venue": venue.Name(), "filled": rec.size,
					})
					return leg
				}
				// Confirmed flat: safe to retry.
				continue
			}
			// Could not establish the outcome at all.
			leg.Error = fmt.Sprintf("outcome unknown: %v", err)
			leg.unknown = true
			o.event(ctx, bot.ID, attemptID, domain.EventLegFailed, map[string]any{
				"venue": venue.Name(), "error": leg.Error, "unknown": true,
			})
			return leg
		}

		if !exchange.IsRetryable(err) {
			break
		}
		log.Warn("leg submission retrying",
			slog.String("venue", venue.Name()),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	leg.Error = lastErr.Error()
	leg.err = lastErr
	o.event(ctx, bot.ID, attemptID, domain.EventLegFailed, map[string]any{
		"venue": venue.Name(), "error": leg.Error,
	})
	return leg
}

type reconciled struct {
	open       bool
	orderID    string
	size       float64
	entryPrice float64
}

// reconcile reads the venue position to decide a leg's true state after an
// outcome-unknown failure. decided=false means the read itself failed and
// the leg stays unknown.
func (o *Opener) reconcile(ctx context.Context, log *slog.Logger, venue exchange.Venue, bot domain.BotConfig, side domain.OrderSide, plan domain.ExecutionPlan) (reconciled, bool) {
	pos, err := venue.GetPosition(ctx, bot.Symbol)
	if err != nil {
		log.Error("reconciliation read failed", slog.String("venue", venue.Name()), "error", err)
		return reconciled{}, false
	}
	if pos == nil {
		return reconciled{open: false}, true
	}

	wantSide := "long"
	if side == domain.OrderSideSell {
		wantSide = "short"
	}
	if pos.Side != wantSide || pos.Size < plan.LegSize*(1-o.cfg.FillTolerance) {
		// Some other position; do not claim it as ours.
		log.Warn("reconciliation found mismatched position",
			slog.String("venue", venue.Name()),
			slog.String("side", pos.Side),
			slog.Float64("size", pos.Size),
		)
		return reconciled{}, false
	}

	orderID := pos.OrderID
	if orderID == "" {
		orderID = "reconciled"
	}
	return reconciled{open: true, orderID: orderID, size: pos.Size, entryPrice: pos.EntryPrice}, true
}

// balanceGate returns a failure reason or "" when the attempt may proceed.
func (o *Opener) balanceGate(bot domain.BotConfig, longBal, shortBal float64) string {
	total := longBal + shortBal

	if bot.StopLossPct > 0 && total <= bot.CapitalUSDT*(1-bot.StopLossPct) {
		return domain.ReasonStopLoss
	}
	if total < bot.CapitalUSDT*(1-o.cfg.CapitalTolerance) {
		return domain.ReasonNotEnoughCapital
	}
	half := bot.CapitalUSDT / 2
	if longBal < half*(1-o.cfg.VenueTolerance) || shortBal < half*(1-o.cfg.VenueTolerance) {
		return domain.ReasonRebalanceRequired
	}
	return ""
}

// referenceMark averages both venues' marks, taking each from the cache when
// fresh and falling back to a REST read.
func (o *Opener) referenceMark(ctx context.Context, bot domain.BotConfig, longVenue, shortVenue exchange.Venue) (float64, error) {
	longMark, err := o.venueMark(ctx, longVenue, bot.Symbol)
	if err != nil {
		return 0, err
	}
	shortMark, err := o.venueMark(ctx, shortVenue, bot.Symbol)
	if err != nil {
		return 0, err
	}
	return (longMark + shortMark) / 2, nil
}

func (o *Opener) venueMark(ctx context.Context, venue exchange.Venue, symbol string) (float64, error) {
	if o.prices != nil {
		price, ts, err := o.prices.GetMark(ctx, venue.Name(), symbol)
		if err == nil && time.Since(ts) <= o.cfg.MarkMaxAge {
			return price, nil
		}
	}
	return venue.GetMarkPrice(ctx, symbol)
}

func (o *Opener) persistLeg(ctx context.Context, log *slog.Logger, bot domain.BotConfig, leg legExec, posSide string) {
	if o.positions == nil {
		return
	}
	pos := domain.Position{
		ID:         uuid.NewString(),
		BotID:      bot.ID,
		UserID:     bot.UserID,
		Venue:      leg.Venue,
		Symbol:     bot.Symbol,
		Side:       posSide,
		Size:       leg.Filled,
		EntryPrice: leg.entryPrice,
		Leverage:   bot.Leverage,
		OrderID:    leg.OrderID,
		Status:     "open",
		OpenedAt:   leg.At,
	}
	if err := o.positions.Create(ctx, pos); err != nil {
		log.Error("persist position failed", slog.String("venue", leg.Venue), "error", err)
	}
}

func (o *Opener) abortAuth(ctx context.Context, log *slog.Logger, attemptID string, bot domain.BotConfig, err error) {
	log.Error("credential failure, aborting attempt", "error", err)
	o.event(ctx, bot.ID, attemptID, domain.EventStateTransition, map[string]any{"error": err.Error()})
	o.transition(ctx, log, attemptID, domain.BotStatus{
		BotID: bot.ID, State: domain.BotStateReady, Reason: domain.ReasonAuthError,
	})
}

func (o *Opener) stopRequested(ctx context.Context, botID string) bool {
	cur, err := o.bots.Get(ctx, botID)
	if err != nil {
		return false
	}
	return cur.State == domain.BotStateStopped
}

// transition writes the status through the reporter and records the audit
// event. The claim lock is still held here; release happens after return.
func (o *Opener) transition(ctx context.Context, log *slog.Logger, attemptID string, status domain.BotStatus) {
	status.UpdatedAt = time.Now().UTC()
	if err := o.reporter.Report(ctx, status); err != nil {
		log.Error("status report exhausted retries",
			slog.String("state", string(status.State)),
			"error", err,
		)
	}
	o.event(ctx, status.BotID, attemptID, domain.EventStateTransition, map[string]any{
		"state":               string(status.State),
		"reason":              status.Reason,
		"unbalanced_exposure": status.UnbalancedExposure,
	})
}

func (o *Opener) event(ctx context.Context, botID, attemptID, kind string, detail map[string]any) {
	if o.events == nil {
		return
	}
	ev := domain.ExecutionEvent{
		ID:        uuid.NewString(),
		BotID:     botID,
		AttemptID: attemptID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.events.Append(ctx, ev); err != nil {
		o.logger.Warn("event append failed", slog.String("kind", kind), "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
