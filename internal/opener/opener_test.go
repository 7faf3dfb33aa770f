package opener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fosburyalpha/fundingarb/internal/domain"
	"github.com/fosburyalpha/fundingarb/internal/exchange"
	"github.com/fosburyalpha/fundingarb/internal/scanner"
)

type fakeBotStore struct {
	mu       sync.Mutex
	bots     map[string]domain.BotConfig
	statuses []domain.BotStatus
	updErr   error
	updFails int
}

func newFakeBotStore(bots ...domain.BotConfig) *fakeBotStore {
	s := &fakeBotStore{bots: make(map[string]domain.BotConfig)}
	for _, b := range bots {
		s.bots[b.ID] = b
	}
	return s
}

func (s *fakeBotStore) ListReady(_ context.Context) ([]domain.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BotConfig
	for _, b := range s.bots {
		if b.State == domain.BotStateReady {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *fakeBotStore) Claim(_ context.Context, botID string) (domain.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[botID]
	if !ok || b.State != domain.BotStateReady {
		return domain.BotConfig{}, domain.ErrClaimLost
	}
	b.State = domain.BotStateOpening
	s.bots[botID] = b
	return b, nil
}

func (s *fakeBotStore) Get(_ context.Context, botID string) (domain.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[botID]
	if !ok {
		return domain.BotConfig{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *fakeBotStore) UpdateStatus(_ context.Context, status domain.BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updFails > 0 {
		s.updFails--
		return s.updErr
	}
	if b, ok := s.bots[status.BotID]; ok {
		b.State = status.State
		s.bots[status.BotID] = b
	}
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeBotStore) lastStatus(t *testing.T) domain.BotStatus {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		t.Fatal("no status was written")
	}
	return s.statuses[len(s.statuses)-1]
}

type fakePositionStore struct {
	mu      sync.Mutex
	created []domain.Position
}

func (s *fakePositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, p)
	return nil
}

func (s *fakePositionStore) Close(_ context.Context, _ string, _ time.Time) error { return nil }

func (s *fakePositionStore) ListOpenByBot(_ context.Context, _ string) ([]domain.Position, error) {
	return nil, nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []domain.ExecutionEvent
}

func (s *fakeEventStore) Append(_ context.Context, ev domain.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeEventStore) ListBefore(_ context.Context, _ time.Time) ([]domain.ExecutionEvent, error) {
	return nil, nil
}

func (s *fakeEventStore) DeleteBefore(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

func (s *fakeEventStore) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *fakeEventStore) has(kind string) bool {
	for _, k := range s.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type fakeSecret struct{ wiped bool }

func (s *fakeSecret) APIKey() []byte    { return []byte("k") }
func (s *fakeSecret) APISecret() []byte { return []byte("s") }
func (s *fakeSecret) Wipe()             { s.wiped = true }

type fakeCreds struct {
	mu      sync.Mutex
	errs    map[string]error
	secrets []*fakeSecret
}

func (c *fakeCreds) Open(_ context.Context, _, venue string) (Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.errs[venue]; ok {
		return nil, err
	}
	sec := &fakeSecret{}
	c.secrets = append(c.secrets, sec)
	return sec, nil
}

type fakeVenue struct {
	mu       sync.Mutex
	name     string
	balance  float64
	mark     float64
	placeErr error
	// placeErrs fails the first len(placeErrs) calls in order, then succeeds.
	placeErrs []error
	placed    int
	closeErr  error
	closed    int
	pos       *domain.Position
	posErr    error
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) PlaceMarketOrder(_ context.Context, symbol string, side domain.OrderSide, size float64, _ int) (domain.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := v.placed
	v.placed++
	if n < len(v.placeErrs) {
		return domain.OrderResult{}, v.placeErrs[n]
	}
	if v.placeErr != nil {
		return domain.OrderResult{}, v.placeErr
	}
	return domain.OrderResult{
		OrderID:    fmt.Sprintf("%s-order-%d", v.name, n),
		Symbol:     symbol,
		Side:       side,
		Requested:  size,
		Filled:     size,
		AvgPrice:   v.mark,
		SubmitTime: time.Now().UTC(),
	}, nil
}

func (v *fakeVenue) GetMarkPrice(_ context.Context, _ string) (float64, error) {
	return v.mark, nil
}

func (v *fakeVenue) GetPosition(_ context.Context, _ string) (*domain.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pos, v.posErr
}

func (v *fakeVenue) ClosePosition(_ context.Context, symbol string) (domain.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed++
	if v.closeErr != nil {
		return domain.OrderResult{}, v.closeErr
	}
	return domain.OrderResult{OrderID: v.name + "-close", Symbol: symbol}, nil
}

func (v *fakeVenue) GetBalance(_ context.Context) (float64, error) {
	return v.balance, nil
}

type fakeFactory struct {
	venues map[string]*fakeVenue
}

func (f *fakeFactory) New(name string, _ exchange.Credential) (exchange.Venue, error) {
	v, ok := f.venues[name]
	if !ok {
		return nil, fmt.Errorf("no venue %q", name)
	}
	return v, nil
}

type fakeAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeAlerter) NotifyAll(_ context.Context, title, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, title)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	bots      *fakeBotStore
	positions *fakePositionStore
	events    *fakeEventStore
	creds     *fakeCreds
	long      *fakeVenue
	short     *fakeVenue
	alerter   *fakeAlerter
	opener    *Opener
}

func testBot() domain.BotConfig {
	return domain.BotConfig{
		ID: "b1", UserID: "u1",
		LongVenue: "bitfinex", ShortVenue: "bitmex",
		Symbol: "SOL", CapitalUSDT: 100, Leverage: 10,
		State: domain.BotStateReady,
	}
}

func newHarness(bot domain.BotConfig) *harness {
	h := &harness{
		bots:      newFakeBotStore(bot),
		positions: &fakePositionStore{},
		events:    &fakeEventStore{},
		creds:     &fakeCreds{errs: map[string]error{}},
		long:      &fakeVenue{name: "bitfinex", balance: 60, mark: 200},
		short:     &fakeVenue{name: "bitmex", balance: 60, mark: 200},
		alerter:   &fakeAlerter{},
	}
	logger := testLogger()
	reporter := NewReporter(h.bots, 2, time.Millisecond, logger)
	factory := &fakeFactory{venues: map[string]*fakeVenue{
		"bitfinex": h.long, "bitmex": h.short,
	}}
	h.opener = New(
		Config{LegRetries: 1, RetryBackoff: time.Millisecond},
		nil, h.bots, h.positions, h.events, nil,
		h.creds, factory, reporter, h.alerter, logger,
	)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	bot, err := h.bots.Claim(context.Background(), "b1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	h.opener.Execute(context.Background(), &scanner.ClaimedBot{Bot: bot})
}

func TestBothLegsFilledGoesRunning(t *testing.T) {
	h := newHarness(testBot())
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateRunning {
		t.Fatalf("state = %s, want running", st.State)
	}
	if len(st.Legs) != 2 {
		t.Fatalf("legs = %d, want 2", len(st.Legs))
	}
	for _, leg := range st.Legs {
		if leg.OrderID == "" {
			t.Fatalf("leg %s missing order id", leg.Venue)
		}
		// capital 100, leverage 10 -> 500 per leg at mark 200 -> 2.5
		if leg.Requested != 2.5 || leg.Filled != 2.5 {
			t.Fatalf("leg %s sizes = %v/%v, want 2.5/2.5", leg.Venue, leg.Requested, leg.Filled)
		}
	}
	if len(h.positions.created) != 2 {
		t.Fatalf("positions persisted = %d, want 2", len(h.positions.created))
	}
	for _, sec := range h.creds.secrets {
		if !sec.wiped {
			t.Fatal("credential handle not wiped")
		}
	}
}

func TestBothLegsFailedNoExposure(t *testing.T) {
	h := newHarness(testBot())
	h.long.placeErr = fmt.Errorf("%w: insufficient balance", domain.ErrRejected)
	h.short.placeErr = fmt.Errorf("%w: instrument halted", domain.ErrRejected)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateFailed || st.Reason != domain.ReasonBothLegsFailed {
		t.Fatalf("status = %s/%s, want failed/both_legs_failed", st.State, st.Reason)
	}
	if st.UnbalancedExposure {
		t.Fatal("both-failed must not flag unbalanced exposure")
	}
	if h.long.closed != 0 || h.short.closed != 0 {
		t.Fatal("no compensating close should run when nothing filled")
	}
	if len(h.positions.created) != 0 {
		t.Fatal("no positions should be persisted")
	}
}

func TestPartialFillCompensates(t *testing.T) {
	h := newHarness(testBot())
	h.short.placeErr = fmt.Errorf("%w: order rejected", domain.ErrRejected)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateFailed || st.Reason != domain.ReasonLegCompensated {
		t.Fatalf("status = %s/%s, want failed/leg_compensated", st.State, st.Reason)
	}
	if h.long.closed != 1 {
		t.Fatalf("long venue closed %d times, want exactly 1", h.long.closed)
	}
	if !h.events.has(domain.EventCompensatingClose) {
		t.Fatal("compensating close not recorded in events")
	}
	if len(h.alerter.calls) != 0 {
		t.Fatal("successful compensation must not page the operator")
	}
}

func TestCompensationFailureEscalates(t *testing.T) {
	h := newHarness(testBot())
	h.short.placeErr = fmt.Errorf("%w: order rejected", domain.ErrRejected)
	h.long.closeErr = fmt.Errorf("%w: venue unavailable", domain.ErrNetwork)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateFailed || st.Reason != domain.ReasonUnbalancedExposure {
		t.Fatalf("status = %s/%s, want failed/unbalanced_exposure", st.State, st.Reason)
	}
	if !st.UnbalancedExposure {
		t.Fatal("unbalanced exposure flag not set")
	}
	if len(h.alerter.calls) != 1 {
		t.Fatalf("operator alerts = %d, want 1", len(h.alerter.calls))
	}
}

func TestCredentialFailureRevertsToReady(t *testing.T) {
	h := newHarness(testBot())
	h.creds.errs["bitfinex"] = fmt.Errorf("%w: decrypt failed", domain.ErrAuth)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateReady || st.Reason != domain.ReasonAuthError {
		t.Fatalf("status = %s/%s, want ready/auth_error", st.State, st.Reason)
	}
	if h.long.placed != 0 || h.short.placed != 0 {
		t.Fatal("no order may be placed without credentials")
	}
}

func TestVenueAuthFailureOnBothLegsRevertsToReady(t *testing.T) {
	h := newHarness(testBot())
	h.long.placeErr = fmt.Errorf("%w: key revoked", domain.ErrAuth)
	h.short.placeErr = fmt.Errorf("%w: key revoked", domain.ErrAuth)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateReady || st.Reason != domain.ReasonAuthError {
		t.Fatalf("status = %s/%s, want ready/auth_error", st.State, st.Reason)
	}
}

func TestInsufficientSizeFails(t *testing.T) {
	bot := testBot()
	bot.CapitalUSDT = 10
	bot.Leverage = 1
	h := newHarness(bot)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateFailed || st.Reason != domain.ReasonInsufficientSize {
		t.Fatalf("status = %s/%s, want failed/insufficient_size", st.State, st.Reason)
	}
	if h.long.placed != 0 || h.short.placed != 0 {
		t.Fatal("a zero-size plan must never reach a venue")
	}
}

func TestBalanceGateNotEnoughCapital(t *testing.T) {
	h := newHarness(testBot())
	h.long.balance = 40
	h.short.balance = 40 // total 80 < 100*(1-0.02)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateFailed || st.Reason != domain.ReasonNotEnoughCapital {
		t.Fatalf("status = %s/%s, want failed/not_enough_capital", st.State, st.Reason)
	}
}

func TestBalanceGateRebalanceRequired(t *testing.T) {
	h := newHarness(testBot())
	h.long.balance = 95
	h.short.balance = 10 // total fine, distribution skewed
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateFailed || st.Reason != domain.ReasonRebalanceRequired {
		t.Fatalf("status = %s/%s, want failed/rebalance_required", st.State, st.Reason)
	}
}

func TestStopLossFloorStops(t *testing.T) {
	bot := testBot()
	bot.StopLossPct = 0.5
	h := newHarness(bot)
	h.long.balance = 20
	h.short.balance = 20 // total 40 <= 100*(1-0.5)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateStopped || st.Reason != domain.ReasonStopLoss {
		t.Fatalf("status = %s/%s, want stopped/stop_loss", st.State, st.Reason)
	}
	if h.long.placed != 0 || h.short.placed != 0 {
		t.Fatal("no order may be placed below the stop-loss floor")
	}
}

func TestOperatorStopCheckedAfterClaim(t *testing.T) {
	h := newHarness(testBot())
	bot, err := h.bots.Claim(context.Background(), "b1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Operator flags the bot between claim and execution.
	h.bots.mu.Lock()
	b := h.bots.bots["b1"]
	b.State = domain.BotStateStopped
	h.bots.bots["b1"] = b
	h.bots.mu.Unlock()

	h.opener.Execute(context.Background(), &scanner.ClaimedBot{Bot: bot})

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateStopped || st.Reason != domain.ReasonOperator {
		t.Fatalf("status = %s/%s, want stopped/operator", st.State, st.Reason)
	}
	if h.long.placed != 0 || h.short.placed != 0 {
		t.Fatal("no order may be placed after an operator stop")
	}
}

func TestUnknownOutcomeReconciledAsFilled(t *testing.T) {
	h := newHarness(testBot())
	h.short.placeErrs = []error{fmt.Errorf("%w: timeout", domain.ErrNetwork)}
	// The order actually reached the venue: the position is open.
	h.short.pos = &domain.Position{
		Venue: "bitmex", Symbol: "SOL", Side: "short",
		Size: 2.5, EntryPrice: 200, OrderID: "bitmex-recovered",
	}
	// Retry must not run after the position is confirmed; make it fail loudly
	// if it does.
	h.short.placeErr = fmt.Errorf("%w: would double-open", domain.ErrRejected)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateRunning {
		t.Fatalf("state = %s, want running", st.State)
	}
	if h.short.placed != 1 {
		t.Fatalf("short venue placed %d orders, want 1 (no blind retry)", h.short.placed)
	}
	if !h.events.has(domain.EventLegReconciled) {
		t.Fatal("reconciliation not recorded in events")
	}
}

func TestRateLimitedReconciledAsFilled(t *testing.T) {
	h := newHarness(testBot())
	// The venue throttled the response but accepted the order: the position
	// is open even though the submission returned a 429.
	h.short.placeErrs = []error{fmt.Errorf("%w: 429 too many requests", domain.ErrRateLimited)}
	h.short.pos = &domain.Position{
		Venue: "bitmex", Symbol: "SOL", Side: "short",
		Size: 2.5, EntryPrice: 200, OrderID: "bitmex-recovered",
	}
	// A blind retry would double the short exposure; make it fail loudly.
	h.short.placeErr = fmt.Errorf("%w: would double-open", domain.ErrRejected)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateRunning {
		t.Fatalf("state = %s, want running", st.State)
	}
	if h.short.placed != 1 {
		t.Fatalf("short venue placed %d orders, want 1 (no blind retry)", h.short.placed)
	}
	if !h.events.has(domain.EventLegReconciled) {
		t.Fatal("reconciliation not recorded in events")
	}
}

func TestRateLimitedReconcileFlatRetries(t *testing.T) {
	h := newHarness(testBot())
	// The 429 really did stop the order: reconciliation finds the venue
	// flat, so the bounded retry is safe and succeeds.
	h.short.placeErrs = []error{fmt.Errorf("%w: 429 too many requests", domain.ErrRateLimited)}
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateRunning {
		t.Fatalf("state = %s, want running", st.State)
	}
	if h.short.placed != 2 {
		t.Fatalf("short venue placed %d orders, want 2", h.short.placed)
	}
}

func TestUnknownOutcomeReconcileFlatRetries(t *testing.T) {
	h := newHarness(testBot())
	// First submission times out, reconciliation finds the venue flat, the
	// bounded retry then succeeds.
	h.short.placeErrs = []error{fmt.Errorf("%w: timeout", domain.ErrNetwork)}
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateRunning {
		t.Fatalf("state = %s, want running", st.State)
	}
	if h.short.placed != 2 {
		t.Fatalf("short venue placed %d orders, want 2", h.short.placed)
	}
}

func TestReconcileFailureEscalates(t *testing.T) {
	h := newHarness(testBot())
	h.short.placeErrs = []error{
		fmt.Errorf("%w: timeout", domain.ErrNetwork),
	}
	h.short.placeErr = fmt.Errorf("%w: timeout", domain.ErrNetwork)
	h.short.posErr = fmt.Errorf("%w: timeout", domain.ErrNetwork)
	h.run(t)

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateFailed || st.Reason != domain.ReasonUnbalancedExposure {
		t.Fatalf("status = %s/%s, want failed/unbalanced_exposure", st.State, st.Reason)
	}
	if !st.UnbalancedExposure {
		t.Fatal("unbalanced exposure flag not set")
	}
	if h.long.closed != 0 || h.short.closed != 0 {
		// Neither leg's state is known well enough to compensate.
		t.Fatal("must not compensate on a guess")
	}
	if len(h.alerter.calls) != 1 {
		t.Fatalf("operator alerts = %d, want 1", len(h.alerter.calls))
	}
}

func TestInvalidConfigFailsBeforeVenueCalls(t *testing.T) {
	bot := testBot()
	bot.CapitalUSDT = 5 // below minimum
	h := newHarness(bot)

	// Claim path requires ready state; execute directly with the snapshot.
	h.opener.Execute(context.Background(), &scanner.ClaimedBot{Bot: bot})

	st := h.bots.lastStatus(t)
	if st.State != domain.BotStateFailed {
		t.Fatalf("state = %s, want failed", st.State)
	}
	if h.long.placed != 0 || h.short.placed != 0 {
		t.Fatal("invalid config must never reach a venue")
	}
}

func TestReporterRetriesThenSucceeds(t *testing.T) {
	store := newFakeBotStore(testBot())
	store.updErr = errors.New("transient")
	store.updFails = 2

	r := NewReporter(store, 3, time.Millisecond, testLogger())
	err := r.Report(context.Background(), domain.BotStatus{BotID: "b1", State: domain.BotStateRunning})
	if err != nil {
		t.Fatalf("Report() error: %v", err)
	}
	if len(store.statuses) != 1 {
		t.Fatalf("statuses written = %d, want 1", len(store.statuses))
	}
}

func TestReporterExhaustsRetries(t *testing.T) {
	store := newFakeBotStore(testBot())
	store.updErr = errors.New("down")
	store.updFails = 100

	r := NewReporter(store, 2, time.Millisecond, testLogger())
	if err := r.Report(context.Background(), domain.BotStatus{BotID: "b1"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}
