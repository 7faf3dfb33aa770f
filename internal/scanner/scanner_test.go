package scanner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

type memBotStore struct {
	mu          sync.Mutex
	bots        map[string]domain.BotConfig
	beforeClaim func(botID string)
}

func newMemBotStore(bots ...domain.BotConfig) *memBotStore {
	m := &memBotStore{bots: make(map[string]domain.BotConfig)}
	for _, b := range bots {
		m.bots[b.ID] = b
	}
	return m
}

func (m *memBotStore) ListReady(_ context.Context) ([]domain.BotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BotConfig
	for _, b := range m.bots {
		if b.State == domain.BotStateReady {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memBotStore) Claim(_ context.Context, botID string) (domain.BotConfig, error) {
	if m.beforeClaim != nil {
		m.beforeClaim(botID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok || b.State != domain.BotStateReady {
		return domain.BotConfig{}, domain.ErrClaimLost
	}
	b.State = domain.BotStateOpening
	m.bots[botID] = b
	return b, nil
}

func (m *memBotStore) Get(_ context.Context, botID string) (domain.BotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[botID]
	if !ok {
		return domain.BotConfig{}, domain.ErrNotFound
	}
	return b, nil
}

func (m *memBotStore) UpdateStatus(_ context.Context, status domain.BotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[status.BotID]
	if !ok {
		return domain.ErrNotFound
	}
	b.State = status.State
	m.bots[status.BotID] = b
	return nil
}

type memLockManager struct {
	mu    sync.Mutex
	held  map[string]bool
	fails map[string]error
}

func newMemLockManager() *memLockManager {
	return &memLockManager{held: make(map[string]bool), fails: make(map[string]error)}
}

func (m *memLockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fails[key]; ok {
		return nil, err
	}
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readyBot(id string) domain.BotConfig {
	return domain.BotConfig{
		ID: id, UserID: "u1",
		LongVenue: "bitfinex", ShortVenue: "bitmex",
		Symbol: "SOL", CapitalUSDT: 100, Leverage: 5,
		State: domain.BotStateReady,
	}
}

func TestScanClaimsReadyBots(t *testing.T) {
	store := newMemBotStore(readyBot("b1"), readyBot("b2"))
	s := New(store, newMemLockManager(), time.Minute, testLogger())

	claimed, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d bots, want 2", len(claimed))
	}
	for _, c := range claimed {
		if c.Bot.State != domain.BotStateOpening {
			t.Fatalf("bot %s state = %s, want opening", c.Bot.ID, c.Bot.State)
		}
		c.Release()
	}
}

func TestScanSkipsHeldLocks(t *testing.T) {
	store := newMemBotStore(readyBot("b1"))
	locks := newMemLockManager()
	locks.held["bot:b1"] = true

	s := New(store, locks, time.Minute, testLogger())
	claimed, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d bots, want 0", len(claimed))
	}
}

func TestScanReleasesLockOnClaimLoss(t *testing.T) {
	store := newMemBotStore(readyBot("b1"))
	// Steal the bot between ListReady and Claim: the race window.
	store.beforeClaim = func(botID string) {
		store.mu.Lock()
		b := store.bots[botID]
		b.State = domain.BotStateStopped
		store.bots[botID] = b
		store.mu.Unlock()
	}

	locks := newMemLockManager()
	s := New(store, locks, time.Minute, testLogger())

	claimed, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("nothing should be claimed")
	}
	locks.mu.Lock()
	defer locks.mu.Unlock()
	if locks.held["bot:b1"] {
		t.Fatal("lock must be released after a lost claim")
	}
}

func TestConcurrentScansClaimOnce(t *testing.T) {
	store := newMemBotStore(readyBot("b1"))
	locks := newMemLockManager()

	const scanners = 8
	results := make(chan int, scanners)
	var wg sync.WaitGroup
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := New(store, locks, time.Minute, testLogger())
			claimed, err := s.Scan(context.Background())
			if err != nil {
				results <- 0
				return
			}
			results <- len(claimed)
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	if total != 1 {
		t.Fatalf("total claims = %d, want exactly 1", total)
	}
}

func TestScanStopsOnCancelledContext(t *testing.T) {
	var bots []domain.BotConfig
	for i := 0; i < 5; i++ {
		bots = append(bots, readyBot(fmt.Sprintf("b%d", i)))
	}
	store := newMemBotStore(bots...)
	s := New(store, newMemLockManager(), time.Minute, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Scan(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
