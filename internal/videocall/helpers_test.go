package videocall

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/callroom/internal/automation"
	"github.com/ent0n29/callroom/internal/log"
	"github.com/ent0n29/callroom/internal/session"
)

var epoch = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// fakeTicker drops ticks nobody is waiting for, like time.Ticker.
type fakeTicker struct {
	clock   *fakeClock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

// Tickers counts running tickers.
func (c *fakeClock) Tickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves time forward and runs due timers in fire order on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	pending := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.done:
		case !t.at.After(c.now):
			t.done = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	for _, t := range c.tickers {
		for !t.stopped && !t.next.After(c.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type refundCall struct {
	SessionID string
	Price     int64
}

// recordingSink keeps accepted refunds; refused deliveries are only counted.
type recordingSink struct {
	mu       sync.Mutex
	calls    []refundCall
	faults   []error
	attempts int
}

func (s *recordingSink) RefundRequired(_ context.Context, sessionID string, price int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if len(s.faults) > 0 {
		err := s.faults[0]
		s.faults = s.faults[1:]
		return err
	}
	s.calls = append(s.calls, refundCall{SessionID: sessionID, Price: price})
	return nil
}

// FailNext makes the next deliveries fail with errs, in order.
func (s *recordingSink) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, errs...)
}

func (s *recordingSink) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *recordingSink) Calls() []refundCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]refundCall(nil), s.calls...)
}

const testBotUserID = 777

type harness struct {
	clock    *fakeClock
	store    *session.MemoryStore
	registry *session.Registry
	ledger   *session.RoomLedger
	platform *automation.MockPlatform
	refunds  *recordingSink
	orch     *Orchestrator
}

func testConfig() Config {
	return Config{
		GracePeriod:       5 * time.Minute,
		SweepInterval:     30 * time.Second,
		PendingStaleAfter: 10 * time.Minute,
		BotUserID:         testBotUserID,
	}
}

// newHarness wires an orchestrator straight onto the mock platform.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		store:    session.NewMemoryStore(),
		platform: automation.NewMockPlatform(),
		refunds:  &recordingSink{},
	}
	h.rebuild(t, h.platform)
	return h
}

// rebuild creates a fresh orchestrator over the same store, as a restarted process would.
func (h *harness) rebuild(t *testing.T, client automation.Platform) {
	t.Helper()
	h.registry = session.NewRegistry(h.store, log.Nop())
	h.registry.SetClock(h.clock.Now)
	h.ledger = session.NewRoomLedger(h.store)
	h.ledger.SetClock(h.clock.Now)

	orch, err := NewOrchestrator(testConfig(), Deps{
		Registry: h.registry,
		Ledger:   h.ledger,
		Client:   client,
		Refunds:  h.refunds,
		Clock:    h.clock,
		Logger:   log.Nop(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	h.orch = orch
}

func (h *harness) session(t *testing.T, id string) session.Session {
	t.Helper()
	sess, err := h.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return sess
}

// seedActive stores an active session with a live room, bypassing the orchestrator.
func (h *harness) seedActive(t *testing.T, id string, activatedAt time.Time, durationMin int, price int64) int64 {
	t.Helper()
	ctx := context.Background()
	roomID, err := h.platform.CreateRoom(ctx, RoomTitle("Seed", id), RoomDescription(id))
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	h.seedSession(t, session.Session{
		ID:              id,
		CreatorID:       10,
		CounterpartID:   20,
		DurationMinutes: durationMin,
		Price:           price,
		Status:          session.StatusPending,
		CreatedAt:       activatedAt.Add(-time.Minute),
	})
	if _, err := h.ledger.Register(ctx, roomID, id, RoomTitle("Seed", id), RoomDescription(id)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := h.store.TransitionSession(ctx, id, session.Transition{
		From:   []session.Status{session.StatusPending},
		To:     session.StatusActive,
		At:     activatedAt,
		RoomID: &roomID,
	}); err != nil {
		t.Fatalf("TransitionSession(activate) error = %v", err)
	}
	return roomID
}

func (h *harness) seedSession(t *testing.T, sess session.Session) {
	t.Helper()
	if err := h.store.InsertSession(context.Background(), sess); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}
}

func freeRequest() StartRequest {
	return StartRequest{
		CreatorID:          1,
		CounterpartID:      2,
		DurationMinutes:    10,
		Price:              0,
		CreatorDisplayName: "Alice",
	}
}
