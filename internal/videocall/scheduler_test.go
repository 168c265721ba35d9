package videocall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/ent0n29/callroom/internal/log"
	"github.com/ent0n29/callroom/internal/session"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (f *fireRecorder) Fire(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, sessionID)
	return nil
}

func (f *fireRecorder) Fired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

func newTestScheduler(clock Clock, registry *session.Registry) (*Scheduler, *fireRecorder) {
	rec := &fireRecorder{}
	return NewScheduler(registry, rec.Fire, clock, 5*time.Minute, time.Second, log.Nop()), rec
}

func TestArmReplacesEarlierTimer(t *testing.T) {
	clock := newFakeClock()
	s, rec := newTestScheduler(clock, nil)

	s.Arm("vc_1", epoch.Add(time.Minute))
	s.Arm("vc_1", epoch.Add(10*time.Minute))
	if got := s.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	clock.Advance(5 * time.Minute)
	if got := rec.Fired(); len(got) != 0 {
		t.Fatalf("fired %v before the replacement time", got)
	}
	clock.Advance(5 * time.Minute)
	if got := rec.Fired(); len(got) != 1 || got[0] != "vc_1" {
		t.Fatalf("fired = %v, want [vc_1]", got)
	}
	if got := s.Pending(); got != 0 {
		t.Fatalf("Pending() = %d, want 0", got)
	}
}

func TestDisarmPreventsFiring(t *testing.T) {
	clock := newFakeClock()
	s, rec := newTestScheduler(clock, nil)

	s.Arm("vc_1", epoch.Add(time.Minute))
	s.Disarm("vc_1")
	s.Disarm("vc_1")
	clock.Advance(time.Hour)
	if got := rec.Fired(); len(got) != 0 {
		t.Fatalf("fired = %v, want none", got)
	}
}

func TestSweepFiresSessionsThatLostTheirTimer(t *testing.T) {
	h := newHarness(t)
	h.seedActive(t, "vc_111111111111", epoch, 10, 0)
	h.seedActive(t, "vc_222222222222", epoch, 60, 0)
	s, rec := newTestScheduler(h.clock, h.registry)

	h.clock.Advance(20 * time.Minute)
	fired, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if fired != 1 || len(rec.Fired()) != 1 || rec.Fired()[0] != "vc_111111111111" {
		t.Fatalf("Sweep() fired %d %v, want vc_111111111111", fired, rec.Fired())
	}
	// the session that is not due yet gets its timer back
	if at, ok := s.Armed("vc_222222222222"); !ok || !at.Equal(epoch.Add(65*time.Minute)) {
		t.Fatalf("Armed() = (%v, %v), want %v", at, ok, epoch.Add(65*time.Minute))
	}
}

func TestSchedulerStartStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	s, _ := newTestScheduler(RealClock(), h.registry)
	s.Arm("vc_1", time.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Start() did not return after cancel")
	}
	if got := s.Pending(); got != 0 {
		t.Fatalf("Pending() after stop = %d, want 0", got)
	}
	s.Arm("vc_2", time.Now())
	if got := s.Pending(); got != 0 {
		t.Fatalf("Arm() after stop armed a timer")
	}
}

func TestSchedulerStartSweepsOnClockTicks(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	h := newHarness(t)
	h.seedActive(t, "vc_565656565656", epoch.Add(-time.Hour), 10, 0)
	h.seedSession(t, session.Session{
		ID: "vc_787878787878", CreatorID: 10, CounterpartID: 20, DurationMinutes: 10, Price: 400,
		Status: session.StatusCancelled, RefundPending: true, CreatedAt: epoch.Add(-time.Hour),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Scheduler().Start(ctx) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("Start() did not return after cancel")
		}
	}()

	waitFor(t, "ticker started", func() bool { return h.clock.Tickers() == 1 })
	if got := h.session(t, "vc_565656565656").Status; got != session.StatusActive {
		t.Fatalf("status before the first tick = %s, want active", got)
	}

	h.clock.Advance(testConfig().SweepInterval)
	waitFor(t, "overdue session torn down", func() bool {
		return h.session(t, "vc_565656565656").Status == session.StatusCompleted
	})
	waitFor(t, "pending refund delivered", func() bool {
		return !h.session(t, "vc_787878787878").RefundPending
	})
	if diff := cmp.Diff([]refundCall{{SessionID: "vc_787878787878", Price: 400}}, h.refunds.Calls()); diff != "" {
		t.Fatalf("refunds mismatch (-want +got):\n%s", diff)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealTimerFiresPastDueImmediately(t *testing.T) {
	s, rec := newTestScheduler(RealClock(), nil)
	s.Arm("vc_1", time.Now().Add(-time.Minute))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Fired()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("past-due timer did not fire")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
