package videocall

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callroom/internal/log"
	"github.com/ent0n29/callroom/internal/session"
)

// FireFunc tears a session down. It must be a no-op for terminal sessions.
type FireFunc func(ctx context.Context, sessionID string) error

// Scheduler keeps one teardown timer per active session. Timers are only a latency
// optimisation: the persisted activation time is the source of truth, and Sweep fires
// anything a lost timer missed.
type Scheduler struct {
	registry *session.Registry
	fire     FireFunc
	clock    Clock
	grace    time.Duration
	interval time.Duration
	logger   zerolog.Logger
	// afterSweep runs after every periodic sweep; set before Start.
	afterSweep func(ctx context.Context)

	mu      sync.Mutex
	timers  map[string]*armedTimer
	baseCtx context.Context
	stopped bool
	wg      sync.WaitGroup
}

type armedTimer struct {
	timer  Timer
	fireAt time.Time
}

func NewScheduler(registry *session.Registry, fire FireFunc, clock Clock, grace, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		registry: registry,
		fire:     fire,
		clock:    clock,
		grace:    grace,
		interval: interval,
		logger:   logger,
		timers:   make(map[string]*armedTimer),
		baseCtx:  context.Background(),
	}
}

// Arm schedules the teardown of sessionID at fireAt, replacing any earlier timer.
func (s *Scheduler) Arm(sessionID string, fireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.disarmLocked(sessionID)

	delay := fireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	entry := &armedTimer{fireAt: fireAt}
	s.wg.Add(1)
	entry.timer = s.clock.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		current, ok := s.timers[sessionID]
		if !ok || current != entry || s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, sessionID)
		ctx := s.baseCtx
		s.mu.Unlock()
		s.run(ctx, sessionID, "timer")
	})
	s.timers[sessionID] = entry

	s.logger.Debug().
		Str(log.FieldEvent, "teardown.armed").
		Str(log.FieldSessionID, sessionID).
		Time(log.FieldFireAt, fireAt).
		Msg("teardown armed")
}

// OnSweep registers work to run after every periodic sweep. It must be called before Start.
func (s *Scheduler) OnSweep(fn func(ctx context.Context)) {
	s.afterSweep = fn
}

// Disarm drops the timer of sessionID, if any.
func (s *Scheduler) Disarm(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(sessionID)
}

func (s *Scheduler) disarmLocked(sessionID string) {
	entry, ok := s.timers[sessionID]
	if !ok {
		return
	}
	delete(s.timers, sessionID)
	if entry.timer.Stop() {
		s.wg.Done()
	}
}

// Armed reports whether sessionID has a pending timer and when it fires.
func (s *Scheduler) Armed(sessionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return entry.fireAt, true
}

// Pending counts armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Recover arms every active session from its persisted activation time. Sessions already
// past due are torn down before Recover returns; fired counts the teardowns that succeeded.
func (s *Scheduler) Recover(ctx context.Context) (armed, fired int, err error) {
	return s.scan(ctx, "recover")
}

// Sweep tears down every active session whose fire time has passed and arms any
// session that lost its timer. A failed teardown is not counted and is retried next sweep.
func (s *Scheduler) Sweep(ctx context.Context) (fired int, err error) {
	_, fired, err = s.scan(ctx, "sweep")
	return fired, err
}

func (s *Scheduler) scan(ctx context.Context, trigger string) (armed, fired int, err error) {
	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := s.clock.Now()
	for _, sess := range active {
		if ctx.Err() != nil {
			return armed, fired, ctx.Err()
		}
		fireAt, ok := sess.FireAt(s.grace)
		if !ok {
			continue
		}
		if !fireAt.After(now) {
			s.Disarm(sess.ID)
			if s.run(ctx, sess.ID, trigger) {
				fired++
			}
			continue
		}
		if at, ok := s.Armed(sess.ID); !ok || !at.Equal(fireAt) {
			s.Arm(sess.ID, fireAt)
			armed++
		}
	}
	return armed, fired, nil
}

func (s *Scheduler) run(ctx context.Context, sessionID, trigger string) bool {
	if err := s.fire(ctx, sessionID); err != nil {
		// the session stays active and the next sweep retries it
		s.logger.Error().
			Err(err).
			Str(log.FieldEvent, "teardown.failed").
			Str(log.FieldSessionID, sessionID).
			Str("trigger", trigger).
			Msg("teardown failed")
		return false
	}
	return true
}

// Start sweeps every interval until ctx is done, then stops all timers and waits for
// teardowns already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Str(log.FieldEvent, "scheduler.started").Dur("interval", s.interval).Msg("expiry scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.stop()
			s.logger.Info().Str(log.FieldEvent, "scheduler.stopped").Msg("expiry scheduler stopped")
			return nil
		case <-ticker.C():
			if n, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Str(log.FieldEvent, "scheduler.sweep_failed").Msg("sweep failed")
			} else if n > 0 {
				s.logger.Info().Str(log.FieldEvent, "scheduler.swept").Int("fired", n).Msg("sweep fired overdue teardowns")
			}
			if s.afterSweep != nil && ctx.Err() == nil {
				s.afterSweep(ctx)
			}
		}
	}
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	for id := range s.timers {
		s.disarmLocked(id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
