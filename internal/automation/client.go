package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ent0n29/callroom/internal/log"
	"github.com/ent0n29/callroom/internal/observability"
	"github.com/ent0n29/callroom/internal/reliability"
)

// ClientConfig bounds how long a single call may keep the identity busy.
type ClientConfig struct {
	// CallsPerSecond paces calls proactively; zero disables pacing.
	CallsPerSecond float64
	// MaxAttempts bounds tries for transient failures.
	MaxAttempts int
	// MaxRateLimitWaits bounds platform-dictated waits per call.
	MaxRateLimitWaits int
	// MaxRateLimitWait rejects a single wait longer than this; zero means no bound.
	MaxRateLimitWait time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	// CallTimeout bounds each platform round trip; zero means none.
	CallTimeout time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CallsPerSecond:    1,
		MaxAttempts:       3,
		MaxRateLimitWaits: 3,
		MaxRateLimitWait:  10 * time.Minute,
		BackoffBase:       500 * time.Millisecond,
		BackoffCap:        10 * time.Second,
		CallTimeout:       15 * time.Second,
	}
}

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type request struct {
	ctx    context.Context
	method string
	call   func(ctx context.Context) error
	result chan error
}

// Client funnels every room-mutating call through one goroutine, so at most one
// platform call is in flight for the privileged identity. It implements Platform.
type Client struct {
	platform Platform
	cfg      ClientConfig
	limiter  *rate.Limiter
	logger   zerolog.Logger
	metrics  *observability.Metrics

	sleep  Sleeper
	jitter func() float64

	requests  chan request
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(platform Platform, cfg ClientConfig, logger zerolog.Logger, metrics *observability.Metrics) *Client {
	def := DefaultClientConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxRateLimitWaits < 0 {
		cfg.MaxRateLimitWaits = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}

	limit := rate.Inf
	if cfg.CallsPerSecond > 0 {
		limit = rate.Limit(cfg.CallsPerSecond)
	}

	return &Client{
		platform: platform,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		metrics:  metrics,
		sleep:    sleepContext,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
}

// SetSleeper replaces the wait used for rate limits and backoff.
func (c *Client) SetSleeper(s Sleeper) {
	c.sleep = s
}

// SetJitter replaces the backoff jitter source; values must be in [0,1).
func (c *Client) SetJitter(j func() float64) {
	c.jitter = j
}

// Run serves requests until ctx is done or Close is called.
func (c *Client) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-runCtx.Done():
		}
	}()

	c.logger.Info().Str(log.FieldEvent, "automation.started").Msg("automation client started")
	defer c.logger.Info().Str(log.FieldEvent, "automation.stopped").Msg("automation client stopped")

	for {
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		case req := <-c.requests:
			req.result <- c.execute(runCtx, req)
		}
	}
}

// Close stops Run. Blocked and future callers get ErrClientClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Do submits one call to the actor and waits for its outcome.
func (c *Client) Do(ctx context.Context, method string, call func(ctx context.Context) error) error {
	req := request{ctx: ctx, method: method, call: call, result: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
	return <-req.result
}

func (c *Client) CreateRoom(ctx context.Context, title, description string) (int64, error) {
	var roomID int64
	err := c.Do(ctx, MethodCreateRoom, func(ctx context.Context) error {
		id, err := c.platform.CreateRoom(ctx, title, description)
		roomID = id
		return err
	})
	return roomID, err
}

func (c *Client) PromoteMember(ctx context.Context, roomID, memberID int64, privileges Privileges) error {
	return c.Do(ctx, MethodPromoteMember, func(ctx context.Context) error {
		return c.platform.PromoteMember(ctx, roomID, memberID, privileges)
	})
}

func (c *Client) InviteMembers(ctx context.Context, roomID int64, memberIDs []int64) error {
	return c.Do(ctx, MethodInviteMembers, func(ctx context.Context) error {
		return c.platform.InviteMembers(ctx, roomID, memberIDs)
	})
}

func (c *Client) DeleteRoom(ctx context.Context, roomID int64) error {
	return c.Do(ctx, MethodDeleteRoom, func(ctx context.Context) error {
		return c.platform.DeleteRoom(ctx, roomID)
	})
}

func (c *Client) execute(runCtx context.Context, req request) error {
	ctx, cancel := context.WithCancel(req.ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	err := c.invoke(ctx, req)
	if err != nil && runCtx.Err() != nil && req.ctx.Err() == nil {
		return fmt.Errorf("%w: %s: %w", ErrClientClosed, req.method, err)
	}
	return err
}

func (c *Client) invoke(ctx context.Context, req request) error {
	var waits, attempts int
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.callOnce(ctx, req)
		if err == nil {
			c.metrics.AutomationCall(req.method, "ok")
			return nil
		}
		if ctx.Err() != nil {
			c.metrics.AutomationCall(req.method, "cancelled")
			return ctx.Err()
		}

		var rl *RateLimitedError
		if errors.As(err, &rl) {
			waits++
			c.metrics.AutomationCall(req.method, "rate_limited")
			if waits > c.cfg.MaxRateLimitWaits || (c.cfg.MaxRateLimitWait > 0 && rl.RetryAfter > c.cfg.MaxRateLimitWait) {
				c.logger.Error().
					Str(log.FieldEvent, "automation.rate_limit_budget_exhausted").
					Str(log.FieldMethod, req.method).
					Int(log.FieldAttempt, waits).
					Dur(log.FieldRetryAfter, rl.RetryAfter).
					Msg("rate limit budget exhausted")
				return &PlatformError{
					Method:  req.method,
					Code:    CodeRateLimitBudget,
					Message: fmt.Sprintf("rate limited %d times, last retry after %s", waits, rl.RetryAfter),
					Kind:    KindPermanent,
				}
			}
			c.logger.Warn().
				Str(log.FieldEvent, "automation.rate_limited").
				Str(log.FieldMethod, req.method).
				Int(log.FieldAttempt, waits).
				Dur(log.FieldRetryAfter, rl.RetryAfter).
				Msg("platform rate limit, waiting")
			c.metrics.ObserveRateLimitWait(rl.RetryAfter)
			if err := c.sleep(ctx, rl.RetryAfter); err != nil {
				return err
			}
			continue
		}

		if errors.Is(err, ErrTransient) {
			attempts++
			c.metrics.AutomationCall(req.method, "transient")
			if attempts >= c.cfg.MaxAttempts {
				return fmt.Errorf("%s failed after %d attempts: %w", req.method, attempts, err)
			}
			backoff := reliability.JitteredBackoff(attempts-1, c.cfg.BackoffBase, c.cfg.BackoffCap, c.jitter)
			c.logger.Warn().
				Err(err).
				Str(log.FieldEvent, "automation.retry").
				Str(log.FieldMethod, req.method).
				Int(log.FieldAttempt, attempts).
				Dur("backoff", backoff).
				Msg("transient platform failure, retrying")
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
			continue
		}

		c.metrics.AutomationCall(req.method, "permanent")
		return err
	}
}

func (c *Client) callOnce(ctx context.Context, req request) error {
	if c.cfg.CallTimeout <= 0 {
		return req.call(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	err := req.call(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return NewPlatformError(req.method, CodeTimeout, err.Error())
	}
	return err
}
