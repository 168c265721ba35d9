// Package videocall runs the lifecycle of paid video call rooms: provision, admit,
// expire and tear down, with rollback and a refund signal when a paid session fails.
package videocall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/callroom/internal/automation"
	"github.com/ent0n29/callroom/internal/log"
	"github.com/ent0n29/callroom/internal/observability"
	"github.com/ent0n29/callroom/internal/session"
)

var tracer = observability.Tracer("github.com/ent0n29/callroom/internal/videocall")

const compensationTimeout = 2 * time.Minute

type Config struct {
	// GracePeriod is added to the purchased duration before the room is removed.
	GracePeriod   time.Duration
	SweepInterval time.Duration
	// PendingStaleAfter is how old a pending session must be before Reconcile cancels it.
	// Zero disables the check.
	PendingStaleAfter time.Duration
	// BotUserID is promoted inside every room; zero skips promotion.
	BotUserID int64
}

// RefundSink receives the refund obligation of a paid session that could not be fulfilled.
// A delivery whose outcome was not recorded is repeated, so implementations must be
// idempotent per session id.
type RefundSink interface {
	RefundRequired(ctx context.Context, sessionID string, price int64) error
}

type RefundSinkFunc func(ctx context.Context, sessionID string, price int64) error

func (f RefundSinkFunc) RefundRequired(ctx context.Context, sessionID string, price int64) error {
	return f(ctx, sessionID, price)
}

type Deps struct {
	Registry *session.Registry
	Ledger   *session.RoomLedger
	// Client must serialize platform calls; in production it is an *automation.Client.
	Client  automation.Platform
	Refunds RefundSink
	Clock   Clock
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

type StartRequest struct {
	CreatorID          int64  `json:"creator_id"`
	CounterpartID      int64  `json:"counterpart_id"`
	DurationMinutes    int    `json:"duration_minutes"`
	Price              int64  `json:"price"`
	CreatorDisplayName string `json:"creator_display_name"`
	PaymentVerified    bool   `json:"payment_verified"`
}

type StartResult struct {
	SessionID string `json:"session_id"`
	RoomID    int64  `json:"room_id"`
}

type ReconcileReport struct {
	Rearmed   int      `json:"rearmed"`
	Fired     int      `json:"fired"`
	Completed []string `json:"completed"`
	Cancelled []string `json:"cancelled"`
	Refunded  []string `json:"refunded"`
	// PendingRefunds are recorded refunds the sink did not accept during this pass.
	PendingRefunds []string `json:"pending_refunds"`
	Active         int      `json:"active"`
}

type Orchestrator struct {
	cfg         Config
	registry    *session.Registry
	ledger      *session.RoomLedger
	client      automation.Platform
	refunds     RefundSink
	provisioner *Provisioner
	admission   *Admission
	scheduler   *Scheduler
	clock       Clock
	logger      zerolog.Logger
	metrics     *observability.Metrics

	teardowns singleflight.Group
}

func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("videocall: registry is required")
	case deps.Ledger == nil:
		return nil, errors.New("videocall: room ledger is required")
	case deps.Client == nil:
		return nil, errors.New("videocall: automation client is required")
	case deps.Refunds == nil:
		return nil, errors.New("videocall: refund sink is required")
	}
	if cfg.GracePeriod < 0 {
		return nil, fmt.Errorf("videocall: grace period must not be negative, got %s", cfg.GracePeriod)
	}
	clock := deps.Clock
	if clock == nil {
		clock = RealClock()
	}

	o := &Orchestrator{
		cfg:      cfg,
		registry: deps.Registry,
		ledger:   deps.Ledger,
		client:   deps.Client,
		refunds:  deps.Refunds,
		clock:    clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
	o.provisioner = NewProvisioner(deps.Client, deps.Ledger, cfg.BotUserID, clock, deps.Logger, deps.Metrics)
	o.admission = NewAdmission(deps.Client, deps.Logger)
	o.scheduler = NewScheduler(deps.Registry, o.Teardown, clock, cfg.GracePeriod, cfg.SweepInterval, deps.Logger)
	o.scheduler.OnSweep(o.sweepRefunds)
	return o, nil
}

func (o *Orchestrator) Scheduler() *Scheduler {
	return o.scheduler
}

// StartSession creates a session and runs provision, activation, admission and arming
// in that order. Any failure after the session row exists cancels it and returns a
// *SessionError.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (res StartResult, err error) {
	ctx, span := tracer.Start(ctx, "videocall.start_session")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "start session failed")
		}
		span.End()
	}()

	sess, err := o.registry.Create(ctx, session.CreateRequest{
		CreatorID:       req.CreatorID,
		CounterpartID:   req.CounterpartID,
		DurationMinutes: req.DurationMinutes,
		Price:           req.Price,
		PaymentVerified: req.PaymentVerified,
	})
	if err != nil {
		return StartResult{}, err
	}
	id := sess.ID
	o.metrics.SessionEvent("created")
	span.SetAttributes(attribute.String("session.id", id))

	roomID, err := o.provisioner.Provision(ctx, id, req.CreatorDisplayName)
	if err != nil {
		return StartResult{}, o.fail(ctx, id, "provision failed", err)
	}

	sess, err = o.registry.MarkActive(ctx, id, roomID)
	if err != nil {
		return StartResult{}, o.fail(ctx, id, "activation failed", err)
	}
	o.metrics.SessionActivated()
	o.metrics.SessionEvent("activated")

	admitted := o.admission.Admit(ctx, roomID, []int64{req.CreatorID, req.CounterpartID})
	if err := admitted.Err(); err != nil {
		return StartResult{}, o.fail(ctx, id, "admission failed", err)
	}

	fireAt, _ := sess.FireAt(o.cfg.GracePeriod)
	o.scheduler.Arm(sess.ID, fireAt)

	o.logger.Info().
		Str(log.FieldEvent, "session.started").
		Str(log.FieldSessionID, sess.ID).
		Int64(log.FieldRoomID, roomID).
		Time(log.FieldFireAt, fireAt).
		Msg("video call session started")
	return StartResult{SessionID: sess.ID, RoomID: roomID}, nil
}

func (o *Orchestrator) fail(ctx context.Context, sessionID, reason string, cause error) error {
	// rollback must finish even when the caller has gone away
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	refunded, err := o.Cancel(ctx, sessionID, reason)
	switch {
	case errors.Is(err, ErrRefundDeferred):
		// the obligation is on the session row; a later sweep delivers it
		refunded = true
	case err != nil:
		o.logger.Error().
			Err(err).
			Str(log.FieldEvent, "session.rollback_failed").
			Str(log.FieldSessionID, sessionID).
			Msg("rollback failed")
		cause = errors.Join(cause, err)
	}
	return &SessionError{SessionID: sessionID, Refunded: refunded, Err: cause}
}

// Cancel marks the session cancelled, deletes any room it still has and delivers the
// refund obligation of a paid session. The obligation is recorded on the session row in
// the same write as the cancel and cleared only once the sink accepts it, so a sink
// failure returns ErrRefundDeferred and the refund is retried later. Calling Cancel on a
// terminal session retries both the room deletion and a pending refund. refunded reports
// whether this call delivered the refund.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, reason string) (refunded bool, err error) {
	ctx, span := tracer.Start(ctx, "videocall.cancel")
	span.SetAttributes(attribute.String("session.id", sessionID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancel failed")
		}
		span.End()
	}()

	before, err := o.registry.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	logger := o.logger.With().Str(log.FieldSessionID, sessionID).Logger()

	after := before
	if !before.Status.Terminal() {
		var changed bool
		after, changed, err = o.registry.MarkCancelled(ctx, sessionID, reason)
		if err != nil {
			return false, err
		}
		if changed {
			o.metrics.SessionEvent("cancelled")
			if before.Status == session.StatusActive {
				o.metrics.SessionEnded()
			}
		}
	}
	o.scheduler.Disarm(sessionID)

	// the ledger refuses rooms for a cancelled session, so any room created concurrently
	// is either visible here or discarded by its provisioner
	if err := o.releaseRoom(ctx, sessionID, logger); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "room.orphaned").Msg("room could not be removed during cancel")
	}

	if !after.RefundPending {
		return false, nil
	}
	return o.deliverRefund(ctx, after, logger)
}

// deliverRefund hands a recorded refund to the sink and clears the flag. Only the caller
// that clears it reports true.
func (o *Orchestrator) deliverRefund(ctx context.Context, sess session.Session, logger zerolog.Logger) (bool, error) {
	if err := o.refunds.RefundRequired(ctx, sess.ID, sess.Price); err != nil {
		o.metrics.SessionEvent("refund_deferred")
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "refund.deferred").
			Int64(log.FieldPrice, sess.Price).
			Msg("refund sink failed, will retry")
		return false, fmt.Errorf("%w: %s: %w", ErrRefundDeferred, sess.ID, err)
	}

	cleared, err := o.registry.ClearRefundPending(ctx, sess.ID)
	if err != nil {
		// the sink has it; the next retry repeats an idempotent delivery
		logger.Error().Err(err).Str(log.FieldEvent, "refund.flag_stuck").Msg("refund delivered but flag not cleared")
		return true, nil
	}
	if !cleared {
		return false, nil
	}
	o.metrics.RefundRaised()
	logger.Warn().
		Str(log.FieldEvent, "session.refund_required").
		Int64(log.FieldPrice, sess.Price).
		Str(log.FieldReason, sess.CancelReason).
		Msg("refund required")
	return true, nil
}

// RetryRefunds delivers every refund still recorded on a cancelled session. Refunds the
// sink refuses again are returned in deferred and stay recorded.
func (o *Orchestrator) RetryRefunds(ctx context.Context) (delivered, deferred []string, err error) {
	pending, err := o.registry.ListRefundPending(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, sess := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, deferred, err
		}
		logger := o.logger.With().Str(log.FieldSessionID, sess.ID).Logger()
		ok, err := o.deliverRefund(ctx, sess, logger)
		switch {
		case errors.Is(err, ErrRefundDeferred):
			deferred = append(deferred, sess.ID)
		case err != nil:
			return delivered, deferred, err
		case ok:
			delivered = append(delivered, sess.ID)
		}
	}
	return delivered, deferred, nil
}

func (o *Orchestrator) sweepRefunds(ctx context.Context) {
	delivered, deferred, err := o.RetryRefunds(ctx)
	if err != nil && ctx.Err() == nil {
		o.logger.Error().Err(err).Str(log.FieldEvent, "refund.retry_failed").Msg("refund retry failed")
		return
	}
	if len(delivered) > 0 || len(deferred) > 0 {
		o.logger.Info().
			Str(log.FieldEvent, "refund.retried").
			Int("delivered", len(delivered)).
			Int("deferred", len(deferred)).
			Msg("retried pending refunds")
	}
}

// Teardown deletes the room of an active session and completes it. It is a no-op for
// terminal sessions; concurrent calls for one session share a single run.
func (o *Orchestrator) Teardown(ctx context.Context, sessionID string) error {
	_, err, _ := o.teardowns.Do(sessionID, func() (any, error) {
		return nil, o.teardown(ctx, sessionID)
	})
	return err
}

func (o *Orchestrator) teardown(ctx context.Context, sessionID string) (err error) {
	ctx, span := tracer.Start(ctx, "videocall.teardown")
	span.SetAttributes(attribute.String("session.id", sessionID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "teardown failed")
		}
		span.End()
	}()

	sess, err := o.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		o.scheduler.Disarm(sessionID)
		o.metrics.Teardown("noop")
		return nil
	}
	if sess.Status != session.StatusActive {
		return fmt.Errorf("%w: %s is %s, want %s", session.ErrInvalidTransition, sessionID, sess.Status, session.StatusActive)
	}

	logger := o.logger.With().Str(log.FieldSessionID, sessionID).Logger()
	if err := o.releaseRoom(ctx, sessionID, logger); err != nil {
		o.metrics.Teardown("error")
		return err
	}

	_, changed, err := o.registry.MarkCompleted(ctx, sessionID)
	if err != nil {
		o.metrics.Teardown("error")
		return err
	}
	o.scheduler.Disarm(sessionID)
	o.metrics.Teardown("completed")
	if changed {
		o.metrics.SessionEvent("completed")
		o.metrics.SessionEnded()
		logger.Info().Str(log.FieldEvent, "session.torn_down").Msg("session torn down")
	}
	return nil
}

// releaseRoom deletes the live room bound to sessionID and stamps it deleted. A room that
// is already gone, or whose deletion the platform refuses, counts as released.
func (o *Orchestrator) releaseRoom(ctx context.Context, sessionID string, logger zerolog.Logger) error {
	room, err := o.ledger.LookupBySession(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !room.Live() {
		return nil
	}

	logger = logger.With().Int64(log.FieldRoomID, room.ID).Logger()
	err = o.client.DeleteRoom(ctx, room.ID)
	switch {
	case err == nil:
	case automation.IsCode(err, automation.CodeRoomNotFound):
		logger.Info().Str(log.FieldEvent, "room.already_gone").Msg("room already deleted on platform")
	case errors.Is(err, automation.ErrPermanent):
		logger.Error().Err(err).Str(log.FieldEvent, "room.delete_denied").Msg("platform refused room deletion, treating as done")
	default:
		return fmt.Errorf("delete room %d: %w", room.ID, err)
	}

	if _, err := o.ledger.MarkDeleted(ctx, room.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	return nil
}

// EndNow tears an active session down before its scheduled expiry.
func (o *Orchestrator) EndNow(ctx context.Context, sessionID string) (session.Session, error) {
	if err := o.Teardown(ctx, sessionID); err != nil {
		return session.Session{}, err
	}
	o.logger.Info().Str(log.FieldEvent, "session.ended_early").Str(log.FieldSessionID, sessionID).Msg("session ended by operator")
	return o.registry.Get(ctx, sessionID)
}

func (o *Orchestrator) GetSessionStatus(ctx context.Context, sessionID string) (session.Session, error) {
	return o.registry.Get(ctx, sessionID)
}

// Reconcile heals state left by a crash: refunds the sink never accepted are delivered,
// stale pending sessions and active sessions without a recorded room are cancelled with
// a refund, active sessions whose room was already deleted are completed, and every
// remaining active session is re-armed.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	delivered, deferred, err := o.RetryRefunds(ctx)
	report.Refunded = append(report.Refunded, delivered...)
	report.PendingRefunds = append(report.PendingRefunds, deferred...)
	if err != nil {
		return report, err
	}

	if o.cfg.PendingStaleAfter > 0 {
		pending, err := o.registry.ListPending(ctx)
		if err != nil {
			return report, err
		}
		now := o.clock.Now()
		for _, sess := range pending {
			if now.Sub(sess.CreatedAt) < o.cfg.PendingStaleAfter {
				continue
			}
			if err := o.reconcileCancel(ctx, &report, sess.ID, "stale pending session"); err != nil {
				return report, err
			}
		}
	}

	active, err := o.registry.ListActive(ctx)
	if err != nil {
		return report, err
	}
	for _, sess := range active {
		room, err := o.ledger.LookupBySession(ctx, sess.ID)
		switch {
		case errors.Is(err, session.ErrNotFound):
			if err := o.reconcileCancel(ctx, &report, sess.ID, "room missing from ledger"); err != nil {
				return report, err
			}
		case err != nil:
			return report, err
		case !room.Live():
			if err := o.Teardown(ctx, sess.ID); err != nil {
				return report, err
			}
			report.Completed = append(report.Completed, sess.ID)
		}
	}

	report.Rearmed, report.Fired, err = o.scheduler.Recover(ctx)
	if err != nil {
		return report, err
	}

	remaining, err := o.registry.ListActive(ctx)
	if err != nil {
		return report, err
	}
	report.Active = len(remaining)
	o.metrics.SetActiveSessions(report.Active)

	o.logger.Info().
		Str(log.FieldEvent, "reconcile.done").
		Int("rearmed", report.Rearmed).
		Int("fired", report.Fired).
		Int("completed", len(report.Completed)).
		Int("cancelled", len(report.Cancelled)).
		Int("refunded", len(report.Refunded)).
		Int("pending_refunds", len(report.PendingRefunds)).
		Int("active", report.Active).
		Msg("reconciliation finished")
	return report, nil
}

func (o *Orchestrator) reconcileCancel(ctx context.Context, report *ReconcileReport, sessionID, reason string) error {
	refunded, err := o.Cancel(ctx, sessionID, reason)
	switch {
	case errors.Is(err, ErrRefundDeferred):
		report.PendingRefunds = append(report.PendingRefunds, sessionID)
	case err != nil:
		return err
	case refunded:
		report.Refunded = append(report.Refunded, sessionID)
	}
	report.Cancelled = append(report.Cancelled, sessionID)
	return nil
}
