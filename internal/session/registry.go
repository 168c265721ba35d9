package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/callroom/internal/log"
)

const maxIDAttempts = 5

// NewSessionID returns "vc_" followed by 12 lowercase hex characters of a random UUID.
func NewSessionID() string {
	return "vc_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Registry owns the session lifecycle. Every status write is a compare-and-set in the Store.
type Registry struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

func NewRegistry(store Store, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  NewSessionID,
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// SetIDGenerator replaces the session id source.
func (r *Registry) SetIDGenerator(gen func() string) {
	r.newID = gen
}

// Create inserts a pending session. A colliding id is retried with a fresh one.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (Session, error) {
	if err := req.Validate(); err != nil {
		return Session{}, err
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		sess := Session{
			ID:              r.newID(),
			CreatorID:       req.CreatorID,
			CounterpartID:   req.CounterpartID,
			DurationMinutes: req.DurationMinutes,
			Price:           req.Price,
			Status:          StatusPending,
			PaymentVerified: req.PaymentVerified,
			CreatedAt:       r.now(),
		}
		err := r.store.InsertSession(ctx, sess)
		if err == nil {
			r.logger.Info().
				Str(log.FieldEvent, "session.created").
				Str(log.FieldSessionID, sess.ID).
				Int64(log.FieldCreatorID, sess.CreatorID).
				Int64(log.FieldMemberID, sess.CounterpartID).
				Int(log.FieldDurationMin, sess.DurationMinutes).
				Int64(log.FieldPrice, sess.Price).
				Msg("session created")
			return sess, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Session{}, storageErr("create session", err)
		}
		r.logger.Warn().Str(log.FieldSessionID, sess.ID).Msg("session id collision, regenerating")
	}
	return Session{}, fmt.Errorf("%w: could not allocate a unique session id", ErrStorageUnavailable)
}

func (r *Registry) Get(ctx context.Context, id string) (Session, error) {
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Session{}, storageErr("get session", err)
	}
	return sess, nil
}

// MarkActive binds the room and moves pending to active.
func (r *Registry) MarkActive(ctx context.Context, id string, roomID int64) (Session, error) {
	sess, err := r.transition(ctx, id, Transition{
		From:   []Status{StatusPending},
		To:     StatusActive,
		At:     r.now(),
		RoomID: &roomID,
	})
	if errors.Is(err, ErrStatusMismatch) {
		return sess, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, sess.Status, StatusPending)
	}
	if err != nil {
		return Session{}, err
	}
	r.logTransition(sess, StatusPending, "")
	return sess, nil
}

// MarkCompleted moves active to completed. A terminal session is returned unchanged.
func (r *Registry) MarkCompleted(ctx context.Context, id string) (Session, bool, error) {
	sess, err := r.transition(ctx, id, Transition{
		From: []Status{StatusActive},
		To:   StatusCompleted,
		At:   r.now(),
	})
	if errors.Is(err, ErrStatusMismatch) {
		if sess.Status.Terminal() {
			return sess, false, nil
		}
		return sess, false, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, sess.Status, StatusActive)
	}
	if err != nil {
		return Session{}, false, err
	}
	r.logTransition(sess, StatusActive, "")
	return sess, true, nil
}

// MarkCancelled moves pending or active to cancelled and, for a paid session, sets
// RefundPending in the same write. A terminal session is returned unchanged.
func (r *Registry) MarkCancelled(ctx context.Context, id, reason string) (Session, bool, error) {
	before, err := r.Get(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	sess, err := r.transition(ctx, id, Transition{
		From:       []Status{StatusPending, StatusActive},
		To:         StatusCancelled,
		At:         r.now(),
		Reason:     reason,
		FlagRefund: true,
	})
	if errors.Is(err, ErrStatusMismatch) {
		return sess, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	r.logTransition(sess, before.Status, reason)
	return sess, true, nil
}

func (r *Registry) ListActive(ctx context.Context) ([]Session, error) {
	return r.list(ctx, StatusActive)
}

func (r *Registry) ListPending(ctx context.Context) ([]Session, error) {
	return r.list(ctx, StatusPending)
}

// ListRefundPending returns cancelled sessions whose refund has not been delivered yet.
func (r *Registry) ListRefundPending(ctx context.Context) ([]Session, error) {
	out, err := r.store.ListRefundPending(ctx)
	if err != nil {
		return nil, storageErr("list pending refunds", err)
	}
	return out, nil
}

// ClearRefundPending records that the refund of id was delivered. It reports false when
// another caller already cleared it.
func (r *Registry) ClearRefundPending(ctx context.Context, id string) (bool, error) {
	cleared, err := r.store.ClearRefundPending(ctx, id)
	switch {
	case err == nil:
		return cleared, nil
	case errors.Is(err, ErrNotFound):
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		return false, storageErr("clear refund flag", err)
	}
}

func (r *Registry) Ping(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (r *Registry) list(ctx context.Context, status Status) ([]Session, error) {
	out, err := r.store.ListSessionsByStatus(ctx, status)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	return out, nil
}

func (r *Registry) transition(ctx context.Context, id string, t Transition) (Session, error) {
	sess, err := r.store.TransitionSession(ctx, id, t)
	switch {
	case err == nil, errors.Is(err, ErrStatusMismatch):
		return sess, err
	case errors.Is(err, ErrNotFound):
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		return Session{}, storageErr("transition session", err)
	}
}

func (r *Registry) logTransition(sess Session, from Status, reason string) {
	evt := r.logger.Info().
		Str(log.FieldEvent, "session."+string(sess.Status)).
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(sess.Status))
	if sess.RoomID != nil {
		evt = evt.Int64(log.FieldRoomID, *sess.RoomID)
	}
	if reason != "" {
		evt = evt.Str(log.FieldReason, reason)
	}
	evt.Msg("session transition")
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
