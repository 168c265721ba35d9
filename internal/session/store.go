package session

import (
	"context"
	"time"
)

// Store persists sessions, rooms and pricing. Status changes go through TransitionSession,
// which must be a single atomic compare-and-set on the session row.
type Store interface {
	InsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// TransitionSession returns ErrStatusMismatch together with the current row when
	// the session is not in one of t.From.
	TransitionSession(ctx context.Context, id string, t Transition) (Session, error)
	ListSessionsByStatus(ctx context.Context, status Status) ([]Session, error)
	ListRefundPending(ctx context.Context) ([]Session, error)
	// ClearRefundPending reports false when the flag was not set.
	ClearRefundPending(ctx context.Context, id string) (bool, error)

	// InsertRoom returns ErrStatusMismatch unless the session is still pending, checked
	// in the same statement as the insert.
	InsertRoom(ctx context.Context, r Room) error
	GetRoomBySession(ctx context.Context, sessionID string) (Room, error)
	// MarkRoomDeleted reports false when the room was already deleted.
	MarkRoomDeleted(ctx context.Context, roomID int64, at time.Time) (bool, error)

	GetPricing(ctx context.Context, creatorID int64) (Pricing, error)
	SavePricing(ctx context.Context, p Pricing) error

	Ping(ctx context.Context) error
	Close() error
}
