package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RoomLedger is the persisted 1:1 mapping from session to platform room.
// Rooms are soft-deleted and never removed.
type RoomLedger struct {
	store Store
	now   func() time.Time
}

func NewRoomLedger(store Store) *RoomLedger {
	return &RoomLedger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (l *RoomLedger) SetClock(now func() time.Time) {
	l.now = now
}

// Register binds a freshly created room to its session. The session must still be
// pending; a session cancelled while its room was being created gets ErrInvalidTransition.
func (l *RoomLedger) Register(ctx context.Context, roomID int64, sessionID, title, description string) (Room, error) {
	room := Room{
		ID:          roomID,
		SessionID:   sessionID,
		Title:       title,
		Description: description,
		CreatedAt:   l.now(),
	}
	err := l.store.InsertRoom(ctx, room)
	switch {
	case err == nil:
		return room, nil
	case errors.Is(err, ErrConflict):
		return Room{}, fmt.Errorf("%w: %s", ErrRoomAlreadyBound, sessionID)
	case errors.Is(err, ErrNotFound):
		return Room{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	case errors.Is(err, ErrStatusMismatch):
		return Room{}, fmt.Errorf("%w: %s is no longer %s", ErrInvalidTransition, sessionID, StatusPending)
	default:
		return Room{}, storageErr("register room", err)
	}
}

// LookupBySession returns the room bound to sessionID, live or deleted.
func (l *RoomLedger) LookupBySession(ctx context.Context, sessionID string) (Room, error) {
	room, err := l.store.GetRoomBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Room{}, err
		}
		return Room{}, storageErr("lookup room", err)
	}
	return room, nil
}

// MarkDeleted stamps the deletion time once. The bool is false when it was already stamped.
func (l *RoomLedger) MarkDeleted(ctx context.Context, roomID int64) (bool, error) {
	changed, err := l.store.MarkRoomDeleted(ctx, roomID, l.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, storageErr("mark room deleted", err)
	}
	return changed, nil
}
