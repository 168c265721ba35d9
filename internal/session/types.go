package session

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition lists the only edges of the session lifecycle.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusCompleted || to == StatusCancelled
	default:
		return false
	}
}

var (
	ErrNotFound           = errors.New("session not found")
	ErrInvalidTransition  = errors.New("invalid session transition")
	ErrStorageUnavailable = errors.New("session storage unavailable")
	ErrInvalidRequest     = errors.New("invalid session request")
	ErrRoomAlreadyBound   = errors.New("session already has a room")
	ErrPricingNotFound    = errors.New("pricing not configured")

	// store-level signals, translated by Registry and RoomLedger
	ErrConflict       = errors.New("record already exists")
	ErrStatusMismatch = errors.New("session status changed concurrently")
)

// Session is one purchased or free time-boxed call between a creator and a counterpart.
// RefundPending is set when a paid session is cancelled and cleared once the refund
// obligation has been handed to the sink.
type Session struct {
	ID              string     `json:"session_id"`
	CreatorID       int64      `json:"creator_id"`
	CounterpartID   int64      `json:"counterpart_id"`
	DurationMinutes int        `json:"duration_minutes"`
	Price           int64      `json:"price"`
	Status          Status     `json:"status"`
	PaymentVerified bool       `json:"payment_verified"`
	RoomID          *int64     `json:"room_id,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	RefundPending   bool       `json:"refund_pending,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ActivatedAt     *time.Time `json:"activated_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

func (s Session) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// FireAt is when the room must be torn down. ok is false until the session was activated.
func (s Session) FireAt(grace time.Duration) (time.Time, bool) {
	if s.ActivatedAt == nil {
		return time.Time{}, false
	}
	return s.ActivatedAt.Add(s.Duration() + grace), true
}

// Room is one ephemeral platform room bound to exactly one session.
type Room struct {
	ID          int64      `json:"room_id"`
	SessionID   string     `json:"session_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

func (r Room) Live() bool {
	return r.DeletedAt == nil
}

// CreateRequest carries the resolved booking a caller wants a session for.
type CreateRequest struct {
	CreatorID       int64 `json:"creator_id"`
	CounterpartID   int64 `json:"counterpart_id"`
	DurationMinutes int   `json:"duration_minutes"`
	Price           int64 `json:"price"`
	PaymentVerified bool  `json:"payment_verified"`
}

func (r CreateRequest) Validate() error {
	if r.CreatorID == 0 || r.CounterpartID == 0 {
		return fmt.Errorf("%w: creator and counterpart are required", ErrInvalidRequest)
	}
	if r.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidRequest)
	}
	if r.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Transition is a compare-and-set status update applied by a Store in a single statement.
type Transition struct {
	From   []Status
	To     Status
	At     time.Time
	RoomID *int64
	Reason string
	// FlagRefund sets RefundPending in the same write when the session has a price.
	FlagRefund bool
}

func (t Transition) activatedAt() *time.Time {
	if t.To != StatusActive {
		return nil
	}
	at := t.At
	return &at
}

func (t Transition) endedAt() *time.Time {
	if !t.To.Terminal() {
		return nil
	}
	at := t.At
	return &at
}

func (t Transition) allows(s Status) bool {
	for _, from := range t.From {
		if from == s {
			return true
		}
	}
	return false
}

func statusStrings(in []Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
