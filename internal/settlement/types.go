// Package settlement records paid call purchases with the platform commission split,
// creator balances, and the refund obligations raised for sessions that failed.
package settlement

import (
	"errors"
	"time"
)

const KindVideocall = "videocall"

var (
	ErrNotFound      = errors.New("settlement record not found")
	ErrInvalidAmount = errors.New("invalid settlement amount")
)

// Split is an amount divided between the platform and the creator.
type Split struct {
	Amount          int64 `json:"amount"`
	Commission      int64 `json:"commission"`
	CreatorEarnings int64 `json:"creator_earnings"`
}

// SplitAmount takes floor(amount*percentage/100) as commission; the creator keeps the rest.
func SplitAmount(amount int64, percentage int) Split {
	if amount <= 0 {
		return Split{Amount: amount}
	}
	commission := amount * int64(percentage) / 100
	return Split{
		Amount:          amount,
		Commission:      commission,
		CreatorEarnings: amount - commission,
	}
}

// Purchase is one paid session. At most one exists per session id.
type Purchase struct {
	SessionID string    `json:"session_id"`
	PayerID   int64     `json:"payer_id"`
	CreatorID int64     `json:"creator_id"`
	Kind      string    `json:"kind"`
	Split     Split     `json:"split"`
	CreatedAt time.Time `json:"created_at"`
}

// Refund is the obligation to return Amount to the payer of a failed session.
// ReversedEarnings is what was taken back from the creator's balance.
type Refund struct {
	SessionID        string    `json:"session_id"`
	PayerID          int64     `json:"payer_id"`
	CreatorID        int64     `json:"creator_id"`
	Amount           int64     `json:"amount"`
	ReversedEarnings int64     `json:"reversed_earnings"`
	CreatedAt        time.Time `json:"created_at"`
}

type Totals struct {
	Purchases  int64 `json:"purchases"`
	Commission int64 `json:"commission"`
	Refunds    int64 `json:"refunds"`
}
