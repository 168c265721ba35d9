package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callroom/internal/log"
)

// Ledger applies the commission split to purchases and records refund obligations.
// It is the refund sink of the video call orchestrator.
type Ledger struct {
	store      Store
	percentage int
	logger     zerolog.Logger
	now        func() time.Time
}

func NewLedger(store Store, commissionPercentage int, logger zerolog.Logger) (*Ledger, error) {
	if commissionPercentage < 0 || commissionPercentage > 100 {
		return nil, fmt.Errorf("commission percentage must be within [0,100], got %d", commissionPercentage)
	}
	return &Ledger{
		store:      store,
		percentage: commissionPercentage,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Ledger) CommissionPercentage() int {
	return l.percentage
}

// RecordPurchase books a paid session and credits the creator's share. Recording the
// same session again returns the first purchase without touching balances.
func (l *Ledger) RecordPurchase(ctx context.Context, sessionID string, payerID, creatorID, amount int64) (Purchase, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Purchase{}, errors.New("session id is required")
	}
	if amount <= 0 {
		return Purchase{}, fmt.Errorf("%w: purchase amount must be positive, got %d", ErrInvalidAmount, amount)
	}

	stored, created, err := l.store.InsertPurchase(ctx, Purchase{
		SessionID: sessionID,
		PayerID:   payerID,
		CreatorID: creatorID,
		Kind:      KindVideocall,
		Split:     SplitAmount(amount, l.percentage),
		CreatedAt: l.now(),
	})
	if err != nil {
		return Purchase{}, fmt.Errorf("record purchase %s: %w", sessionID, err)
	}
	if !created {
		l.logger.Info().Str(log.FieldSessionID, sessionID).Str(log.FieldEvent, "settlement.purchase_duplicate").Msg("purchase already recorded")
		return stored, nil
	}
	l.logger.Info().
		Str(log.FieldEvent, "settlement.purchase").
		Str(log.FieldSessionID, sessionID).
		Int64(log.FieldCreatorID, creatorID).
		Int64(log.FieldPrice, amount).
		Int64("commission", stored.Split.Commission).
		Int64("creator_earnings", stored.Split.CreatorEarnings).
		Msg("purchase recorded")
	return stored, nil
}

// RefundRequired records the refund obligation for a failed session once. When the
// session's purchase was booked, the creator's share is taken back.
func (l *Ledger) RefundRequired(ctx context.Context, sessionID string, price int64) error {
	if price <= 0 {
		return fmt.Errorf("%w: refund amount must be positive, got %d", ErrInvalidAmount, price)
	}

	refund := Refund{SessionID: sessionID, Amount: price, CreatedAt: l.now()}
	purchase, err := l.store.GetPurchase(ctx, sessionID)
	switch {
	case err == nil:
		refund.PayerID = purchase.PayerID
		refund.CreatorID = purchase.CreatorID
		refund.ReversedEarnings = purchase.Split.CreatorEarnings
	case errors.Is(err, ErrNotFound):
		// the session failed before its purchase was booked; nothing to reverse
	default:
		return fmt.Errorf("refund %s: %w", sessionID, err)
	}

	_, created, err := l.store.InsertRefund(ctx, refund)
	if err != nil {
		return fmt.Errorf("refund %s: %w", sessionID, err)
	}
	if !created {
		l.logger.Info().Str(log.FieldSessionID, sessionID).Str(log.FieldEvent, "settlement.refund_duplicate").Msg("refund already recorded")
		return nil
	}
	l.logger.Warn().
		Str(log.FieldEvent, "settlement.refund").
		Str(log.FieldSessionID, sessionID).
		Int64(log.FieldPrice, price).
		Int64("reversed_earnings", refund.ReversedEarnings).
		Msg("refund obligation recorded")
	return nil
}

func (l *Ledger) Purchase(ctx context.Context, sessionID string) (Purchase, error) {
	return l.store.GetPurchase(ctx, sessionID)
}

func (l *Ledger) Refund(ctx context.Context, sessionID string) (Refund, error) {
	return l.store.GetRefund(ctx, sessionID)
}

func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	return l.store.Balance(ctx, userID)
}

func (l *Ledger) Totals(ctx context.Context) (Totals, error) {
	return l.store.Totals(ctx)
}
