// Package checkout turns a buyer's paid or free booking of a creator's call menu into a
// running video call session and books the purchase.
package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/callroom/internal/log"
	"github.com/ent0n29/callroom/internal/session"
	"github.com/ent0n29/callroom/internal/settlement"
	"github.com/ent0n29/callroom/internal/videocall"
)

var (
	ErrSelfBooking     = errors.New("creators cannot book their own calls")
	ErrUnknownDuration = errors.New("duration is not on the creator's menu")
	ErrPaymentRequired = errors.New("paid tier requires a verified payment")
	ErrAmountMismatch  = errors.New("paid amount does not match the tier price")
)

// Starter is the session entry point; *videocall.Orchestrator implements it.
type Starter interface {
	StartSession(ctx context.Context, req videocall.StartRequest) (videocall.StartResult, error)
}

type Request struct {
	CreatorID          int64  `json:"creator_id"`
	BuyerID            int64  `json:"buyer_id"`
	DurationMinutes    int    `json:"duration_minutes"`
	PaidAmount         int64  `json:"paid_amount"`
	PaymentVerified    bool   `json:"payment_verified"`
	CreatorDisplayName string `json:"creator_display_name"`
}

type Result struct {
	SessionID string            `json:"session_id"`
	RoomID    int64             `json:"room_id"`
	Price     int64             `json:"price"`
	Split     *settlement.Split `json:"split,omitempty"`
	// Settled is false when a paid session started but its purchase could not be booked.
	Settled bool `json:"settled"`
}

type Service struct {
	pricing *session.PricingBook
	starter Starter
	ledger  *settlement.Ledger
	logger  zerolog.Logger
}

func NewService(pricing *session.PricingBook, starter Starter, ledger *settlement.Ledger, logger zerolog.Logger) *Service {
	return &Service{pricing: pricing, starter: starter, ledger: ledger, logger: logger}
}

// Checkout resolves the creator's tier, starts the session and books the purchase of a
// paid tier. A session that fails to start is refunded by the orchestrator, before any
// purchase exists, so nothing is credited to the creator.
func (s *Service) Checkout(ctx context.Context, req Request) (Result, error) {
	if req.CreatorID == 0 || req.BuyerID == 0 {
		return Result{}, fmt.Errorf("%w: creator and buyer are required", session.ErrInvalidRequest)
	}
	if req.CreatorID == req.BuyerID {
		return Result{}, ErrSelfBooking
	}

	pricing, err := s.pricing.Get(ctx, req.CreatorID)
	if err != nil {
		return Result{}, err
	}
	if !pricing.Enabled {
		return Result{}, videocall.ErrPricingDisabled
	}
	tier, ok := pricing.Resolve(req.DurationMinutes)
	if !ok {
		return Result{}, fmt.Errorf("%w: %d minutes", ErrUnknownDuration, req.DurationMinutes)
	}
	if tier.Price > 0 {
		if !req.PaymentVerified {
			return Result{}, ErrPaymentRequired
		}
		if req.PaidAmount != tier.Price {
			return Result{}, fmt.Errorf("%w: paid %d, price %d", ErrAmountMismatch, req.PaidAmount, tier.Price)
		}
	}

	started, err := s.starter.StartSession(ctx, videocall.StartRequest{
		CreatorID:          req.CreatorID,
		CounterpartID:      req.BuyerID,
		DurationMinutes:    tier.DurationMinutes,
		Price:              tier.Price,
		CreatorDisplayName: req.CreatorDisplayName,
		PaymentVerified:    req.PaymentVerified || tier.Price == 0,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{SessionID: started.SessionID, RoomID: started.RoomID, Price: tier.Price, Settled: true}
	if tier.Price == 0 {
		return res, nil
	}

	purchase, err := s.ledger.RecordPurchase(ctx, started.SessionID, req.BuyerID, req.CreatorID, tier.Price)
	if err != nil {
		// the call is live; the purchase is idempotent and can be booked again by session id
		res.Settled = false
		s.logger.Error().
			Err(err).
			Str(log.FieldEvent, "checkout.settlement_failed").
			Str(log.FieldSessionID, started.SessionID).
			Int64(log.FieldPrice, tier.Price).
			Msg("session started but purchase was not booked")
		return res, nil
	}
	res.Split = &purchase.Split
	return res, nil
}
