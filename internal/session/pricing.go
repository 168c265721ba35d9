package session

import (
	"context"
	"errors"
	"time"
)

// PricingBook stores per-creator call menus.
type PricingBook struct {
	store Store
	now   func() time.Time
}

func NewPricingBook(store Store) *PricingBook {
	return &PricingBook{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// DefaultPricing is the disabled, all-free menu a creator starts from.
func DefaultPricing(creatorID int64) Pricing {
	tiers := make([]PricingTier, 0, len(DefaultDurations))
	for _, d := range DefaultDurations {
		tiers = append(tiers, PricingTier{DurationMinutes: d})
	}
	return Pricing{CreatorID: creatorID, Tiers: tiers}
}

// Get returns ErrPricingNotFound when the creator never configured pricing.
func (b *PricingBook) Get(ctx context.Context, creatorID int64) (Pricing, error) {
	p, err := b.store.GetPricing(ctx, creatorID)
	if err != nil {
		if errors.Is(err, ErrPricingNotFound) {
			return Pricing{}, err
		}
		return Pricing{}, storageErr("get pricing", err)
	}
	return p, nil
}

func (b *PricingBook) Save(ctx context.Context, p Pricing) (Pricing, error) {
	if err := p.Validate(); err != nil {
		return Pricing{}, err
	}
	p.UpdatedAt = b.now()
	if err := b.store.SavePricing(ctx, p); err != nil {
		return Pricing{}, storageErr("save pricing", err)
	}
	return p, nil
}

// SetEnabled toggles availability. Prices must be configured first.
func (b *PricingBook) SetEnabled(ctx context.Context, creatorID int64, enabled bool) (Pricing, error) {
	p, err := b.Get(ctx, creatorID)
	if err != nil {
		return Pricing{}, err
	}
	p.Enabled = enabled
	return b.Save(ctx, p)
}
