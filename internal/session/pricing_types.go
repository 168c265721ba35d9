package session

import (
	"fmt"
	"time"
)

// MaxPricingTiers bounds the duration menu a creator can offer.
const MaxPricingTiers = 3

// DefaultDurations is the menu offered to a creator who has not customized tiers.
var DefaultDurations = []int{10, 30, 60}

type PricingTier struct {
	DurationMinutes int   `json:"duration_minutes"`
	Price           int64 `json:"price"`
}

// Pricing is a creator's call menu. A zero price is a free tier.
type Pricing struct {
	CreatorID int64         `json:"creator_id"`
	Tiers     []PricingTier `json:"tiers"`
	Enabled   bool          `json:"enabled"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (p Pricing) Validate() error {
	if p.CreatorID == 0 {
		return fmt.Errorf("%w: creator is required", ErrInvalidRequest)
	}
	if len(p.Tiers) == 0 || len(p.Tiers) > MaxPricingTiers {
		return fmt.Errorf("%w: between 1 and %d tiers required", ErrInvalidRequest, MaxPricingTiers)
	}
	seen := make(map[int]bool, len(p.Tiers))
	for _, tier := range p.Tiers {
		if tier.DurationMinutes <= 0 {
			return fmt.Errorf("%w: tier duration must be positive", ErrInvalidRequest)
		}
		if tier.Price < 0 {
			return fmt.Errorf("%w: tier price must not be negative", ErrInvalidRequest)
		}
		if seen[tier.DurationMinutes] {
			return fmt.Errorf("%w: duplicate %d minute tier", ErrInvalidRequest, tier.DurationMinutes)
		}
		seen[tier.DurationMinutes] = true
	}
	return nil
}

// Resolve returns the tier for the requested duration.
func (p Pricing) Resolve(durationMinutes int) (PricingTier, bool) {
	for _, tier := range p.Tiers {
		if tier.DurationMinutes == durationMinutes {
			return tier, true
		}
	}
	return PricingTier{}, false
}

// MinPrice is the cheapest tier, shown as "from N" in catalogs.
func (p Pricing) MinPrice() int64 {
	if len(p.Tiers) == 0 {
		return 0
	}
	min := p.Tiers[0].Price
	for _, tier := range p.Tiers[1:] {
		if tier.Price < min {
			min = tier.Price
		}
	}
	return min
}
