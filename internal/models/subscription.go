package models

import (
	"fmt"
	"time"
)

// Subscription status constants
const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
)

// Tier is a model usage class with its own minute balance
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// ParseTier validates a tier name from the wire
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierBasic, TierPremium:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Subscription is a granted quota instance
type Subscription struct {
	ID                  string
	UserID              string
	PackageID           string
	PackageName         string
	OrderID             *string
	IsTrial             bool
	BasicMinutesTotal   int
	BasicMinutesUsed    int
	PremiumMinutesTotal int
	PremiumMinutesUsed  int
	StartedAt           time.Time
	ExpiresAt           *time.Time
	Status              string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsUsable reports whether the subscription counts toward quota at now.
// Expiry is judged from expires_at alone so correctness never depends on the
// sweep having flipped the status.
func (s *Subscription) IsUsable(now time.Time) bool {
	if s.Status != SubscriptionStatusActive {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// EffectiveStatus reports expired for lapsed rows the sweep has not reached yet
func (s *Subscription) EffectiveStatus(now time.Time) string {
	if s.Status == SubscriptionStatusActive && s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return SubscriptionStatusExpired
	}
	return s.Status
}

// Remaining returns the unused minutes for a tier
func (s *Subscription) Remaining(tier Tier) int {
	switch tier {
	case TierBasic:
		return s.BasicMinutesTotal - s.BasicMinutesUsed
	case TierPremium:
		return s.PremiumMinutesTotal - s.PremiumMinutesUsed
	}
	return 0
}

// Deduct takes up to minutes from the tier balance and returns how many were
// taken. used never exceeds total.
func (s *Subscription) Deduct(tier Tier, minutes int) int {
	take := s.Remaining(tier)
	if take > minutes {
		take = minutes
	}
	if take <= 0 {
		return 0
	}
	switch tier {
	case TierBasic:
		s.BasicMinutesUsed += take
	case TierPremium:
		s.PremiumMinutesUsed += take
	}
	return take
}

// ConsumptionLess orders subscriptions for drawdown: soonest expiry first,
// never-expiring last, then oldest grant first.
func ConsumptionLess(a, b *Subscription) bool {
	switch {
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return false
	case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.Before(b.StartedAt)
	}
	return a.ID < b.ID
}
