package models

import (
	"sort"
	"time"
)

// QuotaSnapshot is the read-side rollup of a user's usable subscriptions.
// It is computed on demand and never stored.
type QuotaSnapshot struct {
	HasActiveSubscription      bool
	ActiveSubscriptionCount    int
	BasicMinutesTotal          int
	BasicMinutesUsed           int
	PremiumMinutesTotal        int
	PremiumMinutesUsed         int
	EarliestExpiresAt          *time.Time
	HasNonExpiringSubscription bool
	AvailableModels            []string
}

func (q *QuotaSnapshot) BasicMinutesRemaining() int {
	return q.BasicMinutesTotal - q.BasicMinutesUsed
}

func (q *QuotaSnapshot) PremiumMinutesRemaining() int {
	return q.PremiumMinutesTotal - q.PremiumMinutesUsed
}

// Remaining returns the unused minutes for a tier
func (q *QuotaSnapshot) Remaining(tier Tier) int {
	if tier == TierPremium {
		return q.PremiumMinutesRemaining()
	}
	return q.BasicMinutesRemaining()
}

// BuildQuotaSnapshot sums every subscription usable at now. The earliest
// numeric expiry is always reported; a coexisting never-expiring grant is
// flagged separately instead of hiding it.
func BuildQuotaSnapshot(subs []*Subscription, now time.Time, basicModels, premiumModels []string) *QuotaSnapshot {
	q := &QuotaSnapshot{AvailableModels: []string{}}
	for _, s := range subs {
		if !s.IsUsable(now) {
			continue
		}
		q.ActiveSubscriptionCount++
		q.BasicMinutesTotal += s.BasicMinutesTotal
		q.BasicMinutesUsed += s.BasicMinutesUsed
		q.PremiumMinutesTotal += s.PremiumMinutesTotal
		q.PremiumMinutesUsed += s.PremiumMinutesUsed

		if s.ExpiresAt == nil {
			q.HasNonExpiringSubscription = true
			continue
		}
		if q.EarliestExpiresAt == nil || s.ExpiresAt.Before(*q.EarliestExpiresAt) {
			t := *s.ExpiresAt
			q.EarliestExpiresAt = &t
		}
	}

	q.HasActiveSubscription = q.ActiveSubscriptionCount > 0
	if q.HasActiveSubscription {
		q.AvailableModels = append(q.AvailableModels, basicModels...)
		if q.PremiumMinutesRemaining() > 0 {
			q.AvailableModels = append(q.AvailableModels, premiumModels...)
		}
	}
	return q
}

// PlanConsumption returns the usable subscriptions in drawdown order together
// with the total remaining for the tier. Callers must check sufficiency before
// deducting anything.
func PlanConsumption(subs []*Subscription, tier Tier, now time.Time) ([]*Subscription, int) {
	var usable []*Subscription
	total := 0
	for _, s := range subs {
		if !s.IsUsable(now) {
			continue
		}
		usable = append(usable, s)
		total += s.Remaining(tier)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return ConsumptionLess(usable[i], usable[j])
	})
	return usable, total
}
