package jobs

import (
	"context"
	"log"
	"time"

	"github.com/wenwu/saas-platform/entitlement-service/internal/metrics"
)

const jobTimeout = time.Minute

type SubscriptionExpirer interface {
	ExpireLapsed(ctx context.Context) (int64, error)
}

type ClaimCodeSweeper interface {
	InvalidateExpiredCodes(ctx context.Context) (int64, error)
}

type StaleOrderCanceller interface {
	CancelStalePendingOrders(ctx context.Context, olderThan time.Duration) (int, error)
}

// Jobs holds the housekeeping sweeps. None of them is needed for
// correctness: every read already judges expiry from timestamps.
type Jobs struct {
	subscriptions SubscriptionExpirer
	claimCodes    ClaimCodeSweeper
	orders        StaleOrderCanceller
	pendingTTL    time.Duration
}

func NewJobs(subscriptions SubscriptionExpirer, claimCodes ClaimCodeSweeper, orders StaleOrderCanceller, pendingTTL time.Duration) *Jobs {
	return &Jobs{
		subscriptions: subscriptions,
		claimCodes:    claimCodes,
		orders:        orders,
		pendingTTL:    pendingTTL,
	}
}

// ExpireSubscriptions marks lapsed subscriptions expired
func (j *Jobs) ExpireSubscriptions() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.subscriptions.ExpireLapsed(ctx)
	if err != nil {
		log.Printf("[jobs] expire_subscriptions failed: %v", err)
		return
	}
	metrics.RecordSweep("expire_subscriptions", n)
}

// InvalidateClaimCodes retires claim codes past their expiry
func (j *Jobs) InvalidateClaimCodes() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.claimCodes.InvalidateExpiredCodes(ctx)
	if err != nil {
		log.Printf("[jobs] invalidate_claim_codes failed: %v", err)
		return
	}
	metrics.RecordSweep("invalidate_claim_codes", n)
}

// CancelStaleOrders cancels orders left pending beyond the pending TTL
func (j *Jobs) CancelStaleOrders() {
	if j.pendingTTL <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.orders.CancelStalePendingOrders(ctx, j.pendingTTL)
	if err != nil {
		log.Printf("[jobs] cancel_stale_orders failed: %v", err)
		return
	}
	metrics.RecordSweep("cancel_stale_orders", int64(n))
}
