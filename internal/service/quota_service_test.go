package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/entitlement-service/internal/config"
	"github.com/wenwu/saas-platform/entitlement-service/internal/events"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
)

func TestTrialActivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub, err := env.quota.CreateTrialSubscription(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, sub.IsTrial)
	assert.Nil(t, sub.OrderID)
	assert.Equal(t, 30, sub.BasicMinutesTotal)
	require.NotNil(t, sub.ExpiresAt)
	assert.Equal(t, env.clock.Now().AddDate(0, 0, 7), *sub.ExpiresAt)
	env.pub.AssertCalled(t, "Publish", mock.Anything, eventOfType(events.TrialActivated))

	_, err = env.quota.CreateTrialSubscription(ctx, "user-a")
	requireKind(t, err, KindConflict)

	// 试用过期后依然不能再次激活
	env.clock.Advance(8 * 24 * time.Hour)
	_, err = env.quota.CreateTrialSubscription(ctx, "user-a")
	requireKind(t, err, KindConflict)

	_, err = env.quota.CreateTrialSubscription(ctx, "user-b")
	assert.NoError(t, err)
}

func TestTrialActivationConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var ok, conflicts int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.quota.CreateTrialSubscription(ctx, "user-a")
			switch KindOf(err) {
			case "":
				if err == nil {
					atomic.AddInt32(&ok, 1)
				}
			case KindConflict:
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(workers-1), conflicts)
}

func TestTrialDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.quota.trial = config.TrialConfig{Enabled: false}

	_, err := env.quota.CreateTrialSubscription(context.Background(), "user-a")
	requireKind(t, err, KindConflict)
}

func TestTrialAndPurchaseStack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.quota.CreateTrialSubscription(ctx, "user-a")
	require.NoError(t, err)
	env.buy(t, "user-a", "basic_40")

	q, err := env.quota.GetQuota(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 2, q.ActiveSubscriptionCount)
	assert.Equal(t, 70, q.BasicMinutesRemaining())
	assert.Equal(t, 25, q.PremiumMinutesRemaining())
	require.NotNil(t, q.EarliestExpiresAt)
	assert.Equal(t, env.clock.Now().AddDate(0, 0, 7), *q.EarliestExpiresAt)
	assert.True(t, q.HasNonExpiringSubscription)
}

func TestConsumeDrawsSoonestExpiryFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.buy(t, "user-a", "basic_40") // never expires, 40 basic
	env.clock.Advance(time.Minute)
	_, err := env.quota.CreateTrialSubscription(ctx, "user-a") // 7 days, 30 basic
	require.NoError(t, err)

	q, err := env.quota.Consume(ctx, "user-a", "basic", 35)
	require.NoError(t, err)
	assert.Equal(t, 35, q.BasicMinutesRemaining())

	subs, err := env.quota.ListSubscriptions(ctx, "user-a")
	require.NoError(t, err)
	for _, s := range subs {
		if s.IsTrial {
			assert.Equal(t, 30, s.BasicMinutesUsed, "trial drained first")
		} else {
			assert.Equal(t, 5, s.BasicMinutesUsed)
		}
	}
}

func TestConsumeInsufficientChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.buy(t, "user-a", "basic_40")

	_, err := env.quota.Consume(ctx, "user-a", "premium", 16)
	requireKind(t, err, KindQuotaExceeded)

	q, err := env.quota.GetQuota(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 15, q.PremiumMinutesRemaining())
	assert.Equal(t, 40, q.BasicMinutesRemaining())

	q, err = env.quota.Consume(ctx, "user-a", "premium", 15)
	require.NoError(t, err)
	assert.Equal(t, 0, q.PremiumMinutesRemaining())
	assert.Equal(t, testBasicModels, q.AvailableModels)
}

func TestConsumeValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.quota.Consume(ctx, "user-a", "gold", 1)
	requireKind(t, err, KindValidation)

	_, err = env.quota.Consume(ctx, "user-a", "basic", 0)
	requireKind(t, err, KindValidation)

	_, err = env.quota.Consume(ctx, "user-a", "basic", 1)
	requireKind(t, err, KindQuotaExceeded)
}

func TestConsumeConcurrentNeverOverdraws(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.buy(t, "user-a", "basic_40")

	const workers = 30
	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.quota.Consume(ctx, "user-a", "basic", 3); err == nil {
				atomic.AddInt32(&succeeded, 1)
			} else {
				assert.Equal(t, KindQuotaExceeded, KindOf(err))
			}
		}()
	}
	wg.Wait()

	// 40 / 3 = 13 full deductions
	assert.Equal(t, int32(13), succeeded)

	q, err := env.quota.GetQuota(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 1, q.BasicMinutesRemaining())
	assert.Equal(t, 39, q.BasicMinutesUsed)
}

func TestExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.buy(t, "user-a", "monthly")
	expiry := env.clock.Now().AddDate(0, 0, 30)

	env.clock.now = expiry.Add(-time.Second)
	q, err := env.quota.GetQuota(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, q.HasActiveSubscription)

	env.clock.now = expiry
	q, err = env.quota.GetQuota(ctx, "user-a")
	require.NoError(t, err)
	assert.False(t, q.HasActiveSubscription)
	assert.Equal(t, 0, q.BasicMinutesRemaining())
	assert.Empty(t, q.AvailableModels)

	_, err = env.quota.Consume(ctx, "user-a", "basic", 1)
	requireKind(t, err, KindQuotaExceeded)

	n, err := env.quota.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	subs, err := env.quota.ListSubscriptions(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, models.SubscriptionStatusExpired, subs[0].Status)

	n, err = env.quota.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetQuotaWithoutSubscriptions(t *testing.T) {
	env := newTestEnv(t)

	q, err := env.quota.GetQuota(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, q.HasActiveSubscription)
	assert.NotNil(t, q.AvailableModels)
	assert.Empty(t, q.AvailableModels)
}
