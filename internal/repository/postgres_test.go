package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/entitlement-service/internal/db"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
)

// openTestDB connects to TEST_DATABASE_URL, applies migrations and clears
// every table except the seeded catalog. Use a throwaway database.
func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	poolConfig, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	poolConfig.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	database := &db.Database{Pool: pool}
	require.NoError(t, database.Migrate(ctx))

	_, err = pool.Exec(ctx, `TRUNCATE entitlement.order_logs, entitlement.device_sessions,
		entitlement.device_claim_codes, entitlement.subscriptions, entitlement.orders CASCADE`)
	require.NoError(t, err)
	return pool
}

func TestPostgresSeededCatalog(t *testing.T) {
	pool := openTestDB(t)
	packages, err := NewPackageRepository(pool).ListActive(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(packages))
	for _, p := range packages {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"trial", "basic_40", "pro_120", "monthly_300"}, ids)
}

func newPendingOrder(t *testing.T, repo *OrderRepository, userID string) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:             uuid.New().String(),
		OrderNo:        fmt.Sprintf("T%d", time.Now().UnixNano()),
		UserID:         userID,
		PackageID:      "basic_40",
		PackageName:    "Basic",
		AmountCents:    9800,
		Currency:       "CNY",
		BasicMinutes:   40,
		PremiumMinutes: 15,
		Status:         models.OrderStatusPending,
	}
	require.NoError(t, repo.Create(context.Background(), o))
	return o
}

func TestPostgresMarkPaidGrantsOnce(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	orders := NewOrderRepository(pool)
	subs := NewSubscriptionRepository(pool)
	order := newPendingOrder(t, orders, "pg-user")

	const attempts = 10
	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, ok, err := orders.MarkPaid(ctx, order.ID, "mock", uuid.New().String(), time.Now())
			if err != nil {
				return
			}
			assert.Equal(t, models.OrderStatusPaid, o.Status)
			if ok {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), granted)
	list, err := subs.ListByUser(ctx, "pg-user")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 40, list[0].BasicMinutesTotal)

	_, err = orders.Cancel(ctx, order.ID, time.Now())
	assert.ErrorIs(t, err, ErrConflict)

	_, err = orders.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = orders.Cancel(ctx, "not-a-uuid", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = orders.Refund(ctx, "not-a-uuid", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = orders.MarkPaid(ctx, "not-a-uuid", "mock", uuid.New().String(), time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	logs, err := NewLogRepository(pool).GetByOrderID(ctx, "not-a-uuid", 10)
	assert.NoError(t, err)
	assert.Empty(t, logs)

	refunded, err := orders.Refund(ctx, order.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefunded, refunded.Status)
	list, err = subs.ListByUser(ctx, "pg-user")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelled, list[0].Status)
}

func TestPostgresConcurrentConsume(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	subs := NewSubscriptionRepository(pool)

	expires := time.Now().Add(7 * 24 * time.Hour)
	require.NoError(t, subs.CreateTrial(ctx, &models.Subscription{
		ID:                  uuid.New().String(),
		UserID:              "pg-consumer",
		PackageID:           "trial",
		PackageName:         "Trial",
		IsTrial:             true,
		BasicMinutesTotal:   30,
		PremiumMinutesTotal: 10,
		StartedAt:           time.Now(),
		ExpiresAt:           &expires,
		Status:              models.SubscriptionStatusActive,
	}))

	// a second trial for the same user is rejected by the partial unique index
	err := subs.CreateTrial(ctx, &models.Subscription{
		ID: uuid.New().String(), UserID: "pg-consumer", PackageID: "trial", PackageName: "Trial",
		IsTrial: true, StartedAt: time.Now(), ExpiresAt: &expires, Status: models.SubscriptionStatusActive,
	})
	assert.ErrorIs(t, err, ErrConflict)

	var ok, short int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := subs.Consume(ctx, "pg-consumer", models.TierBasic, 2, time.Now())
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInsufficientQuota):
				atomic.AddInt32(&short, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(15), ok)
	assert.Equal(t, int32(5), short)

	list, err := subs.ListByUser(ctx, "pg-consumer")
	require.NoError(t, err)
	assert.Equal(t, 30, list[0].BasicMinutesUsed)
}

func TestPostgresClaimCodeSingleUse(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	devices := NewDeviceRepository(pool)
	now := time.Now()

	code := &models.DeviceClaimCode{
		ID:        uuid.New().String(),
		ClaimCode: "PGTEST23",
		UserID:    "pg-owner",
		ExpiresAt: now.Add(5 * time.Minute),
	}
	require.NoError(t, devices.ReplaceClaimCode(ctx, code, now))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := &models.DeviceSession{
				ID:               uuid.New().String(),
				DeviceID:         fmt.Sprintf("dev-%d", i),
				RefreshTokenHash: uuid.New().String(),
				ExpiresAt:        now.Add(24 * time.Hour),
			}
			claimed, err := devices.Claim(ctx, "PGTEST23", session.DeviceID, session, now)
			if err == nil {
				assert.Equal(t, "pg-owner", claimed.UserID)
				atomic.AddInt32(&wins, 1)
				return
			}
			assert.ErrorIs(t, err, ErrNotFound)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	// an expired code reports ErrExpired
	expired := &models.DeviceClaimCode{
		ID:        uuid.New().String(),
		ClaimCode: "PGOLD234",
		UserID:    "pg-other",
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, devices.ReplaceClaimCode(ctx, expired, now))
	later := now.Add(2 * time.Minute)
	_, err := devices.Claim(ctx, "PGOLD234", "dev-x", &models.DeviceSession{
		ID: uuid.New().String(), DeviceID: "dev-x", RefreshTokenHash: uuid.New().String(), ExpiresAt: later.Add(time.Hour),
	}, later)
	assert.ErrorIs(t, err, ErrExpired)
}
