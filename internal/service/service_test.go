package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/entitlement-service/internal/config"
	"github.com/wenwu/saas-platform/entitlement-service/internal/events"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
	"github.com/wenwu/saas-platform/entitlement-service/internal/repository/memory"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, e events.Event) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *mockPublisher) Close() {}

func eventOfType(routingKey string) interface{} {
	return mock.MatchedBy(func(e events.Event) bool { return e.Type == routingKey })
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	testBasicModels   = []string{"gpt-4o-mini"}
	testPremiumModels = []string{"gpt-4o"}
)

type testEnv struct {
	store    *memory.Store
	clock    *fakeClock
	pub      *mockPublisher
	catalog  *CatalogService
	orders   *OrderService
	quota    *QuotaService
	devices  *DeviceService
	tokens   *TokenIssuer
	payments *PaymentRegistry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithPayments(t, DefaultPaymentRegistry(false))
}

func newTestEnvWithPayments(t *testing.T, payments *PaymentRegistry) *testEnv {
	t.Helper()

	ctx := context.Background()
	store := memory.New()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil).Maybe()

	seed := []*models.Package{
		{ID: "trial", Name: "Trial", PriceCents: 0, Currency: "CNY", BasicMinutes: 30, PremiumMinutes: 10, ValidityDays: 7, SortOrder: 0, IsActive: true, IsTrial: true},
		{ID: "basic_40", Name: "Basic", PriceCents: 9800, Currency: "CNY", BasicMinutes: 40, PremiumMinutes: 15, ValidityDays: 0, SortOrder: 10, IsActive: true},
		{ID: "monthly", Name: "Monthly", PriceCents: 39800, Currency: "CNY", BasicMinutes: 300, PremiumMinutes: 120, ValidityDays: 30, SortOrder: 30, IsActive: true},
		{ID: "legacy", Name: "Legacy", PriceCents: 100, Currency: "CNY", BasicMinutes: 5, IsActive: false},
	}
	for _, p := range seed {
		require.NoError(t, store.Packages.Upsert(ctx, p))
	}

	orderNos, err := NewOrderNoGenerator(1)
	require.NoError(t, err)

	tokens := NewTokenIssuer(config.JWTConfig{
		SecretKey:       strings.Repeat("s", 32),
		Issuer:          "entitlement-test",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
	})

	catalog := NewCatalogService(store.Packages)
	orders := NewOrderService(store.Orders, store.Logs, catalog, payments, orderNos, pub)
	orders.now = clock.Now
	quota := NewQuotaService(store.Subscriptions, catalog,
		config.TrialConfig{Enabled: true, PackageID: "trial", DurationDays: 7},
		config.ModelsConfig{Basic: testBasicModels, Premium: testPremiumModels},
		pub)
	quota.now = clock.Now
	devices := NewDeviceService(store.Devices, tokens, 5*time.Minute, pub)
	devices.now = clock.Now

	return &testEnv{
		store:    store,
		clock:    clock,
		pub:      pub,
		catalog:  catalog,
		orders:   orders,
		quota:    quota,
		devices:  devices,
		tokens:   tokens,
		payments: payments,
	}
}

// buy creates and pays an order, returning the paid order
func (e *testEnv) buy(t *testing.T, userID, packageID string) *models.Order {
	t.Helper()
	ctx := context.Background()
	order, err := e.orders.CreateOrder(ctx, userID, packageID)
	require.NoError(t, err)
	res, err := e.orders.PayOrder(ctx, userID, order.ID, PaymentMethodMock)
	require.NoError(t, err)
	require.True(t, res.Success)
	return res.Order
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
}
