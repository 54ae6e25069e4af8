package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/entitlement-service/internal/events"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
	"github.com/wenwu/saas-platform/entitlement-service/internal/repository"
)

type mockPaymentMethod struct {
	mock.Mock
}

func (m *mockPaymentMethod) Name() string { return "stub" }

func (m *mockPaymentMethod) Initiate(ctx context.Context, order *models.Order) (*PaymentIntent, error) {
	args := m.Called(ctx, order)
	intent, _ := args.Get(0).(*PaymentIntent)
	return intent, args.Error(1)
}

func (m *mockPaymentMethod) Confirm(ctx context.Context, order *models.Order, intent *PaymentIntent) (*PaymentOutcome, error) {
	args := m.Called(ctx, order, intent)
	outcome, _ := args.Get(0).(*PaymentOutcome)
	return outcome, args.Error(1)
}

func (m *mockPaymentMethod) Fail(ctx context.Context, order *models.Order, intent *PaymentIntent, reason string) error {
	args := m.Called(ctx, order, intent, reason)
	return args.Error(0)
}

func TestCreateOrderSnapshotsPackage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, int64(9800), order.AmountCents)
	assert.Equal(t, "Basic", order.PackageName)
	assert.Equal(t, 40, order.BasicMinutes)
	assert.Regexp(t, regexp.MustCompile(`^20260301\d+$`), order.OrderNo)
	env.pub.AssertCalled(t, "Publish", mock.Anything, eventOfType(events.OrderCreated))

	logs, err := env.orders.OrderLogs(ctx, order.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, repository.OrderActionCreated, logs[0].Action)
}

func TestCreateOrderRejectsUnknownInactiveAndTrial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.orders.CreateOrder(ctx, "user-a", "nope")
	requireKind(t, err, KindNotFound)

	_, err = env.orders.CreateOrder(ctx, "user-a", "legacy")
	requireKind(t, err, KindNotFound)

	_, err = env.orders.CreateOrder(ctx, "user-a", "trial")
	requireKind(t, err, KindValidation)
}

func TestPayOrderGrantsSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)

	res, err := env.orders.PayOrder(ctx, "user-a", order.ID, "mock")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.SubscriptionID)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	require.NotNil(t, res.Order.PaidAt)
	assert.Equal(t, env.clock.Now(), *res.Order.PaidAt)

	q, err := env.quota.GetQuota(ctx, "user-a")
	require.NoError(t, err)
	assert.True(t, q.HasActiveSubscription)
	assert.Equal(t, 40, q.BasicMinutesRemaining())
	assert.Equal(t, 15, q.PremiumMinutesRemaining())
	assert.Nil(t, q.EarliestExpiresAt)
	assert.ElementsMatch(t, append(append([]string{}, testBasicModels...), testPremiumModels...), q.AvailableModels)

	env.pub.AssertCalled(t, "Publish", mock.Anything, eventOfType(events.OrderPaid))
}

func TestPayOrderTwiceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)

	first, err := env.orders.PayOrder(ctx, "user-a", order.ID, "mock")
	require.NoError(t, err)
	second, err := env.orders.PayOrder(ctx, "user-a", order.ID, "mock")
	require.NoError(t, err)

	assert.True(t, second.Success)
	assert.Equal(t, *first.SubscriptionID, *second.SubscriptionID)

	subs, err := env.quota.ListSubscriptions(ctx, "user-a")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestPayOrderConcurrentlyGrantsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	subIDs := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.orders.PayOrder(ctx, "user-a", order.ID, "mock")
			if assert.NoError(t, err) && assert.True(t, res.Success) {
				subIDs <- *res.SubscriptionID
			}
		}()
	}
	wg.Wait()
	close(subIDs)

	seen := map[string]bool{}
	for id := range subIDs {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	subs, err := env.quota.ListSubscriptions(ctx, "user-a")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestPayOrderDeclined(t *testing.T) {
	env := newTestEnvWithPayments(t, DefaultPaymentRegistry(true))
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)

	res, err := env.orders.PayOrder(ctx, "user-a", order.ID, "mock")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
	assert.Equal(t, models.OrderStatusFailed, res.Order.Status)
	require.NotNil(t, res.Order.FailureReason)

	q, err := env.quota.GetQuota(ctx, "user-a")
	require.NoError(t, err)
	assert.False(t, q.HasActiveSubscription)

	// failed is terminal
	_, err = env.orders.PayOrder(ctx, "user-a", order.ID, "mock")
	requireKind(t, err, KindConflict)
}

func TestPayOrderDeclineCallsProviderFail(t *testing.T) {
	provider := &mockPaymentMethod{}
	intent := &PaymentIntent{Method: "stub", Reference: "ref-1"}
	provider.On("Initiate", mock.Anything, mock.Anything).Return(intent, nil)
	provider.On("Confirm", mock.Anything, mock.Anything, intent).Return(&PaymentOutcome{Approved: false, Reason: "card rejected"}, nil)
	provider.On("Fail", mock.Anything, mock.Anything, intent, "card rejected").Return(nil)

	env := newTestEnvWithPayments(t, NewPaymentRegistry(provider))
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "monthly")
	require.NoError(t, err)

	res, err := env.orders.PayOrder(ctx, "user-a", order.ID, "stub")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "card rejected", res.Message)
	provider.AssertExpectations(t)
	env.pub.AssertCalled(t, "Publish", mock.Anything, eventOfType(events.OrderFailed))
}

func TestPayOrderProviderErrorLeavesOrderPending(t *testing.T) {
	provider := &mockPaymentMethod{}
	provider.On("Initiate", mock.Anything, mock.Anything).Return(nil, errors.New("gateway timeout"))

	env := newTestEnvWithPayments(t, NewPaymentRegistry(provider))
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)

	_, err = env.orders.PayOrder(ctx, "user-a", order.ID, "stub")
	require.Error(t, err)
	assert.Equal(t, Kind(""), KindOf(err))

	got, err := env.orders.GetOrder(ctx, "user-a", order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
}

func TestPayOrderMethodErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)

	_, err = env.orders.PayOrder(ctx, "user-a", order.ID, "bitcoin")
	requireKind(t, err, KindValidation)

	_, err = env.orders.PayOrder(ctx, "user-a", order.ID, "wechat")
	requireKind(t, err, KindNotImplemented)

	_, err = env.orders.PayOrder(ctx, "user-a", order.ID, "alipay")
	requireKind(t, err, KindNotImplemented)

	got, err := env.orders.GetOrder(ctx, "user-a", order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
}

func TestOrderOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)

	_, err = env.orders.GetOrder(ctx, "user-b", order.ID)
	requireKind(t, err, KindForbidden)

	_, err = env.orders.PayOrder(ctx, "user-b", order.ID, "mock")
	requireKind(t, err, KindForbidden)

	_, err = env.orders.CancelOrder(ctx, "user-b", order.ID)
	requireKind(t, err, KindForbidden)

	_, err = env.orders.GetOrder(ctx, "user-a", "missing")
	requireKind(t, err, KindNotFound)

	list, err := env.orders.ListOrders(ctx, "user-b")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)

	cancelled, err := env.orders.CancelOrder(ctx, "user-a", order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	_, err = env.orders.PayOrder(ctx, "user-a", order.ID, "mock")
	requireKind(t, err, KindConflict)

	_, err = env.orders.CancelOrder(ctx, "user-a", order.ID)
	requireKind(t, err, KindConflict)

	paid := env.buy(t, "user-a", "basic_40")
	_, err = env.orders.CancelOrder(ctx, "user-a", paid.ID)
	requireKind(t, err, KindConflict)
}

func TestListOrdersNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := env.orders.CreateOrder(ctx, "user-a", "monthly")
	require.NoError(t, err)

	list, err := env.orders.ListOrders(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestCatalogEditDoesNotAffectExistingOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)

	_, err = env.catalog.UpsertPackage(ctx, &models.Package{
		ID: "basic_40", Name: "Basic v2", PriceCents: 19800, Currency: "CNY", BasicMinutes: 5, PremiumMinutes: 1, ValidityDays: 1, IsActive: true,
	})
	require.NoError(t, err)

	res, err := env.orders.PayOrder(ctx, "user-a", order.ID, "mock")
	require.NoError(t, err)
	assert.Equal(t, int64(9800), res.Order.AmountCents)

	q, err := env.quota.GetQuota(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 40, q.BasicMinutesTotal)
	assert.Nil(t, q.EarliestExpiresAt)
}

func TestRefundOrderCancelsSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	paid := env.buy(t, "user-a", "basic_40")

	refunded, err := env.orders.RefundOrder(ctx, paid.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefunded, refunded.Status)

	q, err := env.quota.GetQuota(ctx, "user-a")
	require.NoError(t, err)
	assert.False(t, q.HasActiveSubscription)

	_, err = env.orders.RefundOrder(ctx, paid.ID, "again")
	requireKind(t, err, KindConflict)

	pending, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)
	_, err = env.orders.RefundOrder(ctx, pending.ID, "not paid")
	requireKind(t, err, KindConflict)

	_, err = env.orders.RefundOrder(ctx, "missing", "x")
	requireKind(t, err, KindNotFound)
}

func TestCancelStalePendingOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale, err := env.orders.CreateOrder(ctx, "user-a", "basic_40")
	require.NoError(t, err)
	paid := env.buy(t, "user-a", "monthly")

	env.clock.now = time.Now().Add(25 * time.Hour)
	n, err := env.orders.CancelStalePendingOrders(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.orders.GetOrder(ctx, "user-a", stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	got, err = env.orders.GetOrder(ctx, "user-a", paid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
}

// uuidColumnOrderStore fails the way a uuid-typed column does when handed a
// malformed key
type uuidColumnOrderStore struct {
	OrderStore
}

func (uuidColumnOrderStore) GetByID(ctx context.Context, id string) (*models.Order, error) {
	return nil, errors.New("cannot parse UUID " + id)
}

func (uuidColumnOrderStore) Refund(ctx context.Context, id string, at time.Time) (*models.Order, error) {
	return nil, errors.New("cannot parse UUID " + id)
}

func TestMalformedOrderIDIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.orders.orders = uuidColumnOrderStore{}
	ctx := context.Background()

	_, err := env.orders.GetOrder(ctx, "user-a", "not-a-uuid")
	requireKind(t, err, KindNotFound)
	_, err = env.orders.PayOrder(ctx, "user-a", "not-a-uuid", PaymentMethodMock)
	requireKind(t, err, KindNotFound)
	_, err = env.orders.CancelOrder(ctx, "user-a", "not-a-uuid")
	requireKind(t, err, KindNotFound)
	_, err = env.orders.RefundOrder(ctx, "not-a-uuid", "x")
	requireKind(t, err, KindNotFound)
	_, err = env.orders.OrderLogs(ctx, "not-a-uuid", 10)
	requireKind(t, err, KindNotFound)
}
