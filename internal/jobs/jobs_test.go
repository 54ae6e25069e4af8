package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/entitlement-service/internal/config"
	"github.com/wenwu/saas-platform/entitlement-service/internal/metrics"
)

type mockSweeper struct {
	mock.Mock
}

func (m *mockSweeper) ExpireLapsed(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSweeper) InvalidateExpiredCodes(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSweeper) CancelStalePendingOrders(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

func TestJobsRecordSweeps(t *testing.T) {
	metrics.SweepRowsTotal.Reset()

	m := &mockSweeper{}
	m.On("ExpireLapsed", mock.Anything).Return(int64(4), nil)
	m.On("InvalidateExpiredCodes", mock.Anything).Return(int64(2), nil)
	m.On("CancelStalePendingOrders", mock.Anything, 24*time.Hour).Return(3, nil)

	j := NewJobs(m, m, m, 24*time.Hour)
	j.ExpireSubscriptions()
	j.InvalidateClaimCodes()
	j.CancelStaleOrders()

	m.AssertExpectations(t)
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.SweepRowsTotal.WithLabelValues("expire_subscriptions")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.SweepRowsTotal.WithLabelValues("invalidate_claim_codes")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.SweepRowsTotal.WithLabelValues("cancel_stale_orders")))
}

func TestJobsSurviveErrors(t *testing.T) {
	m := &mockSweeper{}
	m.On("ExpireLapsed", mock.Anything).Return(int64(0), errors.New("db down"))
	m.On("InvalidateExpiredCodes", mock.Anything).Return(int64(0), errors.New("db down"))

	j := NewJobs(m, m, m, 0)
	assert.NotPanics(t, j.ExpireSubscriptions)
	assert.NotPanics(t, j.InvalidateClaimCodes)

	// zero pending TTL disables the stale-order sweep
	j.CancelStaleOrders()
	m.AssertNotCalled(t, "CancelStalePendingOrders", mock.Anything, mock.Anything)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	m := &mockSweeper{}
	s := NewScheduler(NewJobs(m, m, m, time.Hour), config.JobsConfig{
		ExpirySweepSchedule: "every now and then",
		StaleOrderSchedule:  "@every 1h",
	})
	require.Error(t, s.Start())
}

func TestSchedulerStartStop(t *testing.T) {
	m := &mockSweeper{}
	s := NewScheduler(NewJobs(m, m, m, time.Hour), config.JobsConfig{
		ExpirySweepSchedule: "@every 1h",
		StaleOrderSchedule:  "@every 1h",
	})
	require.NoError(t, s.Start())

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
