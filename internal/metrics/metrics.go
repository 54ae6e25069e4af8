package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "entitlement_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_orders_total",
			Help: "Order transitions by resulting status",
		},
		[]string{"status", "package_id"},
	)

	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_payments_total",
			Help: "Payment attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	SubscriptionsGrantedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_subscriptions_granted_total",
			Help: "Subscriptions granted, by source (order or trial)",
		},
		[]string{"source"},
	)

	MinutesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_minutes_consumed_total",
			Help: "Minutes deducted from quota, by tier",
		},
		[]string{"tier"},
	)

	QuotaRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_quota_rejections_total",
			Help: "Consume requests rejected for insufficient quota",
		},
		[]string{"tier"},
	)

	DeviceClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_device_claims_total",
			Help: "Device claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	SweepRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_sweep_rows_total",
			Help: "Rows touched by scheduled sweeps",
		},
		[]string{"job"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordOrder(status, packageID string) {
	OrdersTotal.WithLabelValues(status, packageID).Inc()
}

func RecordPayment(method, outcome string) {
	PaymentsTotal.WithLabelValues(method, outcome).Inc()
}

func RecordSubscriptionGranted(source string) {
	SubscriptionsGrantedTotal.WithLabelValues(source).Inc()
}

func RecordConsumption(tier string, minutes int) {
	MinutesConsumedTotal.WithLabelValues(tier).Add(float64(minutes))
}

func RecordQuotaRejection(tier string) {
	QuotaRejectionsTotal.WithLabelValues(tier).Inc()
}

func RecordDeviceClaim(outcome string) {
	DeviceClaimsTotal.WithLabelValues(outcome).Inc()
}

func RecordSweep(job string, rows int64) {
	SweepRowsTotal.WithLabelValues(job).Add(float64(rows))
}
