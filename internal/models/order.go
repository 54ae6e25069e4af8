package models

import "time"

// Order status constants
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCancelled = "cancelled"
	OrderStatusFailed    = "failed"
	OrderStatusRefunded  = "refunded"
)

// orderTransitions lists every reachable status change. Anything not listed
// here is rejected.
var orderTransitions = map[string][]string{
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPaid:    {OrderStatusRefunded},
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to string) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalOrderStatus reports whether no further transition exists
func IsTerminalOrderStatus(status string) bool {
	return len(orderTransitions[status]) == 0
}

// Order is a purchase intent. Package name, price, minutes and validity are
// snapshotted at creation so later catalog edits never alter it.
type Order struct {
	ID             string
	OrderNo        string
	UserID         string
	PackageID      string
	PackageName    string
	AmountCents    int64
	Currency       string
	BasicMinutes   int
	PremiumMinutes int
	ValidityDays   int
	Status         string
	PaymentMethod  *string
	FailureReason  *string
	SubscriptionID *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PaidAt         *time.Time
	CancelledAt    *time.Time
	FailedAt       *time.Time
	RefundedAt     *time.Time
}

// NewSubscription builds the subscription granted when this order is paid.
// Minutes and validity come from the order snapshot, not the live catalog.
func (o *Order) NewSubscription(id string, paidAt time.Time) *Subscription {
	orderID := o.ID
	return &Subscription{
		ID:                  id,
		UserID:              o.UserID,
		PackageID:           o.PackageID,
		PackageName:         o.PackageName,
		OrderID:             &orderID,
		IsTrial:             false,
		BasicMinutesTotal:   o.BasicMinutes,
		PremiumMinutesTotal: o.PremiumMinutes,
		StartedAt:           paidAt,
		ExpiresAt:           expiryFrom(paidAt, o.ValidityDays),
		Status:              SubscriptionStatusActive,
	}
}

// OrderLog is an append-only audit entry for an order transition
type OrderLog struct {
	ID        string
	OrderID   string
	Action    string
	Status    string
	Message   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}
