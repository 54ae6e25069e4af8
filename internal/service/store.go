package service

import (
	"context"
	"time"

	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
)

// The stores below are implemented by internal/repository (Postgres) and
// internal/repository/memory. Both report repository.ErrNotFound,
// ErrConflict, ErrInsufficientQuota and ErrExpired with the same meaning.

type PackageStore interface {
	ListActive(ctx context.Context) ([]*models.Package, error)
	GetByID(ctx context.Context, id string) (*models.Package, error)
	Upsert(ctx context.Context, p *models.Package) error
}

type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Order, error)
	// MarkPaid grants the subscription and marks the order paid atomically.
	// granted is false when the order was already paid.
	MarkPaid(ctx context.Context, orderID, method, subscriptionID string, paidAt time.Time) (order *models.Order, granted bool, err error)
	MarkFailed(ctx context.Context, orderID, method, reason string, at time.Time) (*models.Order, error)
	Cancel(ctx context.Context, orderID string, at time.Time) (*models.Order, error)
	Refund(ctx context.Context, orderID string, at time.Time) (*models.Order, error)
	CancelStalePending(ctx context.Context, cutoff, at time.Time) ([]*models.Order, error)
}

type SubscriptionStore interface {
	CreateTrial(ctx context.Context, sub *models.Subscription) error
	ListByUser(ctx context.Context, userID string) ([]*models.Subscription, error)
	// Consume returns the user's usable subscriptions after deduction
	Consume(ctx context.Context, userID string, tier models.Tier, minutes int, now time.Time) ([]*models.Subscription, error)
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
}

type DeviceStore interface {
	ReplaceClaimCode(ctx context.Context, code *models.DeviceClaimCode, now time.Time) error
	Claim(ctx context.Context, claimCode, deviceID string, session *models.DeviceSession, now time.Time) (*models.DeviceClaimCode, error)
	InvalidateExpiredCodes(ctx context.Context, now time.Time) (int64, error)
	GetSessionByTokenHash(ctx context.Context, hash string) (*models.DeviceSession, error)
	RotateSession(ctx context.Context, sessionID, oldHash, newHash string, expiresAt, now time.Time) (*models.DeviceSession, error)
	RevokeSessions(ctx context.Context, userID, deviceID string, now time.Time) (int64, error)
}

type OrderLogStore interface {
	Create(ctx context.Context, entry *models.OrderLog) error
	GetByOrderID(ctx context.Context, orderID string, limit int) ([]*models.OrderLog, error)
}

// Clock returns the current time; tests swap it to move across expiry edges
type Clock func() time.Time
