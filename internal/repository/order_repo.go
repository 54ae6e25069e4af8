package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
)

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

const orderColumns = `id, order_no, user_id, package_id, package_name,
	amount_cents, currency, basic_minutes, premium_minutes, validity_days,
	status, payment_method, failure_reason, subscription_id,
	created_at, updated_at, paid_at, cancelled_at, failed_at, refunded_at`

func (r *OrderRepository) Create(ctx context.Context, o *models.Order) error {
	query := `
		INSERT INTO entitlement.orders (
			id, order_no, user_id, package_id, package_name,
			amount_cents, currency, basic_minutes, premium_minutes, validity_days,
			status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		o.ID, o.OrderNo, o.UserID, o.PackageID, o.PackageName,
		o.AmountCents, o.Currency, o.BasicMinutes, o.PremiumMinutes, o.ValidityDays,
		o.Status,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	if !isUUID(id) {
		return nil, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM entitlement.orders WHERE id = $1`, orderColumns)
	return scanOrder(r.pool.QueryRow(ctx, query, id))
}

// ListByUser returns the user's orders, newest first
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM entitlement.orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, orderColumns)

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	return scanOrders(rows)
}

// MarkPaid grants the subscription and flips the order to paid in one
// transaction. The order row is locked and its status re-read, so concurrent
// callers serialize here: the first one grants, the rest see paid and get
// granted=false with the existing order.
func (r *OrderRepository) MarkPaid(ctx context.Context, orderID, method, subscriptionID string, paidAt time.Time) (*models.Order, bool, error) {
	if !isUUID(orderID) {
		return nil, false, ErrNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := fmt.Sprintf(`SELECT %s FROM entitlement.orders WHERE id = $1 FOR UPDATE`, orderColumns)
	o, err := scanOrder(tx.QueryRow(ctx, query, orderID))
	if err != nil {
		return nil, false, err
	}

	switch o.Status {
	case models.OrderStatusPaid:
		return o, false, nil
	case models.OrderStatusPending:
	default:
		return o, false, ErrConflict
	}

	sub := o.NewSubscription(subscriptionID, paidAt)
	if err := insertSubscription(ctx, tx, sub); err != nil {
		return nil, false, err
	}

	update := fmt.Sprintf(`
		UPDATE entitlement.orders
		SET status = 'paid', paid_at = $2, payment_method = $3, subscription_id = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING %s
	`, orderColumns)
	o, err = scanOrder(tx.QueryRow(ctx, update, orderID, paidAt, method, subscriptionID))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit pay: %w", err)
	}
	return o, true, nil
}

// MarkFailed records a declined payment. Only a pending order can fail; any
// other status returns the current order with ErrConflict.
func (r *OrderRepository) MarkFailed(ctx context.Context, orderID, method, reason string, at time.Time) (*models.Order, error) {
	query := fmt.Sprintf(`
		UPDATE entitlement.orders
		SET status = 'failed', failed_at = $2, payment_method = $3, failure_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING %s
	`, orderColumns)
	return r.guardedUpdate(ctx, orderID, query, orderID, at, method, reason)
}

// Cancel moves a pending order to cancelled
func (r *OrderRepository) Cancel(ctx context.Context, orderID string, at time.Time) (*models.Order, error) {
	query := fmt.Sprintf(`
		UPDATE entitlement.orders
		SET status = 'cancelled', cancelled_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING %s
	`, orderColumns)
	return r.guardedUpdate(ctx, orderID, query, orderID, at)
}

// Refund moves a paid order to refunded and cancels the subscription it
// granted in the same transaction.
func (r *OrderRepository) Refund(ctx context.Context, orderID string, at time.Time) (*models.Order, error) {
	if !isUUID(orderID) {
		return nil, ErrNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := fmt.Sprintf(`SELECT %s FROM entitlement.orders WHERE id = $1 FOR UPDATE`, orderColumns)
	o, err := scanOrder(tx.QueryRow(ctx, query, orderID))
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(o.Status, models.OrderStatusRefunded) {
		return o, ErrConflict
	}

	update := fmt.Sprintf(`
		UPDATE entitlement.orders
		SET status = 'refunded', refunded_at = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING %s
	`, orderColumns)
	o, err = scanOrder(tx.QueryRow(ctx, update, orderID, at))
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE entitlement.subscriptions
		SET status = 'cancelled', updated_at = NOW()
		WHERE order_id = $1 AND status <> 'cancelled'
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("cancel refunded subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit refund: %w", err)
	}
	return o, nil
}

// CancelStalePending cancels every order still pending since before cutoff
func (r *OrderRepository) CancelStalePending(ctx context.Context, cutoff, at time.Time) ([]*models.Order, error) {
	query := fmt.Sprintf(`
		UPDATE entitlement.orders
		SET status = 'cancelled', cancelled_at = $2, updated_at = NOW()
		WHERE status = 'pending' AND created_at < $1
		RETURNING %s
	`, orderColumns)

	rows, err := r.pool.Query(ctx, query, cutoff, at)
	if err != nil {
		return nil, fmt.Errorf("cancel stale orders: %w", err)
	}
	return scanOrders(rows)
}

// guardedUpdate runs a status-guarded UPDATE ... RETURNING. When the guard
// matches nothing the current row is returned with ErrConflict.
func (r *OrderRepository) guardedUpdate(ctx context.Context, orderID, query string, args ...any) (*models.Order, error) {
	if !isUUID(orderID) {
		return nil, ErrNotFound
	}
	o, err := scanOrder(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	current, err := r.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return current, ErrConflict
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(
		&o.ID, &o.OrderNo, &o.UserID, &o.PackageID, &o.PackageName,
		&o.AmountCents, &o.Currency, &o.BasicMinutes, &o.PremiumMinutes, &o.ValidityDays,
		&o.Status, &o.PaymentMethod, &o.FailureReason, &o.SubscriptionID,
		&o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.CancelledAt, &o.FailedAt, &o.RefundedAt,
	)
	if err != nil {
		return nil, notFoundOr(err, "scan order")
	}
	return o, nil
}

func scanOrders(rows pgx.Rows) ([]*models.Order, error) {
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
