package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
)

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

const subscriptionColumns = `id, user_id, package_id, package_name, order_id, is_trial,
	basic_minutes_total, basic_minutes_used, premium_minutes_total, premium_minutes_used,
	started_at, expires_at, status, created_at, updated_at`

// CreateTrial inserts a trial grant. The partial unique index on
// (user_id) WHERE is_trial turns a second activation into ErrConflict.
func (r *SubscriptionRepository) CreateTrial(ctx context.Context, sub *models.Subscription) error {
	if !sub.IsTrial {
		return fmt.Errorf("create trial: subscription %s is not a trial", sub.ID)
	}
	return insertSubscription(ctx, r.pool, sub)
}

// ListByUser returns every subscription of the user, newest first
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string) ([]*models.Subscription, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM entitlement.subscriptions
		WHERE user_id = $1
		ORDER BY started_at DESC, id DESC
	`, subscriptionColumns)

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	return scanSubscriptions(rows)
}

// Consume deducts minutes across the user's usable subscriptions. A per-user
// advisory lock serializes check-then-deduct so two concurrent consumes can
// never both pass the sufficiency check on the same balance. Nothing is
// written when the total is short.
func (r *SubscriptionRepository) Consume(ctx context.Context, userID string, tier models.Tier, minutes int, now time.Time) ([]*models.Subscription, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "quota:"+userID); err != nil {
		return nil, fmt.Errorf("lock user quota: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM entitlement.subscriptions
		WHERE user_id = $1 AND status = 'active' AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY expires_at ASC NULLS LAST, started_at ASC, id ASC
		FOR UPDATE
	`, subscriptionColumns)
	rows, err := tx.Query(ctx, query, userID, now)
	if err != nil {
		return nil, fmt.Errorf("query usable subscriptions: %w", err)
	}
	usable, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}

	ordered, available := models.PlanConsumption(usable, tier, now)
	if available < minutes {
		return nil, ErrInsufficientQuota
	}

	remaining := minutes
	for _, sub := range ordered {
		if remaining == 0 {
			break
		}
		taken := sub.Deduct(tier, remaining)
		if taken == 0 {
			continue
		}
		remaining -= taken

		_, err := tx.Exec(ctx, `
			UPDATE entitlement.subscriptions
			SET basic_minutes_used = $2, premium_minutes_used = $3, updated_at = NOW()
			WHERE id = $1
		`, sub.ID, sub.BasicMinutesUsed, sub.PremiumMinutesUsed)
		if err != nil {
			return nil, fmt.Errorf("deduct subscription %s: %w", sub.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return usable, nil
}

// ExpireLapsed marks active rows past expires_at as expired. Reads already
// treat such rows as inactive, so this only tidies status for reporting.
func (r *SubscriptionRepository) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE entitlement.subscriptions
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func insertSubscription(ctx context.Context, q querier, sub *models.Subscription) error {
	query := `
		INSERT INTO entitlement.subscriptions (
			id, user_id, package_id, package_name, order_id, is_trial,
			basic_minutes_total, basic_minutes_used, premium_minutes_total, premium_minutes_used,
			started_at, expires_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`
	err := q.QueryRow(ctx, query,
		sub.ID, sub.UserID, sub.PackageID, sub.PackageName, sub.OrderID, sub.IsTrial,
		sub.BasicMinutesTotal, sub.BasicMinutesUsed, sub.PremiumMinutesTotal, sub.PremiumMinutesUsed,
		sub.StartedAt, sub.ExpiresAt, sub.Status,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	s := &models.Subscription{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.PackageID, &s.PackageName, &s.OrderID, &s.IsTrial,
		&s.BasicMinutesTotal, &s.BasicMinutesUsed, &s.PremiumMinutesTotal, &s.PremiumMinutesUsed,
		&s.StartedAt, &s.ExpiresAt, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, notFoundOr(err, "scan subscription")
	}
	return s, nil
}

func scanSubscriptions(rows pgx.Rows) ([]*models.Subscription, error) {
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
