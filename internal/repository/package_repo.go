package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
)

type PackageRepository struct {
	pool *pgxpool.Pool
}

func NewPackageRepository(pool *pgxpool.Pool) *PackageRepository {
	return &PackageRepository{pool: pool}
}

const packageColumns = `id, name, description, price_cents, currency,
	basic_minutes, premium_minutes, validity_days, sort_order,
	is_active, is_trial, created_at, updated_at`

// ListActive returns purchasable and trial packages in display order
func (r *PackageRepository) ListActive(ctx context.Context) ([]*models.Package, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM entitlement.packages
		WHERE is_active = TRUE
		ORDER BY sort_order ASC, id ASC
	`, packageColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	defer rows.Close()

	var packages []*models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

// GetByID returns a package regardless of is_active; callers decide visibility
func (r *PackageRepository) GetByID(ctx context.Context, id string) (*models.Package, error) {
	query := fmt.Sprintf(`SELECT %s FROM entitlement.packages WHERE id = $1`, packageColumns)
	return scanPackage(r.pool.QueryRow(ctx, query, id))
}

// Upsert creates or replaces a catalog entry. Existing orders keep their own
// snapshot so edits here never reach them.
func (r *PackageRepository) Upsert(ctx context.Context, p *models.Package) error {
	query := `
		INSERT INTO entitlement.packages (
			id, name, description, price_cents, currency,
			basic_minutes, premium_minutes, validity_days, sort_order,
			is_active, is_trial
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price_cents = EXCLUDED.price_cents,
			currency = EXCLUDED.currency,
			basic_minutes = EXCLUDED.basic_minutes,
			premium_minutes = EXCLUDED.premium_minutes,
			validity_days = EXCLUDED.validity_days,
			sort_order = EXCLUDED.sort_order,
			is_active = EXCLUDED.is_active,
			is_trial = EXCLUDED.is_trial,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		p.ID, p.Name, p.Description, p.PriceCents, p.Currency,
		p.BasicMinutes, p.PremiumMinutes, p.ValidityDays, p.SortOrder,
		p.IsActive, p.IsTrial,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert package: %w", err)
	}
	return nil
}

func scanPackage(row pgx.Row) (*models.Package, error) {
	p := &models.Package{}
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.Currency,
		&p.BasicMinutes, &p.PremiumMinutes, &p.ValidityDays, &p.SortOrder,
		&p.IsActive, &p.IsTrial, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, notFoundOr(err, "scan package")
	}
	return p, nil
}
