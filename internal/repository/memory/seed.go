package memory

import (
	"context"

	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
)

// DefaultCatalog mirrors db/migrations/00002_seed_packages.sql
func DefaultCatalog() []*models.Package {
	return []*models.Package{
		{ID: "trial", Name: "免费试用", Description: "7 天体验基础与高级模型", PriceCents: 0, Currency: "CNY",
			BasicMinutes: 30, PremiumMinutes: 10, ValidityDays: 7, SortOrder: 0, IsActive: true, IsTrial: true},
		{ID: "basic_40", Name: "基础包", Description: "40 分钟基础模型 + 15 分钟高级模型，永久有效", PriceCents: 9800, Currency: "CNY",
			BasicMinutes: 40, PremiumMinutes: 15, ValidityDays: 0, SortOrder: 10, IsActive: true},
		{ID: "pro_120", Name: "进阶包", Description: "120 分钟基础模型 + 60 分钟高级模型，90 天有效", PriceCents: 24800, Currency: "CNY",
			BasicMinutes: 120, PremiumMinutes: 60, ValidityDays: 90, SortOrder: 20, IsActive: true},
		{ID: "monthly_300", Name: "月度包", Description: "300 分钟基础模型 + 120 分钟高级模型，30 天有效", PriceCents: 39800, Currency: "CNY",
			BasicMinutes: 300, PremiumMinutes: 120, ValidityDays: 30, SortOrder: 30, IsActive: true},
	}
}

// NewSeeded returns a store holding the default catalog, as the Postgres
// driver has after migrating
func NewSeeded() *Store {
	s := New()
	for _, p := range DefaultCatalog() {
		// Upsert on the in-memory map cannot fail
		_ = s.Packages.Upsert(context.Background(), p)
	}
	return s
}
