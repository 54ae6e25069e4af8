package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
	"github.com/wenwu/saas-platform/entitlement-service/internal/repository"
)

// CatalogService serves the package catalog
type CatalogService struct {
	packages PackageStore
}

func NewCatalogService(packages PackageStore) *CatalogService {
	return &CatalogService{packages: packages}
}

// ListPackages returns active packages ordered by sort_order
func (s *CatalogService) ListPackages(ctx context.Context) ([]*models.Package, error) {
	packages, err := s.packages.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	return packages, nil
}

// GetPackage returns an active package; inactive ones are reported as missing
func (s *CatalogService) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	p, err := s.packages.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFound("package %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	if !p.IsActive {
		return nil, NotFound("package %s not found", id)
	}
	return p, nil
}

// UpsertPackage creates or replaces a catalog entry (internal admin only)
func (s *CatalogService) UpsertPackage(ctx context.Context, p *models.Package) (*models.Package, error) {
	p.ID = strings.TrimSpace(p.ID)
	switch {
	case p.ID == "":
		return nil, Validation("package id is required")
	case p.PriceCents < 0:
		return nil, Validation("price must not be negative")
	case p.BasicMinutes < 0 || p.PremiumMinutes < 0:
		return nil, Validation("minutes must not be negative")
	case p.ValidityDays < 0:
		return nil, Validation("validity_days must not be negative")
	}

	if err := s.packages.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("upsert package: %w", err)
	}
	log.Printf("[CatalogService] Upserted package %s (active=%t trial=%t)", p.ID, p.IsActive, p.IsTrial)
	return p, nil
}
