package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/entitlement-service/internal/config"
	"github.com/wenwu/saas-platform/entitlement-service/internal/events"
	"github.com/wenwu/saas-platform/entitlement-service/internal/metrics"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
	"github.com/wenwu/saas-platform/entitlement-service/internal/repository"
)

// QuotaService owns trial grants, minute consumption and the quota rollup
type QuotaService struct {
	subs      SubscriptionStore
	catalog   *CatalogService
	trial     config.TrialConfig
	models    config.ModelsConfig
	publisher events.Publisher
	now       Clock
}

func NewQuotaService(
	subs SubscriptionStore,
	catalog *CatalogService,
	trial config.TrialConfig,
	modelsCfg config.ModelsConfig,
	publisher events.Publisher,
) *QuotaService {
	return &QuotaService{
		subs:      subs,
		catalog:   catalog,
		trial:     trial,
		models:    modelsCfg,
		publisher: publisher,
		now:       time.Now,
	}
}

// GetQuota sums every usable subscription of the user
func (s *QuotaService) GetQuota(ctx context.Context, userID string) (*models.QuotaSnapshot, error) {
	subs, err := s.subs.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return models.BuildQuotaSnapshot(subs, s.now(), s.models.Basic, s.models.Premium), nil
}

// ListSubscriptions returns every subscription of the user, newest first
func (s *QuotaService) ListSubscriptions(ctx context.Context, userID string) ([]*models.Subscription, error) {
	subs, err := s.subs.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// CreateTrialSubscription grants the one-off trial. A user who has ever
// activated a trial gets Conflict, enforced by the store's unique guard.
func (s *QuotaService) CreateTrialSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	if !s.trial.Enabled {
		return nil, Conflict("trial is disabled")
	}

	pkg, err := s.catalog.GetPackage(ctx, s.trial.PackageID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.AddDate(0, 0, s.trial.DurationDays)
	sub := &models.Subscription{
		ID:                  uuid.New().String(),
		UserID:              userID,
		PackageID:           pkg.ID,
		PackageName:         pkg.Name,
		IsTrial:             true,
		BasicMinutesTotal:   pkg.BasicMinutes,
		PremiumMinutesTotal: pkg.PremiumMinutes,
		StartedAt:           now,
		ExpiresAt:           &expiresAt,
		Status:              models.SubscriptionStatusActive,
	}

	err = s.subs.CreateTrial(ctx, sub)
	if errors.Is(err, repository.ErrConflict) {
		return nil, Conflict("trial already used")
	}
	if err != nil {
		return nil, fmt.Errorf("create trial: %w", err)
	}

	log.Printf("[QuotaService] Trial activated for user %s (basic=%d premium=%d expires=%s)",
		userID, sub.BasicMinutesTotal, sub.PremiumMinutesTotal, expiresAt.Format(time.RFC3339))
	metrics.RecordSubscriptionGranted("trial")

	event := events.NewEvent(events.TrialActivated, userID, models.NewSubscriptionResponse(sub, now))
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("[QuotaService] Failed to publish trial event for %s: %v", userID, err)
	}
	return sub, nil
}

// Consume deducts minutes of a tier, soonest-expiring subscription first. It
// is all or nothing: when the total is short nothing changes.
func (s *QuotaService) Consume(ctx context.Context, userID, tierName string, minutes int) (*models.QuotaSnapshot, error) {
	tier, err := models.ParseTier(tierName)
	if err != nil {
		return nil, Validation("tier must be basic or premium")
	}
	if minutes <= 0 {
		return nil, Validation("minutes must be positive")
	}

	now := s.now()
	subs, err := s.subs.Consume(ctx, userID, tier, minutes, now)
	if errors.Is(err, repository.ErrInsufficientQuota) {
		metrics.RecordQuotaRejection(string(tier))
		return nil, QuotaExceeded("insufficient %s quota for %d minutes", tier, minutes)
	}
	if err != nil {
		return nil, fmt.Errorf("consume quota: %w", err)
	}

	metrics.RecordConsumption(string(tier), minutes)
	snapshot := models.BuildQuotaSnapshot(subs, now, s.models.Basic, s.models.Premium)

	event := events.NewEvent(events.QuotaConsumed, userID, map[string]interface{}{
		"tier":      tier,
		"minutes":   minutes,
		"remaining": snapshot.Remaining(tier),
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("[QuotaService] Failed to publish consume event for %s: %v", userID, err)
	}
	return snapshot, nil
}

// ExpireLapsed flips lapsed active subscriptions to expired. Reads never rely
// on it; it keeps stored status honest for reporting.
func (s *QuotaService) ExpireLapsed(ctx context.Context) (int64, error) {
	n, err := s.subs.ExpireLapsed(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	if n > 0 {
		log.Printf("[QuotaService] Marked %d subscriptions expired", n)
	}
	return n, nil
}
