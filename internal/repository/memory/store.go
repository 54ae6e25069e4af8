// Package memory holds in-process stores with the same guarantees as the
// Postgres repositories. Every mutation runs under one mutex, which plays the
// part of row locks, advisory locks and unique indexes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
	"github.com/wenwu/saas-platform/entitlement-service/internal/repository"
)

type state struct {
	mu            sync.Mutex
	packages      map[string]*models.Package
	orders        map[string]*models.Order
	subscriptions map[string]*models.Subscription
	claimCodes    []*models.DeviceClaimCode
	sessions      map[string]*models.DeviceSession
	logs          []*models.OrderLog
}

// Store bundles the per-aggregate stores over shared state
type Store struct {
	Packages      *PackageStore
	Orders        *OrderStore
	Subscriptions *SubscriptionStore
	Devices       *DeviceStore
	Logs          *LogStore
}

func New() *Store {
	s := &state{
		packages:      make(map[string]*models.Package),
		orders:        make(map[string]*models.Order),
		subscriptions: make(map[string]*models.Subscription),
		sessions:      make(map[string]*models.DeviceSession),
	}
	return &Store{
		Packages:      &PackageStore{s: s},
		Orders:        &OrderStore{s: s},
		Subscriptions: &SubscriptionStore{s: s},
		Devices:       &DeviceStore{s: s},
		Logs:          &LogStore{s: s},
	}
}

// ==================== Packages ====================

type PackageStore struct{ s *state }

func (p *PackageStore) ListActive(ctx context.Context) ([]*models.Package, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	var out []*models.Package
	for _, pkg := range p.s.packages {
		if pkg.IsActive {
			c := *pkg
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (p *PackageStore) GetByID(ctx context.Context, id string) (*models.Package, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	pkg, ok := p.s.packages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *pkg
	return &c, nil
}

func (p *PackageStore) Upsert(ctx context.Context, pkg *models.Package) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	now := time.Now()
	if existing, ok := p.s.packages[pkg.ID]; ok {
		pkg.CreatedAt = existing.CreatedAt
	} else {
		pkg.CreatedAt = now
	}
	pkg.UpdatedAt = now
	c := *pkg
	p.s.packages[pkg.ID] = &c
	return nil
}

// ==================== Orders ====================

type OrderStore struct{ s *state }

func (o *OrderStore) Create(ctx context.Context, order *models.Order) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	for _, existing := range o.s.orders {
		if existing.OrderNo == order.OrderNo {
			return repository.ErrConflict
		}
	}
	if _, ok := o.s.packages[order.PackageID]; !ok {
		return repository.ErrNotFound
	}

	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	c := *order
	o.s.orders[order.ID] = &c
	return nil
}

func (o *OrderStore) GetByID(ctx context.Context, id string) (*models.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	order, ok := o.s.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *order
	return &c, nil
}

func (o *OrderStore) ListByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	var out []*models.Order
	for _, order := range o.s.orders {
		if order.UserID == userID {
			c := *order
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (o *OrderStore) MarkPaid(ctx context.Context, orderID, method, subscriptionID string, paidAt time.Time) (*models.Order, bool, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	order, ok := o.s.orders[orderID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	switch order.Status {
	case models.OrderStatusPaid:
		c := *order
		return &c, false, nil
	case models.OrderStatusPending:
	default:
		c := *order
		return &c, false, repository.ErrConflict
	}

	for _, sub := range o.s.subscriptions {
		if sub.OrderID != nil && *sub.OrderID == orderID {
			c := *order
			return &c, false, repository.ErrConflict
		}
	}

	sub := order.NewSubscription(subscriptionID, paidAt)
	sub.CreatedAt, sub.UpdatedAt = paidAt, paidAt
	o.s.subscriptions[sub.ID] = sub

	order.Status = models.OrderStatusPaid
	order.PaidAt = &paidAt
	order.PaymentMethod = &method
	order.SubscriptionID = &subscriptionID
	order.UpdatedAt = paidAt

	c := *order
	return &c, true, nil
}

func (o *OrderStore) MarkFailed(ctx context.Context, orderID, method, reason string, at time.Time) (*models.Order, error) {
	return o.transition(orderID, models.OrderStatusFailed, func(order *models.Order) {
		order.FailedAt = &at
		order.PaymentMethod = &method
		order.FailureReason = &reason
		order.UpdatedAt = at
	})
}

func (o *OrderStore) Cancel(ctx context.Context, orderID string, at time.Time) (*models.Order, error) {
	return o.transition(orderID, models.OrderStatusCancelled, func(order *models.Order) {
		order.CancelledAt = &at
		order.UpdatedAt = at
	})
}

func (o *OrderStore) Refund(ctx context.Context, orderID string, at time.Time) (*models.Order, error) {
	order, err := o.transition(orderID, models.OrderStatusRefunded, func(order *models.Order) {
		order.RefundedAt = &at
		order.UpdatedAt = at
		for _, sub := range o.s.subscriptions {
			if sub.OrderID != nil && *sub.OrderID == orderID && sub.Status != models.SubscriptionStatusCancelled {
				sub.Status = models.SubscriptionStatusCancelled
				sub.UpdatedAt = at
			}
		}
	})
	return order, err
}

func (o *OrderStore) CancelStalePending(ctx context.Context, cutoff, at time.Time) ([]*models.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	var out []*models.Order
	for _, order := range o.s.orders {
		if order.Status == models.OrderStatusPending && order.CreatedAt.Before(cutoff) {
			order.Status = models.OrderStatusCancelled
			order.CancelledAt = &at
			order.UpdatedAt = at
			c := *order
			out = append(out, &c)
		}
	}
	return out, nil
}

// transition applies a status change guarded by the order state machine. A
// rejected change returns the current order with ErrConflict.
func (o *OrderStore) transition(orderID, to string, apply func(*models.Order)) (*models.Order, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	order, ok := o.s.orders[orderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !models.CanTransition(order.Status, to) {
		c := *order
		return &c, repository.ErrConflict
	}
	order.Status = to
	apply(order)
	c := *order
	return &c, nil
}

// ==================== Subscriptions ====================

type SubscriptionStore struct{ s *state }

func (ss *SubscriptionStore) CreateTrial(ctx context.Context, sub *models.Subscription) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	for _, existing := range ss.s.subscriptions {
		if existing.UserID == sub.UserID && existing.IsTrial {
			return repository.ErrConflict
		}
	}
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	c := *sub
	ss.s.subscriptions[sub.ID] = &c
	return nil
}

func (ss *SubscriptionStore) ListByUser(ctx context.Context, userID string) ([]*models.Subscription, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	out := ss.userSubscriptions(userID)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (ss *SubscriptionStore) Consume(ctx context.Context, userID string, tier models.Tier, minutes int, now time.Time) ([]*models.Subscription, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	var live []*models.Subscription
	for _, sub := range ss.s.subscriptions {
		if sub.UserID == userID {
			live = append(live, sub)
		}
	}

	ordered, available := models.PlanConsumption(live, tier, now)
	if available < minutes {
		return nil, repository.ErrInsufficientQuota
	}

	remaining := minutes
	for _, sub := range ordered {
		if remaining == 0 {
			break
		}
		if taken := sub.Deduct(tier, remaining); taken > 0 {
			remaining -= taken
			sub.UpdatedAt = now
		}
	}

	out := make([]*models.Subscription, 0, len(ordered))
	for _, sub := range ordered {
		c := *sub
		out = append(out, &c)
	}
	return out, nil
}

func (ss *SubscriptionStore) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	var n int64
	for _, sub := range ss.s.subscriptions {
		if sub.Status == models.SubscriptionStatusActive && sub.ExpiresAt != nil && !sub.ExpiresAt.After(now) {
			sub.Status = models.SubscriptionStatusExpired
			sub.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (ss *SubscriptionStore) userSubscriptions(userID string) []*models.Subscription {
	var out []*models.Subscription
	for _, sub := range ss.s.subscriptions {
		if sub.UserID == userID {
			c := *sub
			out = append(out, &c)
		}
	}
	return out
}

// ==================== Devices ====================

type DeviceStore struct{ s *state }

func (d *DeviceStore) ReplaceClaimCode(ctx context.Context, code *models.DeviceClaimCode, now time.Time) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	for _, c := range d.s.claimCodes {
		if c.ConsumedAt != nil || c.InvalidatedAt != nil {
			continue
		}
		if c.ClaimCode == code.ClaimCode && c.ExpiresAt.After(now) && c.UserID != code.UserID {
			return repository.ErrConflict
		}
	}

	for _, c := range d.s.claimCodes {
		if c.ConsumedAt != nil || c.InvalidatedAt != nil {
			continue
		}
		if c.UserID == code.UserID || (c.ClaimCode == code.ClaimCode && !c.ExpiresAt.After(now)) {
			at := now
			c.InvalidatedAt = &at
		}
	}

	code.CreatedAt = now
	c := *code
	d.s.claimCodes = append(d.s.claimCodes, &c)
	return nil
}

func (d *DeviceStore) Claim(ctx context.Context, claimCode, deviceID string, session *models.DeviceSession, now time.Time) (*models.DeviceClaimCode, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	var latest *models.DeviceClaimCode
	for _, c := range d.s.claimCodes {
		if c.ClaimCode != claimCode {
			continue
		}
		if latest == nil || !c.CreatedAt.Before(latest.CreatedAt) {
			latest = c
		}
		if c.IsLive(now) {
			at := now
			dev := deviceID
			c.ConsumedAt = &at
			c.DeviceID = &dev

			session.UserID = c.UserID
			session.CreatedAt = now
			s := *session
			d.s.sessions[s.ID] = &s

			out := *c
			return &out, nil
		}
	}

	if latest != nil && latest.ConsumedAt == nil && !latest.ExpiresAt.After(now) {
		return nil, repository.ErrExpired
	}
	return nil, repository.ErrNotFound
}

func (d *DeviceStore) InvalidateExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	var n int64
	for _, c := range d.s.claimCodes {
		if c.ConsumedAt == nil && c.InvalidatedAt == nil && !c.ExpiresAt.After(now) {
			at := now
			c.InvalidatedAt = &at
			n++
		}
	}
	return n, nil
}

func (d *DeviceStore) GetSessionByTokenHash(ctx context.Context, hash string) (*models.DeviceSession, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	for _, s := range d.s.sessions {
		if s.RefreshTokenHash == hash {
			c := *s
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (d *DeviceStore) RotateSession(ctx context.Context, sessionID, oldHash, newHash string, expiresAt, now time.Time) (*models.DeviceSession, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	s, ok := d.s.sessions[sessionID]
	if !ok || s.RefreshTokenHash != oldHash || !s.IsValid(now) {
		return nil, repository.ErrNotFound
	}
	s.RefreshTokenHash = newHash
	s.ExpiresAt = expiresAt
	at := now
	s.LastUsedAt = &at
	c := *s
	return &c, nil
}

func (d *DeviceStore) RevokeSessions(ctx context.Context, userID, deviceID string, now time.Time) (int64, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	var n int64
	for _, s := range d.s.sessions {
		if s.UserID != userID || s.RevokedAt != nil {
			continue
		}
		if deviceID != "" && s.DeviceID != deviceID {
			continue
		}
		at := now
		s.RevokedAt = &at
		n++
	}
	return n, nil
}

// ==================== Order logs ====================

type LogStore struct{ s *state }

func (l *LogStore) Create(ctx context.Context, entry *models.OrderLog) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now()
	c := *entry
	l.s.logs = append(l.s.logs, &c)
	return nil
}

func (l *LogStore) GetByOrderID(ctx context.Context, orderID string, limit int) ([]*models.OrderLog, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*models.OrderLog
	for i := len(l.s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if l.s.logs[i].OrderID == orderID {
			c := *l.s.logs[i]
			out = append(out, &c)
		}
	}
	return out, nil
}
