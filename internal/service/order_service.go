package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/entitlement-service/internal/events"
	"github.com/wenwu/saas-platform/entitlement-service/internal/metrics"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
	"github.com/wenwu/saas-platform/entitlement-service/internal/repository"
)

// PaymentResult is the outcome of a pay attempt. A declined payment is a
// result with Success=false, not an error.
type PaymentResult struct {
	Success        bool
	Message        string
	Order          *models.Order
	SubscriptionID *string
}

// OrderService drives the order lifecycle and grants subscriptions on payment
type OrderService struct {
	orders    OrderStore
	logs      OrderLogStore
	catalog   *CatalogService
	payments  *PaymentRegistry
	orderNos  *OrderNoGenerator
	publisher events.Publisher
	now       Clock
}

func NewOrderService(
	orders OrderStore,
	logs OrderLogStore,
	catalog *CatalogService,
	payments *PaymentRegistry,
	orderNos *OrderNoGenerator,
	publisher events.Publisher,
) *OrderService {
	return &OrderService{
		orders:    orders,
		logs:      logs,
		catalog:   catalog,
		payments:  payments,
		orderNos:  orderNos,
		publisher: publisher,
		now:       time.Now,
	}
}

// CreateOrder snapshots the package into a new pending order
func (s *OrderService) CreateOrder(ctx context.Context, userID, packageID string) (*models.Order, error) {
	pkg, err := s.catalog.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if pkg.IsTrial {
		return nil, Validation("package %s is a trial and cannot be purchased", packageID)
	}

	order := &models.Order{
		ID:             uuid.New().String(),
		OrderNo:        s.orderNos.Next(s.now()),
		UserID:         userID,
		PackageID:      pkg.ID,
		PackageName:    pkg.Name,
		AmountCents:    pkg.PriceCents,
		Currency:       pkg.Currency,
		BasicMinutes:   pkg.BasicMinutes,
		PremiumMinutes: pkg.PremiumMinutes,
		ValidityDays:   pkg.ValidityDays,
		Status:         models.OrderStatusPending,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	log.Printf("[OrderService] Created order %s for user %s (package=%s amount=%d)",
		order.OrderNo, userID, pkg.ID, order.AmountCents)
	metrics.RecordOrder(models.OrderStatusPending, pkg.ID)
	s.appendLog(ctx, order, repository.OrderActionCreated, "order created", nil)
	s.publish(ctx, events.OrderCreated, order)
	return order, nil
}

// GetOrder returns an order owned by userID
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	return s.ownedOrder(ctx, userID, orderID)
}

// ListOrders returns the user's orders, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]*models.Order, error) {
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// PayOrder charges the order through the named payment method. Paying an
// already paid order returns the original result without a second grant.
func (s *OrderService) PayOrder(ctx context.Context, userID, orderID, method string) (*PaymentResult, error) {
	order, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.OrderStatusPaid:
		return paidResult(order), nil
	case models.OrderStatusPending:
	default:
		return nil, Conflict("order %s is %s and cannot be paid", order.OrderNo, order.Status)
	}

	provider, err := s.payments.Resolve(method)
	if err != nil {
		return nil, err
	}

	intent, err := provider.Initiate(ctx, order)
	if err != nil {
		return nil, passOrWrap(err, "initiate payment")
	}
	outcome, err := provider.Confirm(ctx, order, intent)
	if err != nil {
		return nil, passOrWrap(err, "confirm payment")
	}

	if !outcome.Approved {
		metrics.RecordPayment(provider.Name(), "declined")
		return s.decline(ctx, order, provider, intent, outcome.Reason)
	}
	metrics.RecordPayment(provider.Name(), "approved")

	paid, granted, err := s.orders.MarkPaid(ctx, order.ID, provider.Name(), uuid.New().String(), s.now())
	if errors.Is(err, repository.ErrConflict) {
		if paid == nil {
			paid = order
		}
		return nil, Conflict("order %s is %s and cannot be paid", paid.OrderNo, paid.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("mark order paid: %w", err)
	}

	if granted {
		log.Printf("[OrderService] Order %s paid via %s, granted subscription %s",
			paid.OrderNo, provider.Name(), *paid.SubscriptionID)
		metrics.RecordOrder(models.OrderStatusPaid, paid.PackageID)
		metrics.RecordSubscriptionGranted("order")
		s.appendLog(ctx, paid, repository.OrderActionPaid, "payment confirmed", map[string]interface{}{
			"payment_method":  provider.Name(),
			"reference":       intent.Reference,
			"subscription_id": *paid.SubscriptionID,
		})
		s.publish(ctx, events.OrderPaid, paid)
	}
	return paidResult(paid), nil
}

func (s *OrderService) decline(ctx context.Context, order *models.Order, provider PaymentMethod, intent *PaymentIntent, reason string) (*PaymentResult, error) {
	if reason == "" {
		reason = "payment declined"
	}

	failed, err := s.orders.MarkFailed(ctx, order.ID, provider.Name(), reason, s.now())
	if errors.Is(err, repository.ErrConflict) {
		// 并发请求已经支付成功
		if failed.Status == models.OrderStatusPaid {
			return paidResult(failed), nil
		}
		return nil, Conflict("order %s is %s and cannot be paid", failed.OrderNo, failed.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("mark order failed: %w", err)
	}

	if err := provider.Fail(ctx, failed, intent, reason); err != nil {
		log.Printf("[OrderService] Provider %s fail hook for %s: %v", provider.Name(), failed.OrderNo, err)
	}

	log.Printf("[OrderService] Order %s payment declined: %s", failed.OrderNo, reason)
	metrics.RecordOrder(models.OrderStatusFailed, failed.PackageID)
	s.appendLog(ctx, failed, repository.OrderActionFailed, reason, map[string]interface{}{
		"payment_method": provider.Name(),
		"reference":      intent.Reference,
	})
	s.publish(ctx, events.OrderFailed, failed)

	return &PaymentResult{
		Success: false,
		Message: reason,
		Order:   failed,
	}, nil
}

// CancelOrder cancels a pending order owned by userID
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	order, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.orders.Cancel(ctx, order.ID, s.now())
	if errors.Is(err, repository.ErrConflict) {
		return nil, Conflict("order %s is %s and cannot be cancelled", cancelled.OrderNo, cancelled.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}

	log.Printf("[OrderService] Order %s cancelled by user %s", cancelled.OrderNo, userID)
	metrics.RecordOrder(models.OrderStatusCancelled, cancelled.PackageID)
	s.appendLog(ctx, cancelled, repository.OrderActionCancelled, "cancelled by user", nil)
	s.publish(ctx, events.OrderCancelled, cancelled)
	return cancelled, nil
}

// RefundOrder refunds a paid order and cancels the subscription it granted.
// Internal admin only, so there is no ownership check.
func (s *OrderService) RefundOrder(ctx context.Context, orderID, reason string) (*models.Order, error) {
	if !isOrderID(orderID) {
		return nil, NotFound("order %s not found", orderID)
	}
	refunded, err := s.orders.Refund(ctx, orderID, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFound("order %s not found", orderID)
	}
	if errors.Is(err, repository.ErrConflict) {
		return nil, Conflict("order %s is %s, only paid orders can be refunded", refunded.OrderNo, refunded.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("refund order: %w", err)
	}

	log.Printf("[OrderService] Order %s refunded: %s", refunded.OrderNo, reason)
	metrics.RecordOrder(models.OrderStatusRefunded, refunded.PackageID)
	s.appendLog(ctx, refunded, repository.OrderActionRefunded, reason, nil)
	s.publish(ctx, events.OrderRefunded, refunded)
	return refunded, nil
}

// OrderLogs returns the audit trail of an order (internal admin only)
func (s *OrderService) OrderLogs(ctx context.Context, orderID string, limit int) ([]*models.OrderLog, error) {
	if !isOrderID(orderID) {
		return nil, NotFound("order %s not found", orderID)
	}
	if _, err := s.orders.GetByID(ctx, orderID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFound("order %s not found", orderID)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	entries, err := s.logs.GetByOrderID(ctx, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("get order logs: %w", err)
	}
	return entries, nil
}

// CancelStalePendingOrders cancels orders left pending longer than olderThan
func (s *OrderService) CancelStalePendingOrders(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	cancelled, err := s.orders.CancelStalePending(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("cancel stale orders: %w", err)
	}

	for _, order := range cancelled {
		metrics.RecordOrder(models.OrderStatusCancelled, order.PackageID)
		s.appendLog(ctx, order, repository.OrderActionExpired, "pending order expired", map[string]interface{}{
			"pending_ttl": olderThan.String(),
		})
		s.publish(ctx, events.OrderCancelled, order)
	}
	if len(cancelled) > 0 {
		log.Printf("[OrderService] Cancelled %d stale pending orders", len(cancelled))
	}
	return len(cancelled), nil
}

func (s *OrderService) ownedOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	if !isOrderID(orderID) {
		return nil, NotFound("order %s not found", orderID)
	}
	order, err := s.orders.GetByID(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFound("order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order.UserID != userID {
		return nil, Forbidden("order %s belongs to another user", orderID)
	}
	return order, nil
}

func (s *OrderService) appendLog(ctx context.Context, order *models.Order, action, message string, metadata map[string]interface{}) {
	entry := &models.OrderLog{
		OrderID:  order.ID,
		Action:   action,
		Status:   order.Status,
		Message:  message,
		Metadata: metadata,
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		log.Printf("[OrderService] Failed to write order log for %s: %v", order.OrderNo, err)
	}
}

func (s *OrderService) publish(ctx context.Context, routingKey string, order *models.Order) {
	event := events.NewEvent(routingKey, order.UserID, models.NewOrderResponse(order))
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("[OrderService] Failed to publish %s for %s: %v", routingKey, order.OrderNo, err)
	}
}

// isOrderID reports whether id can name an order at all. Order ids are
// UUIDs; anything else is an unknown order, not a storage error.
func isOrderID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func paidResult(order *models.Order) *PaymentResult {
	return &PaymentResult{
		Success:        true,
		Message:        "payment successful",
		Order:          order,
		SubscriptionID: order.SubscriptionID,
	}
}

// passOrWrap keeps domain errors intact and wraps everything else
func passOrWrap(err error, op string) error {
	if KindOf(err) != "" {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
