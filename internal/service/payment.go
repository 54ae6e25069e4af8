package service

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
)

// Payment method names accepted on the wire
const (
	PaymentMethodMock   = "mock"
	PaymentMethodWechat = "wechat"
	PaymentMethodAlipay = "alipay"
)

// PaymentIntent is what a provider hands back when a charge starts
type PaymentIntent struct {
	Method    string
	Reference string
}

// PaymentOutcome is the provider's verdict on an intent
type PaymentOutcome struct {
	Approved bool
	Reason   string
}

// PaymentMethod is the capability every provider implements. A provider that
// cannot take payments yet returns a NotImplemented error from Initiate.
type PaymentMethod interface {
	Name() string
	Initiate(ctx context.Context, order *models.Order) (*PaymentIntent, error)
	Confirm(ctx context.Context, order *models.Order, intent *PaymentIntent) (*PaymentOutcome, error)
	Fail(ctx context.Context, order *models.Order, intent *PaymentIntent, reason string) error
}

// PaymentRegistry resolves a method name to its provider
type PaymentRegistry struct {
	methods map[string]PaymentMethod
}

func NewPaymentRegistry(methods ...PaymentMethod) *PaymentRegistry {
	r := &PaymentRegistry{methods: make(map[string]PaymentMethod, len(methods))}
	for _, m := range methods {
		r.methods[m.Name()] = m
	}
	return r
}

// DefaultPaymentRegistry wires the mock provider and the unimplemented
// wechat/alipay placeholders
func DefaultPaymentRegistry(mockDecline bool) *PaymentRegistry {
	return NewPaymentRegistry(
		NewMockPayment(mockDecline),
		unimplementedPayment{name: PaymentMethodWechat},
		unimplementedPayment{name: PaymentMethodAlipay},
	)
}

// Resolve returns ValidationError for a name no provider answers to
func (r *PaymentRegistry) Resolve(name string) (PaymentMethod, error) {
	m, ok := r.methods[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, Validation("unsupported payment method %q", name)
	}
	return m, nil
}

// MockPayment settles instantly. Decline makes every charge fail, for
// exercising the failure path end to end.
type MockPayment struct {
	Decline bool
}

func NewMockPayment(decline bool) *MockPayment {
	return &MockPayment{Decline: decline}
}

func (m *MockPayment) Name() string { return PaymentMethodMock }

func (m *MockPayment) Initiate(ctx context.Context, order *models.Order) (*PaymentIntent, error) {
	return &PaymentIntent{Method: PaymentMethodMock, Reference: "mock_" + uuid.New().String()}, nil
}

func (m *MockPayment) Confirm(ctx context.Context, order *models.Order, intent *PaymentIntent) (*PaymentOutcome, error) {
	if m.Decline {
		return &PaymentOutcome{Approved: false, Reason: "payment declined by mock provider"}, nil
	}
	return &PaymentOutcome{Approved: true}, nil
}

func (m *MockPayment) Fail(ctx context.Context, order *models.Order, intent *PaymentIntent, reason string) error {
	log.Printf("[MockPayment] Charge %s for order %s failed: %s", intent.Reference, order.OrderNo, reason)
	return nil
}

type unimplementedPayment struct {
	name string
}

func (u unimplementedPayment) Name() string { return u.name }

func (u unimplementedPayment) Initiate(ctx context.Context, order *models.Order) (*PaymentIntent, error) {
	return nil, NotImplemented("payment method %s is not available yet", u.name)
}

func (u unimplementedPayment) Confirm(ctx context.Context, order *models.Order, intent *PaymentIntent) (*PaymentOutcome, error) {
	return nil, NotImplemented("payment method %s is not available yet", u.name)
}

func (u unimplementedPayment) Fail(ctx context.Context, order *models.Order, intent *PaymentIntent, reason string) error {
	return NotImplemented("payment method %s is not available yet", u.name)
}
