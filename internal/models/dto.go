package models

import "time"

// ==================== Package DTOs ====================

// PackageResponse is returned by GET /packages and GET /packages/:id
type PackageResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Price          int64  `json:"price"` // minor currency units
	Currency       string `json:"currency"`
	BasicMinutes   int    `json:"basic_minutes"`
	PremiumMinutes int    `json:"premium_minutes"`
	ValidityDays   int    `json:"validity_days"`
	SortOrder      int    `json:"sort_order"`
	IsTrial        bool   `json:"is_trial"`
}

// PackageListResponse wraps the catalog listing
type PackageListResponse struct {
	Packages []PackageResponse `json:"packages"`
}

// UpsertPackageRequest is the internal admin payload for catalog maintenance
type UpsertPackageRequest struct {
	ID             string `json:"id" binding:"required,max=64"`
	Name           string `json:"name" binding:"required,max=128"`
	Description    string `json:"description"`
	Price          int64  `json:"price" binding:"gte=0"`
	Currency       string `json:"currency" binding:"omitempty,len=3"`
	BasicMinutes   int    `json:"basic_minutes" binding:"gte=0"`
	PremiumMinutes int    `json:"premium_minutes" binding:"gte=0"`
	ValidityDays   int    `json:"validity_days" binding:"gte=0"`
	SortOrder      int    `json:"sort_order"`
	IsActive       bool   `json:"is_active"`
	IsTrial        bool   `json:"is_trial"`
}

// ==================== Order DTOs ====================

// CreateOrderRequest is the body of POST /orders
type CreateOrderRequest struct {
	PackageID string `json:"package_id" binding:"required"`
}

// PayOrderRequest is the body of POST /orders/:id/pay
type PayOrderRequest struct {
	PaymentMethod string `json:"payment_method" binding:"required"`
}

// RefundOrderRequest is the internal admin refund payload
type RefundOrderRequest struct {
	Reason string `json:"reason" binding:"max=512"`
}

// OrderResponse mirrors what the orders and checkout pages render
type OrderResponse struct {
	ID             string  `json:"id"`
	OrderNo        string  `json:"order_no"`
	UserID         string  `json:"user_id"`
	PackageID      string  `json:"package_id"`
	PackageName    string  `json:"package_name"`
	AmountCents    int64   `json:"amount_cents"`
	Currency       string  `json:"currency"`
	Status         string  `json:"status"`
	PaymentMethod  *string `json:"payment_method"`
	FailureReason  *string `json:"failure_reason,omitempty"`
	SubscriptionID *string `json:"subscription_id"`
	CreatedAt      string  `json:"created_at"`
	PaidAt         *string `json:"paid_at"`
	CancelledAt    *string `json:"cancelled_at"`
	RefundedAt     *string `json:"refunded_at,omitempty"`
}

// OrderListResponse is returned by GET /orders
type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
}

// PaymentResultResponse is returned by POST /orders/:id/pay
type PaymentResultResponse struct {
	Success        bool    `json:"success"`
	Message        string  `json:"message"`
	OrderID        string  `json:"order_id"`
	OrderNo        string  `json:"order_no"`
	Status         string  `json:"status"`
	SubscriptionID *string `json:"subscription_id"`
}

// ==================== Subscription / Quota DTOs ====================

// QuotaResponse is returned by GET /subscription/quota
type QuotaResponse struct {
	HasActiveSubscription      bool     `json:"has_active_subscription"`
	ActiveSubscriptionCount    int      `json:"active_subscription_count"`
	BasicMinutesTotal          int      `json:"basic_minutes_total"`
	BasicMinutesUsed           int      `json:"basic_minutes_used"`
	BasicMinutesRemaining      int      `json:"basic_minutes_remaining"`
	PremiumMinutesTotal        int      `json:"premium_minutes_total"`
	PremiumMinutesUsed         int      `json:"premium_minutes_used"`
	PremiumMinutesRemaining    int      `json:"premium_minutes_remaining"`
	EarliestExpiresAt          *string  `json:"earliest_expires_at"`
	HasNonExpiringSubscription bool     `json:"has_non_expiring_subscription"`
	AvailableModels            []string `json:"available_models"`
}

// SubscriptionResponse describes one granted subscription
type SubscriptionResponse struct {
	ID                  string  `json:"id"`
	PackageID           string  `json:"package_id"`
	PackageName         string  `json:"package_name"`
	OrderID             *string `json:"order_id"`
	IsTrial             bool    `json:"is_trial"`
	BasicMinutesTotal   int     `json:"basic_minutes_total"`
	BasicMinutesUsed    int     `json:"basic_minutes_used"`
	PremiumMinutesTotal int     `json:"premium_minutes_total"`
	PremiumMinutesUsed  int     `json:"premium_minutes_used"`
	StartedAt           string  `json:"started_at"`
	ExpiresAt           *string `json:"expires_at"`
	Status              string  `json:"status"`
}

// SubscriptionListResponse is returned by GET /subscription/list
type SubscriptionListResponse struct {
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

// ConsumeRequest is the body of POST /subscription/consume
type ConsumeRequest struct {
	Tier    string `json:"tier" binding:"required,oneof=basic premium"`
	Minutes int    `json:"minutes" binding:"required,gt=0"`
}

// ==================== Device Pairing DTOs ====================

// DeviceClaimCodeResponse is returned by POST /auth/device/code
type DeviceClaimCodeResponse struct {
	ClaimCode string `json:"claim_code"`
	ExpiresAt string `json:"expires_at"`
	ExpiresIn int    `json:"expires_in"`
}

// ClaimDeviceRequest is the body of POST /auth/device/claim
type ClaimDeviceRequest struct {
	ClaimCode  string  `json:"claim_code" binding:"required,max=32"`
	DeviceID   string  `json:"device_id" binding:"required,max=128"`
	DeviceName *string `json:"device_name" binding:"omitempty,max=128"`
	Platform   *string `json:"platform" binding:"omitempty,max=32"`
}

// RefreshTokenRequest is the body of POST /auth/token/refresh
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// TokenResponse carries an access/refresh token pair
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// ==================== Converters ====================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func NewPackageResponse(p *Package) PackageResponse {
	return PackageResponse{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		Price:          p.PriceCents,
		Currency:       p.Currency,
		BasicMinutes:   p.BasicMinutes,
		PremiumMinutes: p.PremiumMinutes,
		ValidityDays:   p.ValidityDays,
		SortOrder:      p.SortOrder,
		IsTrial:        p.IsTrial,
	}
}

func (r *UpsertPackageRequest) ToPackage(defaultCurrency string) *Package {
	currency := r.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	return &Package{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		PriceCents:     r.Price,
		Currency:       currency,
		BasicMinutes:   r.BasicMinutes,
		PremiumMinutes: r.PremiumMinutes,
		ValidityDays:   r.ValidityDays,
		SortOrder:      r.SortOrder,
		IsActive:       r.IsActive,
		IsTrial:        r.IsTrial,
	}
}

func NewOrderResponse(o *Order) OrderResponse {
	return OrderResponse{
		ID:             o.ID,
		OrderNo:        o.OrderNo,
		UserID:         o.UserID,
		PackageID:      o.PackageID,
		PackageName:    o.PackageName,
		AmountCents:    o.AmountCents,
		Currency:       o.Currency,
		Status:         o.Status,
		PaymentMethod:  o.PaymentMethod,
		FailureReason:  o.FailureReason,
		SubscriptionID: o.SubscriptionID,
		CreatedAt:      formatTime(o.CreatedAt),
		PaidAt:         formatTimePtr(o.PaidAt),
		CancelledAt:    formatTimePtr(o.CancelledAt),
		RefundedAt:     formatTimePtr(o.RefundedAt),
	}
}

func NewQuotaResponse(q *QuotaSnapshot) QuotaResponse {
	available := q.AvailableModels
	if available == nil {
		available = []string{}
	}
	return QuotaResponse{
		HasActiveSubscription:      q.HasActiveSubscription,
		ActiveSubscriptionCount:    q.ActiveSubscriptionCount,
		BasicMinutesTotal:          q.BasicMinutesTotal,
		BasicMinutesUsed:           q.BasicMinutesUsed,
		BasicMinutesRemaining:      q.BasicMinutesRemaining(),
		PremiumMinutesTotal:        q.PremiumMinutesTotal,
		PremiumMinutesUsed:         q.PremiumMinutesUsed,
		PremiumMinutesRemaining:    q.PremiumMinutesRemaining(),
		EarliestExpiresAt:          formatTimePtr(q.EarliestExpiresAt),
		HasNonExpiringSubscription: q.HasNonExpiringSubscription,
		AvailableModels:            available,
	}
}

func NewSubscriptionResponse(s *Subscription, now time.Time) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                  s.ID,
		PackageID:           s.PackageID,
		PackageName:         s.PackageName,
		OrderID:             s.OrderID,
		IsTrial:             s.IsTrial,
		BasicMinutesTotal:   s.BasicMinutesTotal,
		BasicMinutesUsed:    s.BasicMinutesUsed,
		PremiumMinutesTotal: s.PremiumMinutesTotal,
		PremiumMinutesUsed:  s.PremiumMinutesUsed,
		StartedAt:           formatTime(s.StartedAt),
		ExpiresAt:           formatTimePtr(s.ExpiresAt),
		Status:              s.EffectiveStatus(now),
	}
}

// OrderLogResponse is one entry of the internal order audit trail
type OrderLogResponse struct {
	ID        string                 `json:"id"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt string                 `json:"created_at"`
}

// OrderLogListResponse is returned by GET /api/internal/orders/:id/logs
type OrderLogListResponse struct {
	Logs []OrderLogResponse `json:"logs"`
}

func NewOrderLogResponse(l *OrderLog) OrderLogResponse {
	return OrderLogResponse{
		ID:        l.ID,
		Action:    l.Action,
		Status:    l.Status,
		Message:   l.Message,
		Metadata:  l.Metadata,
		CreatedAt: formatTime(l.CreatedAt),
	}
}
