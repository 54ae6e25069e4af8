package http

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/entitlement-service/internal/models"
	"github.com/wenwu/saas-platform/entitlement-service/internal/service"
)

type Handler struct {
	catalogService *service.CatalogService
	orderService   *service.OrderService
	quotaService   *service.QuotaService
	deviceService  *service.DeviceService
	currency       string
}

func NewHandler(
	catalogService *service.CatalogService,
	orderService *service.OrderService,
	quotaService *service.QuotaService,
	deviceService *service.DeviceService,
	currency string,
) *Handler {
	return &Handler{
		catalogService: catalogService,
		orderService:   orderService,
		quotaService:   quotaService,
		deviceService:  deviceService,
		currency:       currency,
	}
}

// ==================== Error mapping ====================

var errorStatus = map[service.Kind]int{
	service.KindNotFound:       http.StatusNotFound,
	service.KindConflict:       http.StatusConflict,
	service.KindForbidden:      http.StatusForbidden,
	service.KindQuotaExceeded:  http.StatusPaymentRequired,
	service.KindExpired:        http.StatusGone,
	service.KindValidation:     http.StatusBadRequest,
	service.KindNotImplemented: http.StatusNotImplemented,
}

func respondError(c *gin.Context, err error) {
	var serr *service.Error
	if errors.As(err, &serr) {
		status, ok := errorStatus[serr.Kind]
		if ok {
			c.JSON(status, gin.H{"error": string(serr.Kind), "detail": serr.Message})
			return
		}
	}

	// 内部错误不向客户端暴露细节
	log.Printf("[HTTP] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "detail": "internal server error"})
}

// bindJSON binds the body and writes a 400 on failure
func bindJSON(c *gin.Context, obj interface{}) bool {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return true
	}
	writeBindError(c, err)
	return false
}

func writeBindError(c *gin.Context, err error) {
	if fields := bindingErrors(err); fields != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  string(service.KindValidation),
			"detail": fields[0].Message,
			"fields": fields,
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": string(service.KindValidation), "detail": "invalid request body"})
}

func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString(ctxUserID)
	if userID == "" {
		abortUnauthorized(c, "user not authenticated")
		return "", false
	}
	return userID, true
}

// ==================== Catalog ====================

// ListPackages returns the active catalog
func (h *Handler) ListPackages(c *gin.Context) {
	packages, err := h.catalogService.ListPackages(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.PackageListResponse{Packages: make([]models.PackageResponse, 0, len(packages))}
	for _, p := range packages {
		resp.Packages = append(resp.Packages, models.NewPackageResponse(p))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetPackage(c *gin.Context) {
	pkg, err := h.catalogService.GetPackage(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewPackageResponse(pkg))
}

// ==================== Orders ====================

func (h *Handler) CreateOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), userID, req.PackageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.NewOrderResponse(order))
}

func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	orders, err := h.orderService.ListOrders(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.OrderListResponse{Orders: make([]models.OrderResponse, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, models.NewOrderResponse(o))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewOrderResponse(order))
}

// PayOrder 支付订单；支付被拒绝时返回 200 + success=false
func (h *Handler) PayOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.PayOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.orderService.PayOrder(c.Request.Context(), userID, c.Param("id"), req.PaymentMethod)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.PaymentResultResponse{
		Success:        result.Success,
		Message:        result.Message,
		OrderID:        result.Order.ID,
		OrderNo:        result.Order.OrderNo,
		Status:         result.Order.Status,
		SubscriptionID: result.SubscriptionID,
	})
}

func (h *Handler) CancelOrder(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	order, err := h.orderService.CancelOrder(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewOrderResponse(order))
}

// ==================== Subscription / Quota ====================

func (h *Handler) GetQuota(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	h.writeQuota(c, userID)
}

func (h *Handler) writeQuota(c *gin.Context, userID string) {
	quota, err := h.quotaService.GetQuota(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewQuotaResponse(quota))
}

func (h *Handler) ListSubscriptions(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	subs, err := h.quotaService.ListSubscriptions(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	now := time.Now()
	resp := models.SubscriptionListResponse{Subscriptions: make([]models.SubscriptionResponse, 0, len(subs))}
	for _, s := range subs {
		resp.Subscriptions = append(resp.Subscriptions, models.NewSubscriptionResponse(s, now))
	}
	c.JSON(http.StatusOK, resp)
}

// CreateTrialSubscription 激活试用，每个用户只能激活一次
func (h *Handler) CreateTrialSubscription(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	sub, err := h.quotaService.CreateTrialSubscription(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.NewSubscriptionResponse(sub, time.Now()))
}

func (h *Handler) Consume(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	h.consume(c, userID)
}

func (h *Handler) consume(c *gin.Context, userID string) {
	var req models.ConsumeRequest
	if !bindJSON(c, &req) {
		return
	}

	quota, err := h.quotaService.Consume(c.Request.Context(), userID, req.Tier, req.Minutes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewQuotaResponse(quota))
}

// ==================== Device pairing ====================

func (h *Handler) CreateClaimCode(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	code, err := h.deviceService.CreateClaimCode(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	expiresIn := int(time.Until(code.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	c.JSON(http.StatusOK, models.DeviceClaimCodeResponse{
		ClaimCode: code.ClaimCode,
		ExpiresAt: code.ExpiresAt.UTC().Format(time.RFC3339),
		ExpiresIn: expiresIn,
	})
}

// ClaimDevice 桌面客户端用认领码换取 token（无需登录）
func (h *Handler) ClaimDevice(c *gin.Context) {
	var req models.ClaimDeviceRequest
	if !bindJSON(c, &req) {
		return
	}

	pair, err := h.deviceService.ClaimDevice(c.Request.Context(), service.ClaimDeviceInput{
		ClaimCode:  req.ClaimCode,
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		Platform:   req.Platform,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(pair))
}

func (h *Handler) RefreshToken(c *gin.Context) {
	var req models.RefreshTokenRequest
	if !bindJSON(c, &req) {
		return
	}

	pair, err := h.deviceService.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(pair))
}

// Logout revokes the calling device's session, or every session of the
// user when the token carries no device
func (h *Handler) Logout(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	revoked, err := h.deviceService.Logout(c.Request.Context(), userID, c.GetString(ctxDeviceID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "revoked_sessions": revoked})
}

func tokenResponse(p *service.TokenPair) models.TokenResponse {
	return models.TokenResponse{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		ExpiresIn:    p.ExpiresIn,
	}
}

// ==================== Internal API Handlers ====================

// UpsertPackage creates or edits a catalog entry (admin)
func (h *Handler) UpsertPackage(c *gin.Context) {
	var req models.UpsertPackageRequest
	if !bindJSON(c, &req) {
		return
	}

	pkg, err := h.catalogService.UpsertPackage(c.Request.Context(), req.ToPackage(h.currency))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewPackageResponse(pkg))
}

func (h *Handler) RefundOrder(c *gin.Context) {
	var req models.RefundOrderRequest
	// body is optional
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBindError(c, err)
		return
	}

	order, err := h.orderService.RefundOrder(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewOrderResponse(order))
}

func (h *Handler) GetOrderLogs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": string(service.KindValidation), "detail": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	logs, err := h.orderService.OrderLogs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.OrderLogListResponse{Logs: make([]models.OrderLogResponse, 0, len(logs))}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, models.NewOrderLogResponse(l))
	}
	c.JSON(http.StatusOK, resp)
}

// GetUserQuota is the quota lookup used by the LLM gateway
func (h *Handler) GetUserQuota(c *gin.Context) {
	h.writeQuota(c, c.Param("user_id"))
}

func (h *Handler) ConsumeForUser(c *gin.Context) {
	h.consume(c, c.Param("user_id"))
}
