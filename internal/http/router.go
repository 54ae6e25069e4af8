package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/wenwu/saas-platform/entitlement-service/internal/config"
	"github.com/wenwu/saas-platform/entitlement-service/internal/service"
)

// Services groups what the HTTP layer calls into
type Services struct {
	Catalog *service.CatalogService
	Orders  *service.OrderService
	Quota   *service.QuotaService
	Devices *service.DeviceService
	Tokens  *service.TokenIssuer
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
	tokens  *service.TokenIssuer

	userLimiter      Limiter
	trialLimiter     Limiter
	claimLimiter     Limiter
	claimCodeLimiter Limiter
}

// NewServer builds the gin engine. rdb may be nil, in which case rate limits
// are kept per process.
func NewServer(cfg *config.Config, rdb redis.UniversalClient, svc Services) *Server {
	gin.SetMode(cfg.Server.Mode)
	useJSONFieldNames()

	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.Use(MetricsMiddleware())

	s := &Server{
		router:           router,
		handler:          NewHandler(svc.Catalog, svc.Orders, svc.Quota, svc.Devices, cfg.Payment.Currency),
		cfg:              cfg,
		tokens:           svc.Tokens,
		userLimiter:      NewLimiter(rdb, cfg.Redis.Prefix, userRateRule),
		trialLimiter:     NewLimiter(rdb, cfg.Redis.Prefix, trialRateRule),
		claimLimiter:     NewLimiter(rdb, cfg.Redis.Prefix, claimRateRule),
		claimCodeLimiter: NewLimiter(rdb, cfg.Redis.Prefix, claimCodeRateRule),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "entitlement-service",
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 前端使用相对路径，同时挂载在根路径和 /api/v1 下
	s.mountAPI(s.router.Group(""))
	s.mountAPI(s.router.Group("/api/v1"))

	// Internal API - called by admin tooling and the LLM gateway
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/packages", s.handler.UpsertPackage)
		internal.POST("/orders/:id/refund", s.handler.RefundOrder)
		internal.GET("/orders/:id/logs", s.handler.GetOrderLogs)
		internal.GET("/users/:user_id/quota", s.handler.GetUserQuota)
		internal.POST("/users/:user_id/consume", s.handler.ConsumeForUser)
	}
}

func (s *Server) mountAPI(g *gin.RouterGroup) {
	// Public API - no authentication required
	g.GET("/packages", s.handler.ListPackages)
	g.GET("/packages/:id", s.handler.GetPackage)

	// 设备认领与刷新按 IP 限流，防止暴力猜码
	g.POST("/auth/device/claim", RateLimitMiddleware(s.claimLimiter), s.handler.ClaimDevice)
	g.POST("/auth/token/refresh", RateLimitMiddleware(s.claimLimiter), s.handler.RefreshToken)

	// User API - requires JWT authentication
	user := g.Group("")
	user.Use(JWTAuthMiddleware(s.tokens))
	user.Use(RateLimitMiddleware(s.userLimiter)) // 用户 API 速率限制
	{
		user.POST("/orders", s.handler.CreateOrder)
		user.GET("/orders", s.handler.ListOrders)
		user.GET("/orders/:id", s.handler.GetOrder)
		user.POST("/orders/:id/pay", s.handler.PayOrder)
		user.POST("/orders/:id/cancel", s.handler.CancelOrder)

		user.GET("/subscription/quota", s.handler.GetQuota)
		user.GET("/subscription/list", s.handler.ListSubscriptions)
		user.POST("/subscription/trial", RateLimitMiddleware(s.trialLimiter), s.handler.CreateTrialSubscription)
		user.POST("/subscription/consume", s.handler.Consume)

		user.POST("/auth/device/code", RateLimitMiddleware(s.claimCodeLimiter), s.handler.CreateClaimCode)
		user.POST("/auth/logout", s.handler.Logout)
	}
}

// Handler returns the engine wrapped with CORS for the configured origins
func (s *Server) Handler() http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-Secret"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	})(s.router)
}
