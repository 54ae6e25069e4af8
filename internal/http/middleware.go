package http

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/entitlement-service/internal/metrics"
	"github.com/wenwu/saas-platform/entitlement-service/internal/service"
)

// gin context keys set by JWTAuthMiddleware
const (
	ctxUserID   = "userID"
	ctxDeviceID = "deviceID"
)

// JWTAuthMiddleware resolves the principal from the bearer token once per
// request. Refresh tokens are opaque and never accepted here.
func JWTAuthMiddleware(tokens *service.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader || tokenString == "" {
			abortUnauthorized(c, "invalid authorization format")
			return
		}

		claims, err := tokens.ParseAccessToken(tokenString)
		if err != nil {
			abortUnauthorized(c, "invalid token")
			return
		}

		c.Set(ctxUserID, claims.Principal())
		if claims.DeviceID != "" {
			c.Set(ctxDeviceID, claims.DeviceID)
		}

		c.Next()
	}
}

// InternalAuthMiddleware validates internal service calls
// 使用常量时间比较防止时序攻击
func InternalAuthMiddleware(internalSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader("X-Internal-Secret")
		if internalSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(internalSecret)) != 1 {
			abortUnauthorized(c, "unauthorized internal access")
			return
		}
		c.Next()
	}
}

// MetricsMiddleware records request count and latency per route template
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}

func abortUnauthorized(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":  "unauthorized",
		"detail": detail,
	})
}
