package http

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateRule is a fixed budget of requests per window for one scope
type RateRule struct {
	Scope  string
	Limit  int
	Window time.Duration
}

var (
	// 用户 API: 每用户每分钟最多 60 次请求
	userRateRule = RateRule{Scope: "user", Limit: 60, Window: time.Minute}
	// 试用激活: 每 IP 每小时最多 10 次（防止滥用）
	trialRateRule = RateRule{Scope: "trial", Limit: 10, Window: time.Hour}
	// 设备认领: 每 IP 每分钟最多 20 次，防止暴力猜码
	claimRateRule = RateRule{Scope: "claim", Limit: 20, Window: time.Minute}
	// 生成认领码: 每用户每分钟最多 10 次
	claimCodeRateRule = RateRule{Scope: "claim_code", Limit: 10, Window: time.Minute}
)

// Limiter decides whether one more request for key fits the budget
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter is a fixed-window limiter shared by every replica
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	rule   RateRule
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, rule RateRule) *RedisLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "entitlement:rate_limit"
	}
	return &RedisLimiter{client: client, prefix: prefix, rule: rule}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	windowMs := r.rule.Window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	redisKey := fmt.Sprintf("%s:%s:%s", r.prefix, r.rule.Scope, key)
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{redisKey}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	if count > int64(r.rule.Limit) {
		return false, time.Duration(ttlMs) * time.Millisecond, nil
	}
	return true, 0, nil
}

// LocalLimiter is the in-process token bucket used when Redis is not configured
type LocalLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalLimiter(rule RateRule) *LocalLimiter {
	return &LocalLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(float64(rule.Limit) / rule.Window.Seconds()),
		burst:     rule.Limit,
		ttl:       2 * rule.Window,
		lastSweep: time.Now(),
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	// 清理长时间未出现的 key
	if now.Sub(l.lastSweep) > l.ttl {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now

	r := v.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// NewLimiter picks the Redis limiter when a client is available
func NewLimiter(client redis.UniversalClient, prefix string, rule RateRule) Limiter {
	if client == nil {
		return NewLocalLimiter(rule)
	}
	return NewRedisLimiter(client, prefix, rule)
}

// RateLimitMiddleware 速率限制中间件
func RateLimitMiddleware(l Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 使用用户 ID 或 IP 作为限制 key
		key := c.GetString(ctxUserID)
		if key == "" {
			key = c.ClientIP()
		}

		allowed, retryAfter, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			// 限流存储不可用时放行，不影响主流程
			log.Printf("[RateLimit] limiter error for %s: %v", key, err)
			c.Next()
			return
		}

		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":  "rate_limited",
				"detail": "rate limit exceeded, please try again later",
			})
			return
		}

		c.Next()
	}
}
