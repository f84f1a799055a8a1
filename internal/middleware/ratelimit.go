package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"turbomail/backend/internal/monitoring"
)

// ipLimiter 是单个来源 IP 的限流器及其最后活跃时间。
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按来源 IP 的令牌桶限流中间件。
// 限流器驻留内存，长时间不活跃的 IP 会被周期清理。
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewRateLimiter 创建限流中间件。
// rps 是每秒允许的请求数，burst 是突发容量。
func NewRateLimiter(rps float64, burst int, metrics *monitoring.Metrics, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	rl := &RateLimiter{
		limiters: make(map[string]*ipLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		metrics:  metrics,
		log:      log,
	}
	go rl.cleanupLoop()
	return rl
}

// Limit 返回 gin 中间件，超过配额时返回 429。
func (rl *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		if rl.metrics != nil {
			rl.metrics.RecordRateLimitHit("ip", ip)
		}

		if !rl.limiterFor(ip).Allow() {
			rl.log.Warn("rate limit exceeded", zap.String("ip", ip))
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitBlock("ip", ip)
			}
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "请求过于频繁，请稍后重试",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	return l.limiter
}

// cleanupLoop 周期回收不活跃的限流器，防止映射无限增长。
func (rl *RateLimiter) cleanupLoop() {
	const idleTTL = 10 * time.Minute

	for range time.Tick(time.Minute) {
		rl.mu.Lock()
		for ip, l := range rl.limiters {
			if time.Since(l.lastSeen) > idleTTL {
				delete(rl.limiters, ip)
			}
		}
		rl.mu.Unlock()
	}
}
