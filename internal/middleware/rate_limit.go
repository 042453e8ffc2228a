package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRequestLimit  = 600
	defaultWindowSeconds = 60
)

// RateLimiter counts requests per client in fixed redis windows
type RateLimiter struct {
	rdb         *redis.Client
	prefix      string
	limit       int
	windowInSec int
	logger      *zap.Logger
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(rdb *redis.Client, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		rdb:         rdb,
		limit:       defaultRequestLimit,
		windowInSec: defaultWindowSeconds,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(rl)
	}

	return rl
}

// RateLimiterOption defines a function to configure RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithLimit sets the number of requests allowed per window
func WithLimit(limit int) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.limit = limit
	}
}

// WithWindow sets the time window in seconds
func WithWindow(seconds int) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.windowInSec = seconds
	}
}

// WithPrefix namespaces the redis keys
func WithPrefix(prefix string) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.logger = logger
	}
}

// RateLimit returns a middleware keyed on the requester system, falling back
// to the client IP. A limit of zero or less disables it.
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit <= 0 || rl.rdb == nil {
			c.Next()
			return
		}

		clientID := c.ClientIP()
		if requester := Requester(c); requester != "" {
			clientID = requester
		}

		now := time.Now().Unix()
		windowStart := now - now%int64(rl.windowInSec)
		reset := windowStart + int64(rl.windowInSec)
		key := fmt.Sprintf("%srate_limit:%s:%d", rl.prefix, clientID, windowStart)

		count, err := rl.rdb.Incr(c, key).Result()
		if err != nil {
			LoggerFrom(c, rl.logger).Error("Rate limit check failed", zap.Error(err))
			c.AbortWithStatusJSON(500, gin.H{"error": "Rate limit check failed"})
			return
		}
		if count == 1 {
			if err := rl.rdb.Expire(c, key, time.Duration(rl.windowInSec)*time.Second).Err(); err != nil {
				LoggerFrom(c, rl.logger).Warn("Failed to set rate limit expiry", zap.Error(err))
			}
		}

		remaining := rl.limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if int(count) > rl.limit {
			c.Header("Retry-After", strconv.FormatInt(reset-now, 10))
			c.AbortWithStatusJSON(429, gin.H{"error": "Rate limit exceeded"})
			return
		}

		c.Next()
	}
}
