package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/redis/go-redis/v9"
	"github.com/shelfscan/api/pkg/response"
	"go.uber.org/zap"
)

const redisLimitTimeout = 500 * time.Millisecond

// RateLimiter counts requests per user in fixed windows. With a Redis client
// the counters are shared across API instances; without one each process
// keeps its own.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewRateLimiter(redisClient *redis.Client, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{redis: redisClient, logger: logger}
}

// Limit creates a rate limiting middleware. A non-positive maxRequests
// disables it.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	if maxRequests <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	if rl.redis == nil {
		return rl.memoryLimit(keyPrefix, maxRequests, window)
	}

	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" {
			return c.Next() // auth middleware rejects anonymous callers
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx, cancel := context.WithTimeout(c.UserContext(), redisLimitTimeout)
		defer cancel()

		var incr *redis.IntCmd
		_, err := rl.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.ExpireNX(ctx, key, window)
			return nil
		})
		if err != nil {
			// fail open
			rl.logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
			return c.Next()
		}

		count := incr.Val()
		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			return response.RateLimited(c, int(ttl.Seconds()))
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))

		return c.Next()
	}
}

func (rl *RateLimiter) memoryLimit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        maxRequests,
		Expiration: window,
		Next: func(c *fiber.Ctx) bool {
			return GetUserID(c) == ""
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return keyPrefix + ":" + GetUserID(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return response.RateLimited(c, int(window.Seconds()))
		},
	})
}

// SubmitLimit limits job submissions per minute
func (rl *RateLimiter) SubmitLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("submit", maxPerMin, time.Minute)
}

// IdentifyLimit limits synchronous identifications per minute
func (rl *RateLimiter) IdentifyLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("identify", maxPerMin, time.Minute)
}
