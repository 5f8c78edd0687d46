package api

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"audioscribe/internal/apperr"
)

// WindowCounter is the fixed-window counter the rate limiter needs;
// *redis.Client satisfies it.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

type RateLimiterConfig struct {
	Counter   WindowCounter
	Limit     int
	Window    time.Duration
	KeyPrefix string
	Extractor func(c *gin.Context) string
}

// NewRateLimiter limits requests per client in a fixed window. Counter
// failures let the request through.
func NewRateLimiter(cfg RateLimiterConfig) gin.HandlerFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "audioscribe:rl:"
	}
	if cfg.Extractor == nil {
		cfg.Extractor = clientKey
	}

	return func(c *gin.Context) {
		if cfg.Counter == nil || cfg.Limit <= 0 {
			c.Next()
			return
		}
		key := cfg.KeyPrefix + cfg.Extractor(c)
		ctx := c.Request.Context()

		count, err := cfg.Counter.IncrWindow(ctx, key, cfg.Window)
		if err != nil {
			log.Printf("[ratelimit] counter error, allowing request: %v", err)
			c.Next()
			return
		}

		remaining := cfg.Limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if int(count) > cfg.Limit {
			reset := cfg.Window
			if ttl, err := cfg.Counter.TTL(ctx, key); err == nil && ttl > 0 {
				reset = ttl
			}
			secs := retryAfterSeconds(reset)
			c.Header("X-RateLimit-Reset", secs)
			c.Header("Retry-After", secs)
			abortError(c, apperr.New(apperr.CodeRateLimit, "rate limit exceeded, retry in %ss", secs))
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return c.Request.RemoteAddr
}
