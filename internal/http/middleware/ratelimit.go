package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"payments_service/internal/apperror"
	"payments_service/internal/config"
)

// NewLimiterStore keeps counters in redis when an address is configured so
// that every replica shares the same budget, and in memory otherwise.
func NewLimiterStore(cfg config.RateLimitConfig) (limiter.Store, error) {
	if cfg.RedisAddr == "" {
		return memory.NewStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: "payments_rate_limit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
	}
	return store, nil
}

// RateLimit limits requests per authenticated user, falling back to the
// client IP.
func RateLimit(store limiter.Store, limit int64, period time.Duration) gin.HandlerFunc {
	if limit <= 0 {
		limit = 60
	}
	if period <= 0 {
		period = time.Minute
	}
	instance := limiter.New(store, limiter.Rate{Period: period, Limit: limit})

	return func(c *gin.Context) {
		key := UserID(c)
		if key == "" {
			key = c.ClientIP()
		}
		lctx, err := instance.Get(c, key)
		if err != nil {
			Abort(c, apperror.Wrap(err, apperror.ErrCodeInternal, "rate limiter unavailable"))
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", lctx.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", lctx.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", lctx.Reset))

		if lctx.Reached {
			Abort(c, apperror.New(apperror.ErrCodeBadRequest, "too many requests, try again later").WithStatus(http.StatusTooManyRequests))
			return
		}
		c.Next()
	}
}
