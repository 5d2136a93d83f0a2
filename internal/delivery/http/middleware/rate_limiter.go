package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimiter returns a middleware that enforces per-IP rate limiting
// using a Redis sliding window log algorithm. maxRequests is the maximum
// number of requests allowed per minute per IP. Redis outages fail open.
func RateLimiter(rdb *redis.Client, maxRequests int) gin.HandlerFunc {
	window := time.Minute

	return func(c *gin.Context) {
		ip := c.ClientIP()
		key := fmt.Sprintf("consumer:ratelimit:%s", ip)
		now := time.Now()
		nowUnixNano := float64(now.UnixNano())
		windowStart := float64(now.Add(-window).UnixNano())

		ctx := context.Background()

		pipe := rdb.Pipeline()
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", windowStart))
		countCmd := pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: nowUnixNano, Member: nowUnixNano})
		pipe.Expire(ctx, key, window+time.Second)

		if _, err := pipe.Exec(ctx); err != nil {
			c.Next()
			return
		}

		if countCmd.Val() >= int64(maxRequests) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded, try again later",
			})
			return
		}

		c.Next()
	}
}
