// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file adapts the keyed token-bucket limiter in internal/ratelimit to
// Gin. Buckets are keyed per user (X-User-ID) or, for anonymous callers, per
// client IP. Requests marked as idempotent replays skip limiting.
//
// The limiter is process-local; each instance enforces its own budget.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/group-sync/internal/observability"
	"github.com/tbourn/group-sync/internal/ratelimit"
)

// idleBucketTTL is how long an unused bucket is kept.
const idleBucketTTL = 10 * time.Minute

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the user identity set by Identity() and falls back
// to the client IP. Keys are prefixed so the two namespaces never collide.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get(userIDKey); ok {
			if s, ok := v.(string); ok && s != "" {
				return "user:" + s
			}
		}
		return "ip:" + c.ClientIP()
	}
}

// RateLimiter enforces per-key token buckets on HTTP requests.
type RateLimiter struct {
	keyFn   keyFunc
	buckets *ratelimit.Keyed
}

// NewRateLimiter allows rps requests per second per key with the given
// burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	return &RateLimiter{
		keyFn:   keyFn,
		buckets: ratelimit.New(rate.Limit(rps), burst, idleBucketTTL),
	}
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay, which is served without consuming tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the Gin middleware. Denied requests get 429, a
// Retry-After in whole seconds until the bucket refills (omitted when it
// never does), and the standard error envelope with code "rate_limited".
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		ok, wait := rl.buckets.Check(rl.keyFn(c))
		if ok {
			c.Next()
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		observability.HTTPRateLimited.WithLabelValues(path).Inc()
		if wait > 0 {
			c.Header("Retry-After", retryAfter(wait))
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}

// retryAfter rounds d up to whole seconds, at least 1.
func retryAfter(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
