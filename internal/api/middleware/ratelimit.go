package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/imagetagger/internal/api/response"
	"github.com/kiranshivaraju/imagetagger/internal/cache"
)

const (
	defaultRequestsPerMinute = 2
	rateLimitWindow          = time.Minute
)

// RateLimit provides fixed-window rate limiting via Redis, counted per
// route scope and client IP.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin}
}

// Limit returns middleware enforcing the quota for one route scope. Each
// scope has its own counter, so traffic on one endpoint does not consume
// another's quota.
func (rl *RateLimit) Limit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, ok := GetClientIP(r)
			if !ok {
				client = remoteHost(r.RemoteAddr)
			}

			key := cache.RateLimitKey(scope, client)
			count, ttl, err := rl.cache.IncrWithExpiry(r.Context(), key, rateLimitWindow)
			if err != nil {
				slog.Warn("rate limiter unavailable, allowing request",
					"scope", scope,
					"client", client,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			remaining := rl.requestsPerMin - int(count)
			if remaining < 0 {
				remaining = 0
			}
			if ttl <= 0 || ttl > rateLimitWindow {
				ttl = rateLimitWindow
			}
			resetTime := time.Now().Add(ttl).Unix()

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime))

			if count > int64(rl.requestsPerMin) {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ttl.Seconds()))))
				response.Error(w, http.StatusTooManyRequests,
					fmt.Sprintf("Rate limit exceeded: %d per 1 minute", rl.requestsPerMin))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
