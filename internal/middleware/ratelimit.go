package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/signalix/stepup/internal/auth"
	"github.com/signalix/stepup/internal/cache"
	"go.uber.org/zap"
)

// RateLimiter is a fixed-window limiter whose counters live in the cache, so
// every instance behind a load balancer shares them.
type RateLimiter struct {
	cache   cache.Cache
	scope   string
	window  time.Duration
	maxReqs int64
	timeout time.Duration
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing maxReqs per window for each key
// within scope.
func NewRateLimiter(c cache.Cache, scope string, window time.Duration, maxReqs int) *RateLimiter {
	return &RateLimiter{
		cache:   c,
		scope:   scope,
		window:  window,
		maxReqs: int64(maxReqs),
		timeout: auth.DefaultOpTimeout,
		now:     time.Now,
	}
}

// WithTimeout bounds each counter update by d
func (rl *RateLimiter) WithTimeout(d time.Duration) *RateLimiter {
	if d > 0 {
		rl.timeout = d
	}
	return rl
}

// Allow counts a request for key. When the limit is exceeded it reports
// false and how long until the window resets.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := rl.now()
	windowSecs := int64(rl.window / time.Second)
	if windowSecs <= 0 {
		windowSecs = 1
	}
	bucket := now.Unix() / windowSecs

	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()
	n, err := rl.cache.Incr(ctx, cache.RateLimit(rl.scope, key, bucket), rl.window)
	if err != nil {
		return false, 0, err
	}
	if n > rl.maxReqs {
		reset := time.Unix((bucket+1)*windowSecs, 0)
		return false, reset.Sub(now), nil
	}
	return true, 0, nil
}

// RateLimitMiddleware creates a rate limiting middleware
func RateLimitMiddleware(limiter *RateLimiter, keyFunc func(*http.Request) string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := limiter.Allow(r.Context(), keyFunc(r))
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.String("scope", limiter.scope), zap.Error(err))
				respondWithError(w, http.StatusServiceUnavailable, "service unavailable")
				return
			}
			if !allowed {
				secs := max(int(retryAfter.Round(time.Second)/time.Second), 1)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetIPKey extracts the client IP from the request for rate limiting.
// chi's RealIP middleware has already folded proxy headers into RemoteAddr.
func GetIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
