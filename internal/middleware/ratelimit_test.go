package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/signalix/stepup/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) (*cache.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedis(client), mr
}

func TestRateLimiter_Allow(t *testing.T) {
	c, _ := newTestCache(t)
	rl := NewRateLimiter(c, "auth", time.Minute, 3)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := rl.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, retryAfter, err := rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, retryAfter)

	ok, _, err = rl.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, _, err = rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok, "next window starts fresh")
}

func TestRateLimitMiddleware(t *testing.T) {
	c, mr := newTestCache(t)
	rl := NewRateLimiter(c, "auth", time.Minute, 1)
	handler := RateLimitMiddleware(rl, GetIPKey, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/otp", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, do().Code)
}

// blockingCache never answers a counter update before the context ends
type blockingCache struct {
	cache.Cache
}

func (blockingCache) Incr(ctx context.Context, _ cache.Key, _ time.Duration) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestRateLimitMiddleware_SlowCacheFailsClosed(t *testing.T) {
	rl := NewRateLimiter(blockingCache{}, "auth", time.Minute, 1).WithTimeout(50 * time.Millisecond)
	handler := RateLimitMiddleware(rl, GetIPKey, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	start := time.Now()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/otp", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGetIPKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", GetIPKey(req))
	req.RemoteAddr = "192.0.2.9"
	assert.Equal(t, "192.0.2.9", GetIPKey(req))
}
