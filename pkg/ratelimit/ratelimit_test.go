package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scoir/anchor/pkg/auth"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (r *fakeClock) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

func (r *fakeClock) Advance(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = r.now.Add(d)
}

func exercise(t *testing.T, l Limiter, clock *fakeClock, key string) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, key)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
		require.Equal(t, int64(2-i), res.Remaining)
	}

	res, err := l.Allow(ctx, key)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 20*time.Second, res.RetryAfter)

	other, err := l.Allow(ctx, key+"-other")
	require.NoError(t, err)
	require.True(t, other.Allowed)

	clock.Advance(20 * time.Second)
	res, err = l.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(0), res.Remaining)

	clock.Advance(time.Minute)
	res, err = l.Allow(ctx, key)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(2), res.Remaining)
}

func TestPolicy(t *testing.T) {
	p := NewPolicy(100, time.Minute)
	require.Equal(t, 600*time.Millisecond, p.EmissionInterval())
	require.Equal(t, 99*600*time.Millisecond, p.BurstAllowance())

	p = NewPolicy(0, 0)
	require.Equal(t, int64(1), p.Limit)
	require.Equal(t, time.Duration(0), p.BurstAllowance())
}

func TestMemoryLimiter(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewMemoryLimiter(NewPolicy(3, time.Minute), 0).WithClock(clock)
	defer l.Close()

	exercise(t, l, clock, "wallet:0xabc")

	t.Run("sweeper drops idle keys", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		l.removeExpired()
		require.Empty(t, l.data)
	})

	t.Run("close twice", func(t *testing.T) {
		l := NewMemoryLimiter(NewPolicy(3, time.Minute), time.Millisecond)
		require.NoError(t, l.Close())
		require.NoError(t, l.Close())
	})
}

func TestRedisLimiter_Close(t *testing.T) {
	t.Run("owned client is closed", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
		l := NewRedisLimiter(client, NewPolicy(3, time.Minute), "anchor:test:")
		require.NoError(t, l.Close())
		require.NoError(t, l.Close())
		require.ErrorIs(t, client.Ping(context.Background()).Err(), redis.ErrClosed)
	})

	t.Run("shared client stays open", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
		defer client.Close()

		l := NewRedisLimiter(client, NewPolicy(3, time.Minute), "anchor:test:").SharingClient()
		require.NoError(t, l.Close())
		require.NotErrorIs(t, client.Ping(context.Background()).Err(), redis.ErrClosed)
	})
}

func TestRedisLimiter(t *testing.T) {
	url := os.Getenv("ANCHOR_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ANCHOR_TEST_REDIS_URL not set")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Now()}
	prefix := "anchor:test:" + strings.ReplaceAll(time.Now().Format(time.RFC3339Nano), ":", "") + ":"
	l := NewRedisLimiter(redis.NewClient(opts), NewPolicy(3, time.Minute), prefix).WithClock(clock)
	defer l.Close()

	exercise(t, l, clock, "wallet:0xabc")
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (*Result, error) {
	return nil, context.DeadlineExceeded
}

func (brokenLimiter) Close() error { return nil }

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("ip budget", func(t *testing.T) {
		clock := &fakeClock{now: time.Now()}
		h := Middleware(NewMemoryLimiter(NewPolicy(2, time.Minute), 0).WithClock(clock), TierIP, ByIP)(ok)

		call := func(addr string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = addr
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			return rec
		}

		require.Equal(t, http.StatusNoContent, call("10.0.0.1:1111").Code)
		require.Equal(t, http.StatusNoContent, call("10.0.0.1:2222").Code)

		rec := call("10.0.0.1:3333")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.Equal(t, "30", rec.Header().Get("Retry-After"))
		require.Contains(t, rec.Body.String(), "RATE_LIMITED")
		require.Contains(t, rec.Body.String(), `"retryable":true`)

		require.Equal(t, http.StatusNoContent, call("10.0.0.2:1111").Code)
	})

	t.Run("wallet budget", func(t *testing.T) {
		h := Middleware(NewMemoryLimiter(NewPolicy(1, time.Minute), 0), TierWallet, ByWallet)(ok)

		call := func(wallet string) int {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if wallet != "" {
				req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{Wallet: wallet, Role: auth.Owner}))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			return rec.Code
		}

		a := "0x" + strings.Repeat("a", 40)
		b := "0x" + strings.Repeat("b", 40)
		require.Equal(t, http.StatusNoContent, call(a))
		require.Equal(t, http.StatusTooManyRequests, call(a))
		require.Equal(t, http.StatusNoContent, call(b))
		require.Equal(t, http.StatusNoContent, call(""))
	})

	t.Run("limiter failure admits", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Middleware(brokenLimiter{}, TierIP, ByIP)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	})
}
