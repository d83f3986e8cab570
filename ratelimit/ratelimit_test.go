package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsWithinBurst(t *testing.T) {
	l := New(Config{RPS: 10, Burst: 5})
	for i := 0; i < 5; i++ {
		allowed, _ := l.Allow("caller-1")
		require.True(t, allowed, "request %d should be allowed within burst", i)
	}
	allowed, wait := l.Allow("caller-1")
	require.False(t, allowed)
	require.Positive(t, wait)
}

func TestLimiterRefillsOverTime(t *testing.T) {
	l := New(Config{RPS: 100, Burst: 2})
	l.Allow("caller-1")
	l.Allow("caller-1")

	allowed, _ := l.Allow("caller-1")
	require.False(t, allowed, "should be exhausted immediately")

	time.Sleep(50 * time.Millisecond)
	allowed, _ = l.Allow("caller-1")
	require.True(t, allowed, "should have refilled after waiting")
}

func TestLimiterIsolatesCallers(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	allowed, _ := l.Allow("caller-1")
	require.True(t, allowed)
	allowed, _ = l.Allow("caller-1")
	require.False(t, allowed)

	allowed, _ = l.Allow("caller-2")
	require.True(t, allowed, "a different caller must have its own bucket")
}

func TestLimiterDisabledWhenRPSZero(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		allowed, _ := l.Allow("caller-1")
		require.True(t, allowed)
	}
}

func TestMiddlewareReturns429WithRetryAfter(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	handler := Middleware(l, func(r *http.Request) string { return "fixed-caller" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/chat", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/chat", nil))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestMiddlewarePassesThroughWhenLimiterNil(t *testing.T) {
	handler := Middleware(nil, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/chat", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
