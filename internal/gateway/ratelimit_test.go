package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glwlg/X-bot-sub002/internal/gateway"
)

func hit(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenLimited(t *testing.T) {
	handler := gateway.NewRateLimitMiddleware(60, 3).Wrap(okHandler())

	for i := 0; i < 3; i++ {
		if rec := hit(handler, "/api/tasks", "k"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(handler, "/api/tasks", "k")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", got)
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	// 60 requests per minute = 1 per second.
	handler := gateway.NewRateLimitMiddleware(60, 1).Wrap(okHandler())

	if rec := hit(handler, "/api/tasks", "refill"); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	if rec := hit(handler, "/api/tasks", "refill"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 immediately after, got %d", rec.Code)
	}
	time.Sleep(1100 * time.Millisecond)
	if rec := hit(handler, "/api/tasks", "refill"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	handler := gateway.NewRateLimitMiddleware(60, 1).Wrap(okHandler())

	hit(handler, "/api/tasks", "a")
	if rec := hit(handler, "/api/tasks", "a"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key a: expected 429, got %d", rec.Code)
	}
	if rec := hit(handler, "/api/tasks", "b"); rec.Code != http.StatusOK {
		t.Fatalf("key b: expected 200, got %d", rec.Code)
	}
	// Without a key, clients are bucketed by remote host.
	if rec := hit(handler, "/api/tasks", ""); rec.Code != http.StatusOK {
		t.Fatalf("anonymous: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_SkipsHealthz(t *testing.T) {
	handler := gateway.NewRateLimitMiddleware(60, 1).Wrap(okHandler())
	for i := 0; i < 5; i++ {
		if rec := hit(handler, "/healthz", ""); rec.Code != http.StatusOK {
			t.Fatalf("healthz request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(60, 5)
	handler := rl.Wrap(okHandler())
	hit(handler, "/api/tasks", "one")
	hit(handler, "/api/tasks", "two")
	if n := rl.BucketCount(); n != 2 {
		t.Fatalf("expected 2 buckets, got %d", n)
	}

	time.Sleep(20 * time.Millisecond)
	hit(handler, "/api/tasks", "two")
	rl.EvictStale(10 * time.Millisecond)
	if n := rl.BucketCount(); n != 1 {
		t.Fatalf("expected 1 bucket after eviction, got %d", n)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	handler := gateway.NewRateLimitMiddleware(0, 1).Wrap(okHandler())
	for i := 0; i < 20; i++ {
		if rec := hit(handler, "/api/tasks", "k"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}
