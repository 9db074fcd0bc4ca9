package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"
)

func TestRateLimiterPerIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 0.001, 2, nil)

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("a") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("other visitors keep their own bucket")
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 0.001, 1, nil)

	rl.Allow("a")
	rl.evict(time.Now().Add(time.Second))
	if len(rl.visitors) != 0 {
		t.Fatalf("visitors = %d after eviction", len(rl.visitors))
	}
	if !rl.Allow("a") {
		t.Fatal("evicted visitor starts with a full bucket")
	}
}

func TestClientIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 1, 1, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{name: "direct client", remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "untrusted peer cannot spoof", remote: "192.0.2.1:1234", xff: "203.0.113.9", want: "192.0.2.1"},
		{name: "trusted proxy", remote: "10.0.0.5:80", xff: "203.0.113.9", want: "203.0.113.9"},
		{name: "chain of proxies", remote: "10.0.0.5:80", xff: "198.51.100.7, 203.0.113.9, 10.1.1.1", want: "203.0.113.9"},
		{name: "trusted proxy without header", remote: "10.0.0.5:80", want: "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := rl.clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 0.001, 1, nil)

	calls := 0
	h := rl.RateLimitMiddleware(func(w http.ResponseWriter, r *http.Request) { calls++ })
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/run", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		h(httptest.NewRecorder(), req)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1: rotating X-Forwarded-For bypassed the limit", calls)
	}
}
