package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/dealbroker/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("buyer-1") || !rl.Allow("buyer-1") {
		t.Fatal("first two requests should be allowed")
	}
	if rl.Allow("buyer-1") {
		t.Fatal("third request inside the window should be denied")
	}
	if !rl.Allow("buyer-2") {
		t.Fatal("other keys are limited independently")
	}
	if got := rl.RetryAfter("buyer-1"); got != time.Minute {
		t.Errorf("RetryAfter() = %v, want 1m", got)
	}

	now = now.Add(time.Minute + time.Second)
	if !rl.Allow("buyer-1") {
		t.Fatal("request after the window should be allowed")
	}
}

func TestRateLimiterEvict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 5, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	rl.Allow("a")
	rl.Allow("b")

	now = now.Add(30 * time.Second)
	rl.Allow("b")
	now = now.Add(45 * time.Second)
	rl.evict()

	if n := rl.Len(); n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(context.Background(), 0, time.Minute)
	for i := 0; i < 10; i++ {
		if !rl.Allow("k") {
			t.Fatal("limit 0 should disable limiting")
		}
	}
	var nilLimiter *RateLimiter
	if !nilLimiter.Allow("k") {
		t.Fatal("nil limiter should allow")
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/negotiations/abc":        "/api/negotiations/{id}",
		"/api/negotiations/abc/settle": "/api/negotiations/{id}/settle",
		"/api/groups/g1/negotiations":  "/api/groups/{group}/negotiations",
		"/api/agents/a1/negotiations":  "/api/agents/{id}/negotiations",
		"/ws/groups/g1":                "/ws/groups/{group}",
		"/negotiate":                   "/negotiate",
		"/api/negotiations/":           "/api/negotiations/",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/api/negotiations/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/negotiations/{id}", "418")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest(http.MethodGet, "/api/negotiations/xyz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", w.Code)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("requests counted = %v, want 1", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/negotiate", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q, want true", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/negotiate", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for disallowed origin", got)
	}
}
