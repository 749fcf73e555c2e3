package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func healthOf(t *testing.T, h *HealthHandler) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return w.Code, body
}

func TestHealthHealthy(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	code, body := healthOf(t, NewHealthHandler(ok, time.Second, map[string]Pinger{"redis": ok}))
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("code = %d, body = %v", code, body)
	}
	checks := body["checks"].(map[string]interface{})
	if checks["database"] != "ok" || checks["redis"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHealthDatabaseDown(t *testing.T) {
	down := pingFunc(func(context.Context) error { return errors.New("closed") })
	code, body := healthOf(t, NewHealthHandler(down, time.Second, nil))
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("code = %d, body = %v", code, body)
	}
}

func TestHealthOptionalDependencyDown(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("refused") })
	code, body := healthOf(t, NewHealthHandler(ok, time.Second, map[string]Pinger{"redis": down}))
	if code != http.StatusOK || body["status"] != "degraded" {
		t.Errorf("code = %d, body = %v", code, body)
	}
}

func TestHealthHonoursTimeout(t *testing.T) {
	slow := pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	start := time.Now()
	code, _ := healthOf(t, NewHealthHandler(slow, 20*time.Millisecond, nil))
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if time.Since(start) > time.Second {
		t.Error("health check ignored its timeout")
	}
}
