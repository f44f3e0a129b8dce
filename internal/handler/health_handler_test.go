package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/dandantas/dispatchengine/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	st, err := store.Connect(context.Background(), mr.Addr(), "", 0, nil)
	if err != nil {
		t.Fatalf("store.Connect() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHealthReturnsOkWhenRedisIsUp(t *testing.T) {
	h := NewHealthHandler(newTestStore(t), "1.0.0")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Redis != "connected" {
		t.Errorf("Redis = %q, want %q", resp.Redis, "connected")
	}
	if resp.Version != "1.0.0" {
		t.Errorf("Version = %q, want %q", resp.Version, "1.0.0")
	}
}

func TestHealthStillReturnsOkWhenRedisIsDown(t *testing.T) {
	st := newTestStore(t)
	st.Close()

	h := NewHealthHandler(st, "1.0.0")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even when redis is unreachable", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Redis != "disconnected" {
		t.Errorf("Redis = %q, want %q", resp.Redis, "disconnected")
	}
}

func TestReadyReturnsServiceUnavailableWhenRedisIsDown(t *testing.T) {
	st := newTestStore(t)
	st.Close()

	h := NewHealthHandler(st, "1.0.0")
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var resp ReadyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Ready {
		t.Error("Ready = true, want false when redis is unreachable")
	}
}

func TestReadyReturnsOkWhenRedisIsUp(t *testing.T) {
	h := NewHealthHandler(newTestStore(t), "1.0.0")
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()

	h.Ready(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
