package handler

import (
	"net/http"
	"time"

	"github.com/dandantas/dispatchengine/internal/store"
)

// HealthHandler exposes liveness/readiness over the ambient /health and
// /ready endpoints. Job submission, status queries, and history live
// outside this engine's scope.
type HealthHandler struct {
	store     *store.Store
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(st *store.Store, version string) *HealthHandler {
	return &HealthHandler{
		store:     st,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Timestamp     string `json:"timestamp"`
	Redis         string `json:"redis"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Ready bool   `json:"ready"`
	Redis string `json:"redis"`
}

// Health returns the service health status.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	redisStatus := "connected"
	if err := h.store.Ping(r.Context()); err != nil {
		redisStatus = "disconnected"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Redis:         redisStatus,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready returns the service readiness status.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ready := true
	redisStatus := "connected"

	if err := h.store.Ping(r.Context()); err != nil {
		ready = false
		redisStatus = "disconnected"
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Ready: ready,
		Redis: redisStatus,
	})
}
