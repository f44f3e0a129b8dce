package handler

import (
	"net/http"

	"github.com/dandantas/dispatchengine/pkg/middleware"
)

// Router handles the ambient HTTP surface: liveness/readiness only.
type Router struct {
	healthHandler *HealthHandler
}

// NewRouter creates a new router.
func NewRouter(healthHandler *HealthHandler) *Router {
	return &Router{healthHandler: healthHandler}
}

// Handler returns the configured HTTP handler with middleware.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", rt.healthHandler.Health)
	mux.HandleFunc("/ready", rt.healthHandler.Ready)

	handler := middleware.Recovery(mux)
	handler = middleware.Logging(handler)
	handler = middleware.CorrelationID(handler)

	return handler
}
