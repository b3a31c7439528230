package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/docflow/docflow/internal/queue"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	pingDB  func(ctx context.Context) error
	manager *queue.Manager
}

// NewHealthHandler creates a new health handler. pingDB may be nil when
// no database is wired (tests).
func NewHealthHandler(pingDB func(ctx context.Context) error, manager *queue.Manager) *HealthHandler {
	return &HealthHandler{pingDB: pingDB, manager: manager}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Health handles GET /health (liveness probe)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// Ready handles GET /ready (readiness probe)
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := "ready"
	httpStatus := http.StatusOK
	var failure string

	if h.pingDB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pingDB(ctx); err != nil {
			checks["database"] = "unavailable"
			status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
			failure = err.Error()
		} else {
			checks["database"] = "ok"
		}
	}

	if h.manager != nil {
		if h.manager.CanAcceptNewBatch() {
			checks["queue"] = "ok"
		} else {
			// Saturated or shutting down; either way new work bounces.
			checks["queue"] = "unavailable"
			status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	response := ReadinessResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Error:     failure,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(response)
}
