package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger checks a dependency, e.g. *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db        Pinger
	logger    *zap.Logger
	startTime time.Time

	mu    sync.RWMutex
	ready bool
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
	Description string            `json:"description,omitempty"`
}

// NewHealthHandler creates a health handler. It reports not ready until
// SetReady(true) is called.
func NewHealthHandler(db Pinger, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{db: db, logger: logger, startTime: time.Now()}
}

// SetReady updates the readiness status
func (h *HealthHandler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current readiness status
func (h *HealthHandler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Health handles GET /health - liveness
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:      "UP",
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
		Description: "Message log is running",
	})
}

// Ready handles GET /health/ready - readiness with dependency checks
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	allReady := h.IsReady()
	if allReady {
		checks["startup"] = "ready"
	} else {
		checks["startup"] = "not_ready"
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.db.PingContext(ctx)
		cancel()
		if err != nil {
			checks["database"] = "not_ready"
			allReady = false
			h.logger.Warn("Database readiness check failed", zap.Error(err))
		} else {
			checks["database"] = "ready"
		}
	}

	status := HealthStatus{
		Status:      "UP",
		Timestamp:   time.Now().UTC(),
		Checks:      checks,
		Description: "Ready to accept traffic",
	}
	code := http.StatusOK
	if !allReady {
		status.Status = "DOWN"
		status.Description = "Not all dependencies are ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)

	h.logger.Debug("Readiness check completed", zap.Bool("ready", allReady))
}
