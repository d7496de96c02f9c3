package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports database reachability.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ConnChecker reports broker connectivity.
type ConnChecker interface {
	IsConnected() bool
}

// ModelChecker reports whether the embedding model has been loaded.
type ModelChecker interface {
	Loaded() bool
}

// StatusReporter reports a component's state as a short string.
type StatusReporter interface {
	Status() string
}

// HealthDeps holds the optional components the health check inspects.
// Nil fields are reported as not_configured.
type HealthDeps struct {
	DB      Pinger
	MQTT    ConnChecker
	Model   ModelChecker
	Watcher StatusReporter
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	ModelLoaded   bool              `json:"model_loaded"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	deps      HealthDeps
	version   string
	startTime time.Time
}

func NewHealthHandler(deps HealthDeps, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		deps:      deps,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Model check: nothing can be diarized without it
	loaded := h.deps.Model != nil && h.deps.Model.Loaded()
	if loaded {
		checks["model"] = "loaded"
	} else {
		checks["model"] = "not_loaded"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Database check
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.HealthCheck(ctx); err != nil {
			checks["database"] = "error: " + err.Error()
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	// MQTT check
	if h.deps.MQTT != nil {
		if h.deps.MQTT.IsConnected() {
			checks["mqtt"] = "connected"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	// File watcher check
	if h.deps.Watcher != nil {
		checks["file_watcher"] = h.deps.Watcher.Status()
	} else {
		checks["file_watcher"] = "not_configured"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		ModelLoaded:   loaded,
		Checks:        checks,
	})
}
