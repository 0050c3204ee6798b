package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/eldtechnologies/backchannel/internal/registry"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string           `json:"status"` // "healthy" or "degraded"
	Version     string           `json:"version"`
	Region      string           `json:"region,omitempty"`
	Instance    string           `json:"instance,omitempty"`
	Checks      map[string]Check `json:"checks"`
	Connections registry.Stats   `json:"connections"`
	Timestamp   string           `json:"timestamp"`
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	run := func(name string, ping func(context.Context) error) {
		start := time.Now()
		if err := ping(ctx); err != nil {
			checks[name] = Check{Status: "fail", Message: "unavailable"}
			allHealthy = false
			h.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
			return
		}
		checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}

	run("storage", h.threads.Ping)

	// Redis is only checked when the shared rate limit backend is in use.
	if h.redis != nil {
		run("redis", func(ctx context.Context) error { return h.redis.Ping(ctx).Err() })
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:      status,
		Version:     version,
		Region:      os.Getenv("FLY_REGION"),
		Instance:    os.Getenv("FLY_ALLOC_ID"),
		Checks:      checks,
		Connections: h.registry.Stats(),
		Timestamp:   h.now().UTC().Format(time.RFC3339),
	})
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Root handles the root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "backchannel",
		Version: version,
	})
}
