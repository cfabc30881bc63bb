package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthStatus reports the live state of the exchange's dependencies.
type HealthStatus interface {
	GameActive() bool
	Connections() int
	ChannelConnected() bool
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	status HealthStatus
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. status may be nil.
func NewHealthHandler(status HealthStatus, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{status: status, logger: logHandler(logger, "health")}
}

// HealthCheck responds with a JSON status indicating the server is alive.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.status != nil {
		body["gameActive"] = h.status.GameActive()
		body["connections"] = h.status.Connections()
		body["channelConnected"] = h.status.ChannelConnected()
	}
	writeJSON(w, http.StatusOK, body)
}
