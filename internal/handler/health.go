package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"stream-relay/internal/config"
	"stream-relay/internal/registry"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	services *registry.Static
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, services *registry.Static) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, services: services}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of the relay status endpoint.
type statusResponse struct {
	Status         string   `json:"status"`
	Version        string   `json:"version"`
	Services       []string `json:"services"`
	DefaultService string   `json:"default_service,omitempty"`
	RedisRegistry  bool     `json:"redis_registry"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:         "ok",
		Version:        string(h.version),
		Services:       h.services.Names(),
		DefaultService: h.cfg.Relay.DefaultService,
		RedisRegistry:  h.cfg.Registry.Redis.Enabled,
		TimeoutSeconds: h.cfg.Upstream.TimeoutSeconds,
	})
}
