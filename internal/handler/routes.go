package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stream-relay/internal/config"
	"stream-relay/internal/metrics"
	"stream-relay/internal/middleware"
)

// Fixed route paths.
const (
	HealthPath = "/healthz"
	StatusPath = "/relay/status"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, relay *RelayHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET(HealthPath, health.Healthz)
	e.GET(StatusPath, health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	g := e.Group(RelayPrefix, middleware.SharedSecret(cfg.Auth.Header, cfg.Auth.SharedSecret))
	g.Any("", relay.Handle)
	g.Any("/*", relay.Handle)
}
