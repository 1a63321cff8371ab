package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"stream-relay/internal/config"
	"stream-relay/internal/model"
	"stream-relay/internal/registry"
	"stream-relay/internal/service"
)

// RelayPrefix is the route under which inbound requests are relayed.
const RelayPrefix = "/relay/stream"

// RelayHandler turns inbound requests into streaming relays.
type RelayHandler struct {
	relay         *service.RelayService
	serviceHeader string
	authHeader    string
	logger        *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		relay:         svc,
		serviceHeader: cfg.Relay.ServiceHeader,
		authHeader:    cfg.Auth.Header,
		logger:        logger.With("component", "relay_handler"),
	}
}

// Handle relays the request. Resolution failures are answered with a plain
// JSON error; once the stream has started the status is always 200 and
// failures arrive as an SSE error event.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	header := req.Header.Clone()
	if h.authHeader != "" {
		header.Del(h.authHeader)
	}

	rr := &model.RelayRequest{
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		Method:    req.Method,
		Path:      strings.TrimPrefix(req.URL.Path, RelayPrefix),
		RawQuery:  req.URL.RawQuery,
		Header:    header,
		Body: &requestBody{
			body: req.Body,
			rc:   http.NewResponseController(c.Response().Writer),
		},
	}
	if h.serviceHeader != "" {
		rr.Service = req.Header.Get(h.serviceHeader)
	}

	target, err := h.relay.Prepare(req.Context(), rr)
	if err != nil {
		return h.mapError(c, err)
	}

	h.relay.Relay(req.Context(), rr, target, newStreamWriter(c.Response()))
	return nil
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay resolution failed",
		"err", err,
		"path", c.Request().URL.Path,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	)

	if errors.Is(err, service.ErrMissingService) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "service name required: send the " + h.serviceHeader + " header",
		})
	}

	if errors.Is(err, registry.ErrServiceNotFound) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "unknown service",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "service registry unavailable",
	})
}
