package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"stream-relay/internal/client"
	"stream-relay/internal/config"
	"stream-relay/internal/metrics"
	"stream-relay/internal/registry"
	"stream-relay/internal/service"
)

const testSecret = "test-secret"

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Auth:  config.AuthConfig{Header: "X-Shared-Secret", SharedSecret: testSecret},
		Relay: config.RelayConfig{ServiceHeader: "X-Service-Name", DefaultService: "medulla"},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Services: map[string]config.ServiceConfig{
			"medulla": {BaseURL: baseURL, Headers: map[string]string{"X-Api-Key": "service-key"}},
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newTestEcho wires the full route table against cfg. A non-nil resolver
// replaces the static registry for relay lookups.
func newTestEcho(t *testing.T, cfg *config.Config, resolver registry.Resolver) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	static, err := registry.NewStatic(cfg.Services)
	if err != nil {
		t.Fatalf("NewStatic() error = %v", err)
	}
	if resolver == nil {
		resolver = static
	}

	uc := client.NewUpstreamClient(cfg, logger, m)
	svc := service.NewRelayService(resolver, uc, cfg, logger, m)

	e := echo.New()
	RegisterRoutes(e, cfg, NewRelayHandler(svc, cfg, logger), NewHealthHandler(cfg, "test", static), m)
	return e
}

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig(upstream.URL), nil)

	tests := []struct {
		name       string
		method     string
		path       string
		secret     string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", "", http.StatusOK},
		{"GET /relay/status", http.MethodGet, "/relay/status", "", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"GET relay", http.MethodGet, "/relay/stream/foo/bar?x=1", testSecret, http.StatusOK},
		{"POST relay", http.MethodPost, "/relay/stream/archimedes/invoke", testSecret, http.StatusOK},
		{"relay root", http.MethodGet, "/relay/stream", testSecret, http.StatusOK},
		{"relay without secret", http.MethodGet, "/relay/stream/foo", "", http.StatusUnauthorized},
		{"relay with wrong secret", http.MethodGet, "/relay/stream/foo", "nope", http.StatusUnauthorized},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			if tt.secret != "" {
				req.Header.Set("X-Shared-Secret", tt.secret)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig("http://medulla.internal")
	cfg.Metrics.Enabled = false
	e := newTestEcho(t, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterRoutes_MetricsExposition(t *testing.T) {
	e := newTestEcho(t, testConfig("http://medulla.internal"), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "stream_relay_active_streams") {
		t.Error("expected stream_relay_active_streams in metrics output")
	}
}
