package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"stream-relay/internal/config"
	"stream-relay/internal/registry"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test", nil)
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/relay/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	services := map[string]config.ServiceConfig{
		"medulla": {BaseURL: "http://medulla.internal"},
		"cortex":  {BaseURL: "http://cortex.internal"},
	}
	static, err := registry.NewStatic(services)
	if err != nil {
		t.Fatalf("NewStatic() error = %v", err)
	}
	cfg := &config.Config{
		Relay:    config.RelayConfig{DefaultService: "medulla"},
		Upstream: config.UpstreamConfig{TimeoutSeconds: 600},
		Services: services,
	}
	h := NewHealthHandler(cfg, "1.2.3", static)
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("body.status = %q, want %q", body.Status, "ok")
	}
	if body.Version != "1.2.3" {
		t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
	}
	if len(body.Services) != 2 || body.Services[0] != "cortex" || body.Services[1] != "medulla" {
		t.Errorf("body.services = %v, want [cortex medulla]", body.Services)
	}
	if body.DefaultService != "medulla" {
		t.Errorf("body.default_service = %q", body.DefaultService)
	}
	if body.TimeoutSeconds != 600 {
		t.Errorf("body.timeout_seconds = %d, want 600", body.TimeoutSeconds)
	}
}
