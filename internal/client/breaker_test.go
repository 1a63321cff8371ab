package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"stream-relay/internal/config"
	"stream-relay/internal/metrics"
)

func breakerConfig() *config.Config {
	cfg := testConfig(10)
	cfg.Upstream.CircuitBreaker = config.CircuitBreakerConfig{
		Enabled:     true,
		MinRequests: 3,
		FailureRate: 0.5,
		OpenSeconds: 60,
	}
	return cfg
}

func TestUpstreamClient_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	m := metrics.New()
	c := NewUpstreamClient(breakerConfig(), testLogger(), m)
	target := targetFor(t, "medulla", srv.URL)

	for i := range 3 {
		_, err := c.Open(context.Background(), http.MethodGet, target, nil)
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.Detail != "down" {
			t.Fatalf("request %d: error = %v, want StatusError with detail", i, err)
		}
	}

	_, err := c.Open(context.Background(), http.MethodGet, target, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Open() error = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != 3 {
		t.Errorf("upstream hits = %d, want 3", hits.Load())
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "stream_relay_circuit_breaker_transitions_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected breaker transition to be recorded")
	}
}

func TestUpstreamClient_BreakerIsPerService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewUpstreamClient(breakerConfig(), testLogger(), nil)

	bad := targetFor(t, "broken", srv.URL+"/bad")
	for range 3 {
		_, _ = c.Open(context.Background(), http.MethodGet, bad, nil)
	}
	if _, err := c.Open(context.Background(), http.MethodGet, bad, nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("broken service error = %v, want ErrCircuitOpen", err)
	}

	resp, err := c.Open(context.Background(), http.MethodGet, targetFor(t, "healthy", srv.URL+"/ok"), nil)
	if err != nil {
		t.Fatalf("healthy service error = %v", err)
	}
	_ = resp.Close()
}

func TestUpstreamClient_BreakerIgnoresClientErrorsAndCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewUpstreamClient(breakerConfig(), testLogger(), nil)
	target := targetFor(t, "medulla", srv.URL)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	for range 5 {
		_, _ = c.Open(context.Background(), http.MethodGet, target, nil)
		_, _ = c.Open(canceled, http.MethodGet, target, nil)
	}

	_, err := c.Open(context.Background(), http.MethodGet, target, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("Open() error = %v, want StatusError 404 with closed breaker", err)
	}
}

func TestSafeIntToUint32(t *testing.T) {
	tests := []struct {
		in   int
		want uint32
	}{
		{-1, 0},
		{0, 0},
		{10, 10},
		{int(^uint32(0)) + 1, ^uint32(0)},
	}
	for _, tt := range tests {
		if got := safeIntToUint32(tt.in); got != tt.want {
			t.Errorf("safeIntToUint32(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
