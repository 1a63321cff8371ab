// Package client provides the streaming HTTP client for upstream services.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stream-relay/internal/config"
	"stream-relay/internal/metrics"
	"stream-relay/internal/model"
)

// StatusError is returned by Open when the upstream answers with a status
// other than 200. The error body has already been read and the connection
// released.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// UpstreamClient opens streaming requests against upstream services.
type UpstreamClient struct {
	httpClient *http.Client
	breakers   *breakers
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and an
// overall timeout covering connect and the full stream.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	logger = logger.With("component", "upstream_client")
	c := &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.Timeout(),
			// Redirects are relayed to the caller as non-200 statuses.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		metrics: m,
	}
	if cfg.Upstream.CircuitBreaker.Enabled {
		c.breakers = newBreakers(cfg.Upstream.CircuitBreaker, logger, m)
	}
	return c
}

// Open sends the request and waits for the response status.
//
// On 200 the returned response streams its body through Chunks and the
// caller must Close it. Any other status yields a *StatusError carrying the
// full error body. ctx bounds the whole exchange, including the stream.
func (c *UpstreamClient) Open(ctx context.Context, method string, target *model.ResolvedTarget, body []byte) (*model.UpstreamResponse, error) {
	do := func() (*model.UpstreamResponse, error) {
		return c.do(ctx, method, target, body)
	}

	var (
		resp *model.UpstreamResponse
		err  error
	)
	if c.breakers != nil {
		resp, err = c.breakers.execute(target.Service, do)
	} else {
		resp, err = do()
	}
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, readStatusError(resp)
	}
	return resp, nil
}

func (c *UpstreamClient) do(ctx context.Context, method string, target *model.ResolvedTarget, body []byte) (*model.UpstreamResponse, error) {
	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = target.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	c.logger.Debug("upstream request",
		"service", target.Service,
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	label := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(label).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(label).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return model.NewUpstreamResponse(resp.StatusCode, resp.Header, resp.Body), nil
}

// readStatusError drains and closes a non-200 response. Invalid UTF-8 in the
// body is dropped from the detail.
func readStatusError(resp *model.UpstreamResponse) error {
	defer func() { _ = resp.Close() }()

	var buf bytes.Buffer
	for chunk, err := range resp.Chunks() {
		if err != nil {
			return fmt.Errorf("read upstream error body (status %d): %w", resp.StatusCode, err)
		}
		buf.Write(chunk)
	}
	return &StatusError{
		StatusCode: resp.StatusCode,
		Detail:     strings.ToValidUTF8(buf.String(), ""),
	}
}
