// Package service implements the streaming relay: target resolution, header
// rewriting and the relay state machine.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"stream-relay/internal/config"
	"stream-relay/internal/metrics"
	"stream-relay/internal/model"
	"stream-relay/internal/registry"
)

// Upstream opens streaming requests to resolved targets.
type Upstream interface {
	Open(ctx context.Context, method string, target *model.ResolvedTarget, body []byte) (*model.UpstreamResponse, error)
}

// Emitter receives the downstream stream. Open commits the stream headers
// and is called once, after the relay has been resolved. Each Write must
// reach the caller before it returns.
type Emitter interface {
	Open() error
	Write(p []byte) error
}

// deadlineReader is implemented by inbound bodies whose blocking reads can
// be interrupted.
type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

type state int

const (
	stateInit state = iota
	stateConnecting
	stateStreaming
	stateDone
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateConnecting:
		return "connecting"
	case stateStreaming:
		return "streaming"
	default:
		return "done"
	}
}

// RelayService drives one relay per inbound request.
type RelayService struct {
	resolver       registry.Resolver
	upstream       Upstream
	defaultService string
	timeout        time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewRelayService creates a RelayService.
// The metrics parameter is optional; pass nil to disable relay metrics recording.
func NewRelayService(resolver registry.Resolver, upstream Upstream, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		resolver:       resolver,
		upstream:       upstream,
		defaultService: cfg.Relay.DefaultService,
		timeout:        cfg.Upstream.Timeout(),
		logger:         logger.With("component", "relay_service"),
		metrics:        m,
	}
}

// Prepare resolves the service and builds the upstream target. Any error is a
// *ResolutionError and nothing has been sent upstream or downstream.
func (s *RelayService) Prepare(ctx context.Context, req *model.RelayRequest) (*model.ResolvedTarget, error) {
	name := req.Service
	if name == "" {
		name = s.defaultService
	}
	if name == "" {
		return nil, &ResolutionError{Err: ErrMissingService}
	}

	svc, err := s.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, &ResolutionError{Service: name, Err: err}
	}

	target := ResolveTarget(svc.Name, svc.BaseURL, req.Path, req.RawQuery)
	target.Header = TransformHeaders(req.Header, svc.Headers)
	return target, nil
}

// Relay streams the upstream response for target into out and returns the
// terminal outcome. The overall timeout starts before the inbound body is
// read, and the body is read in full before out.Open commits the stream.
// Every failure after out.Open produces at most one error event; the
// upstream connection is closed before Relay returns.
func (s *RelayService) Relay(ctx context.Context, req *model.RelayRequest, target *model.ResolvedTarget, out Emitter) model.Outcome {
	logger := s.logger.With(
		"request_id", req.RequestID,
		"service", target.Service,
		"method", req.Method,
		"url", target.String(),
	)
	logger.Info("starting streaming relay")

	start := time.Now()
	relayCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// net/http drops an unread request body once response headers are sent.
	body, bodyErr := readBody(relayCtx, req.Body)

	if err := out.Open(); err != nil {
		logger.Warn("open downstream stream", "err", err)
		s.record(target.Service, model.OutcomeCanceled, time.Since(start))
		return model.OutcomeCanceled
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	r := &relay{
		service: s,
		ctx:     relayCtx,
		parent:  ctx,
		req:     req,
		target:  target,
		out:     out,
		logger:  logger,
		state:   stateConnecting,
	}
	outcome := r.run(body, bodyErr)
	s.record(target.Service, outcome, time.Since(start))
	return outcome
}

func (s *RelayService) record(service string, outcome model.Outcome, d time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RelaysTotal.WithLabelValues(service, string(outcome)).Inc()
	s.metrics.RelayDuration.WithLabelValues(service, string(outcome)).Observe(d.Seconds())
}

// relay holds the state of one request between CONNECTING and DONE.
type relay struct {
	service *RelayService
	ctx     context.Context
	parent  context.Context
	req     *model.RelayRequest
	target  *model.ResolvedTarget
	out     Emitter
	logger  *slog.Logger
	state   state

	chunks int
	bytes  int
}

func (r *relay) run(body []byte, bodyErr error) model.Outcome {
	if bodyErr != nil {
		return r.fail(fmt.Errorf("read request body: %w", bodyErr))
	}

	resp, err := r.service.upstream.Open(r.ctx, r.req.Method, r.target, body)
	if err != nil {
		return r.fail(err)
	}
	defer func() { _ = resp.Close() }()

	r.logger.Info("stream established", "status", resp.StatusCode)
	r.state = stateStreaming

	for chunk, err := range resp.Chunks() {
		if err != nil {
			return r.fail(fmt.Errorf("read upstream stream: %w", err))
		}
		if err := r.ctx.Err(); err != nil {
			return r.fail(err)
		}
		if err := r.out.Write(chunk); err != nil {
			r.logger.Info("downstream closed during stream",
				"err", err,
				"chunks", r.chunks,
				"bytes", r.bytes,
			)
			r.state = stateDone
			return model.OutcomeCanceled
		}
		r.chunks++
		r.bytes += len(chunk)
		if m := r.service.metrics; m != nil {
			m.ChunksForwarded.WithLabelValues(r.target.Service).Inc()
			m.BytesForwarded.WithLabelValues(r.target.Service).Add(float64(len(chunk)))
		}
	}

	r.state = stateDone
	r.logger.Info("stream completed", "chunks", r.chunks, "bytes", r.bytes)
	return model.OutcomeSuccess
}

// fail ends the relay with at most one error event.
func (r *relay) fail(err error) model.Outcome {
	f := classify(r.ctx, r.parent, err)

	attrs := []any{
		"state", r.state.String(),
		"outcome", string(f.outcome),
		"kind", f.kind,
		"chunks", r.chunks,
		"err", sanitizeError(err),
	}
	r.state = stateDone

	switch f.outcome {
	case model.OutcomeCanceled:
		r.logger.Info("relay canceled by caller", attrs...)
	case model.OutcomeTimeout:
		r.logger.Error("stream timeout", attrs...)
	case model.OutcomeUpstreamError:
		r.logger.Error("stream failed",
			append(attrs, "status", f.event.StatusCode, "detail", *f.event.Detail)...)
	default:
		r.logger.Error("stream error", attrs...)
	}

	if f.event != nil {
		if werr := r.out.Write(f.event.Frame()); werr != nil {
			r.logger.Debug("write error event", "err", werr)
		}
	}
	return f.outcome
}

// readBody reads the inbound body in full, giving up when ctx is done. A body
// that supports read deadlines is also unblocked at that point.
func readBody(ctx context.Context, body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}

	if dr, ok := body.(deadlineReader); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = dr.SetReadDeadline(time.Now())
		})
		defer stop()
	}

	type result struct {
		b   []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := io.ReadAll(body)
		done <- result{b, err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return res.b, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
