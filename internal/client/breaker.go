package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"stream-relay/internal/config"
	"stream-relay/internal/metrics"
	"stream-relay/internal/model"
)

// ErrCircuitOpen is returned when a service's circuit breaker rejects a request.
var ErrCircuitOpen = errors.New("upstream circuit open")

// errServerStatus marks a 5xx response as a breaker failure without
// discarding the response itself.
var errServerStatus = errors.New("upstream server error")

// breakers keeps one gobreaker per service, created on first use.
type breakers struct {
	cfg     config.CircuitBreakerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
	cb map[string]*gobreaker.CircuitBreaker
}

func newBreakers(cfg config.CircuitBreakerConfig, logger *slog.Logger, m *metrics.Metrics) *breakers {
	return &breakers{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		cb:      make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *breakers) get(service string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.cb[service]; ok {
		return cb
	}

	minRequests := safeIntToUint32(b.cfg.MinRequests)
	openFor := time.Duration(b.cfg.OpenSeconds) * time.Second
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Interval:    openFor,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= b.cfg.FailureRate
		},
		IsSuccessful: func(err error) bool {
			// The caller walking away says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"service", name,
				"from", from.String(),
				"to", to.String(),
			)
			if b.metrics != nil {
				b.metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			}
		},
	})
	b.cb[service] = cb
	return cb
}

// execute runs fn under the service's breaker. A 5xx response is counted as
// a failure but still returned to the caller.
func (b *breakers) execute(service string, fn func() (*model.UpstreamResponse, error)) (*model.UpstreamResponse, error) {
	out, err := b.get(service).Execute(func() (interface{}, error) {
		resp, err := fn()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %s: %w", ErrCircuitOpen, service, err)
	case errors.Is(err, errServerStatus):
		return out.(*model.UpstreamResponse), nil
	case err != nil:
		return nil, err
	}
	return out.(*model.UpstreamResponse), nil
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
