package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"

	"stream-relay/internal/client"
	"stream-relay/internal/model"
)

// ErrMissingService is returned when a request names no service and no
// default service is configured.
var ErrMissingService = errors.New("service name required")

// ResolutionError reports that a relay could not be mapped to an upstream.
// It is always raised before anything is written downstream.
type ResolutionError struct {
	Service string
	Err     error
}

func (e *ResolutionError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("resolve service: %v", e.Err)
	}
	return fmt.Sprintf("resolve service %q: %v", e.Service, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Failure kinds used in logs. They refine transport_error without changing
// what the caller sees.
const (
	kindTimeout           = "timeout"
	kindCanceled          = "canceled"
	kindCircuitOpen       = "circuit_open"
	kindUpstreamStatus    = "upstream_status"
	kindConnectionRefused = "connection_refused"
	kindConnectionReset   = "connection_reset"
	kindDNS               = "dns"
	kindTLS               = "tls"
	kindMalformed         = "malformed_response"
	kindUnclassified      = "unclassified"
)

// failure is a classified relay error.
type failure struct {
	outcome model.Outcome
	kind    string
	event   *model.ErrorEvent // nil when nobody is left to read it
}

// classify maps a relay error to its outcome and the event the caller sees.
// relayCtx carries the overall deadline; parent is the inbound request context.
func classify(relayCtx, parent context.Context, err error) failure {
	var statusErr *client.StatusError
	switch {
	case errors.Is(relayCtx.Err(), context.DeadlineExceeded), isTimeout(err):
		return failure{outcome: model.OutcomeTimeout, kind: kindTimeout, event: model.NewTimeoutEvent()}
	case parent.Err() != nil, errors.Is(err, context.Canceled):
		return failure{outcome: model.OutcomeCanceled, kind: kindCanceled}
	case errors.As(err, &statusErr):
		return failure{
			outcome: model.OutcomeUpstreamError,
			kind:    kindUpstreamStatus,
			event:   model.NewStatusEvent(statusErr.StatusCode, statusErr.Detail),
		}
	case errors.Is(err, client.ErrCircuitOpen):
		return failure{
			outcome: model.OutcomeCircuitOpen,
			kind:    kindCircuitOpen,
			event:   model.NewFailureEvent(503, sanitizeError(err)),
		}
	}
	return failure{
		outcome: model.OutcomeTransportError,
		kind:    transportKind(err),
		event:   model.NewFailureEvent(500, sanitizeError(err)),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func transportKind(err error) string {
	var (
		dnsErr     *net.DNSError
		certErr    *tls.CertificateVerificationError
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return kindConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return kindConnectionReset
	case errors.As(err, &dnsErr):
		return kindDNS
	case errors.As(err, &certErr), errors.As(err, &recordErr), errors.As(err, &alertErr),
		errors.As(err, &unknownCA), errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return kindTLS
	case errors.Is(err, io.ErrUnexpectedEOF), strings.Contains(err.Error(), "malformed HTTP"):
		return kindMalformed
	}
	return kindUnclassified
}

// secretPattern matches credential-like query parameters in URLs embedded in
// error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:api_?key|token|secret|password)=)[^&\s"]+`)

// sanitizeError redacts credentials from error text that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
