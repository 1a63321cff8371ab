// Package registry resolves logical service names to upstream base URLs and
// the headers each service requires.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// ErrServiceNotFound is returned when no registry knows the service name.
var ErrServiceNotFound = errors.New("service not found")

// envPrefix marks a header value that is read from the environment.
const envPrefix = "env:"

// Service is a resolved upstream service.
type Service struct {
	Name    string
	BaseURL *url.URL
	Headers http.Header
}

// Resolver maps a logical service name to a Service.
// Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*Service, error)
}

// Chain asks each resolver in order and returns the first match.
// A resolver reporting ErrServiceNotFound passes to the next one; any other
// error stops the lookup.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, name string) (*Service, error) {
	for _, r := range c {
		svc, err := r.Resolve(ctx, name)
		if err == nil {
			return svc, nil
		}
		if !errors.Is(err, ErrServiceNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
}

// newService builds a Service from raw config values.
func newService(name, baseURL string, headers map[string]string) (*Service, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("service %q: parse base_url: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("service %q: base_url must use http or https; got %q", name, baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("service %q: base_url has no host", name)
	}
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Service{Name: name, BaseURL: u, Headers: h}, nil
}

// expandHeaders returns a copy of h with "env:NAME" values replaced by the
// environment variable NAME. Missing variables are an error so that an
// upstream never receives a literal reference.
func expandHeaders(name string, h http.Header) (http.Header, error) {
	out := make(http.Header, len(h))
	for k, vals := range h {
		expanded := make([]string, 0, len(vals))
		for _, v := range vals {
			if ref, ok := strings.CutPrefix(v, envPrefix); ok {
				val, found := os.LookupEnv(ref)
				if !found {
					return nil, fmt.Errorf("service %q: header %s references unset environment variable %s", name, k, ref)
				}
				v = val
			}
			expanded = append(expanded, v)
		}
		out[k] = expanded
	}
	return out, nil
}
