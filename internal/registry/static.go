package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"stream-relay/internal/config"
)

// Static resolves services from the [services] config table.
// The table can be swapped at runtime with Replace.
type Static struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewStatic builds a Static registry from config entries.
func NewStatic(services map[string]config.ServiceConfig) (*Static, error) {
	s := &Static{}
	if err := s.Replace(services); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace atomically swaps the service table. On error the previous table is kept.
func (s *Static) Replace(services map[string]config.ServiceConfig) error {
	table := make(map[string]*Service, len(services))
	for name, sc := range services {
		svc, err := newService(name, sc.BaseURL, sc.Headers)
		if err != nil {
			return err
		}
		table[name] = svc
	}

	s.mu.Lock()
	s.services = table
	s.mu.Unlock()
	return nil
}

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context, name string) (*Service, error) {
	s.mu.RLock()
	svc, ok := s.services[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}

	headers, err := expandHeaders(name, svc.Headers)
	if err != nil {
		return nil, err
	}
	return &Service{Name: svc.Name, BaseURL: svc.BaseURL, Headers: headers}, nil
}

// Names returns the configured service names, sorted.
func (s *Static) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
