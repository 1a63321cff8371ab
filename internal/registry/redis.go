package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"stream-relay/internal/config"
)

// Hash layout for a service stored in Redis:
//
//	HSET <prefix><name> base_url https://medulla.internal header:Authorization "env:MEDULLA_TOKEN"
const (
	fieldBaseURL      = "base_url"
	headerFieldPrefix = "header:"
)

// hashReader is the subset of the Redis client used by the registry.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Redis resolves services from one Redis hash per service.
// Every lookup goes to Redis so that changes apply to the next relay.
type Redis struct {
	client    hashReader
	keyPrefix string
}

// NewRedisClient creates the go-redis client for the registry.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedis creates a Redis-backed resolver.
func NewRedis(client hashReader, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

// Resolve implements Resolver.
func (r *Redis) Resolve(ctx context.Context, name string) (*Service, error) {
	fields, err := r.client.HGetAll(ctx, r.keyPrefix+name).Result()
	if err != nil {
		return nil, fmt.Errorf("redis registry lookup %q: %w", name, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}

	baseURL, ok := fields[fieldBaseURL]
	if !ok {
		return nil, fmt.Errorf("redis registry entry %q has no %s field", name, fieldBaseURL)
	}

	headers := make(map[string]string)
	for k, v := range fields {
		if h, ok := strings.CutPrefix(k, headerFieldPrefix); ok && h != "" {
			headers[h] = v
		}
	}

	svc, err := newService(name, baseURL, headers)
	if err != nil {
		return nil, err
	}
	svc.Headers, err = expandHeaders(name, svc.Headers)
	if err != nil {
		return nil, err
	}
	return svc, nil
}
