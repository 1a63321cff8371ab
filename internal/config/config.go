// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/stream-relay/config.toml",
	"configs/config.toml",
}

// placeholderSecret is the value shipped in the example config.
const placeholderSecret = "CHANGE_ME"

// reservedRoutes are served by the relay itself and cannot host metrics.
var reservedRoutes = []string{"/relay/stream", "/relay/status", "/healthz"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	SharedSecret string `kong:"help='Shared secret expected from callers (overrides config).',env='RELAY_SHARED_SECRET'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig             `toml:"server"`
	Auth     AuthConfig               `toml:"auth"`
	Relay    RelayConfig              `toml:"relay"`
	Upstream UpstreamConfig           `toml:"upstream"`
	Services map[string]ServiceConfig `toml:"services"`
	Registry RegistryConfig           `toml:"registry"`
	Log      LogConfig                `toml:"log"`
	Metrics  MetricsConfig            `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"` // 0 means the rate rounded up
}

// AuthConfig holds the shared-secret check applied to relay routes.
type AuthConfig struct {
	Header       string `toml:"header"`
	SharedSecret string `toml:"shared_secret"`
}

// RelayConfig controls how inbound requests pick their upstream service.
type RelayConfig struct {
	ServiceHeader  string `toml:"service_header"`
	DefaultService string `toml:"default_service"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int                  `toml:"timeout_seconds"`
	IdleConnections int                  `toml:"idle_connections"`
	CircuitBreaker  CircuitBreakerConfig `toml:"circuit_breaker"`
}

// Timeout returns the overall relay timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// CircuitBreakerConfig controls the per-service upstream circuit breaker.
type CircuitBreakerConfig struct {
	Enabled     bool    `toml:"enabled"`
	MinRequests int     `toml:"min_requests"`
	FailureRate float64 `toml:"failure_rate"`
	OpenSeconds int     `toml:"open_seconds"`
}

// ServiceConfig describes one upstream service in the static registry.
// Header values of the form "env:NAME" are read from the environment at lookup time.
type ServiceConfig struct {
	BaseURL string            `toml:"base_url"`
	Headers map[string]string `toml:"headers"`
}

// RegistryConfig holds optional dynamic service registries.
type RegistryConfig struct {
	Redis RedisConfig `toml:"redis"`
}

// RedisConfig points the registry at a Redis hash per service.
type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/stream-relay/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadServices re-reads only the [services] table from path.
// It is used by the watcher to hot-reload the static registry.
func LoadServices(path string) (map[string]ServiceConfig, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateServices(cfg.Services); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg.Services, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.SharedSecret != "" {
		c.Auth.SharedSecret = cli.SharedSecret
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Auth.SharedSecret == "" {
		return fmt.Errorf("auth.shared_secret is required")
	}
	if c.Auth.SharedSecret == placeholderSecret {
		return fmt.Errorf("auth.shared_secret contains placeholder value; set a real secret")
	}

	if err := validateServices(c.Services); err != nil {
		return err
	}
	if c.Relay.DefaultService != "" && !c.Registry.Redis.Enabled {
		if _, ok := c.Services[c.Relay.DefaultService]; !ok {
			return fmt.Errorf("relay.default_service %q is not defined in [services]", c.Relay.DefaultService)
		}
	}
	if c.Registry.Redis.Enabled && c.Registry.Redis.Addr == "" {
		return fmt.Errorf("registry.redis.addr is required when the redis registry is enabled")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit.burst must be >= 0; got %d", c.Server.RateLimit.Burst)
	}
	cb := c.Upstream.CircuitBreaker
	if cb.MinRequests < 0 || cb.OpenSeconds < 0 {
		return fmt.Errorf("upstream.circuit_breaker min_requests and open_seconds must be non-negative")
	}
	if cb.FailureRate < 0 || cb.FailureRate > 1 {
		return fmt.Errorf("upstream.circuit_breaker.failure_rate must be within [0, 1]; got %v", cb.FailureRate)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateServices(services map[string]ServiceConfig) error {
	for name, svc := range services {
		if svc.BaseURL == "" {
			return fmt.Errorf("services.%s.base_url is required", name)
		}
		u, err := url.Parse(svc.BaseURL)
		if err != nil {
			return fmt.Errorf("services.%s.base_url is not a valid URL: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("services.%s.base_url must use http or https; got %q", name, svc.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("services.%s.base_url has no host; got %q", name, svc.BaseURL)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "X-Shared-Secret"
	}
	if c.Relay.ServiceHeader == "" {
		c.Relay.ServiceHeader = "X-Service-Name"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 600
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.CircuitBreaker.MinRequests == 0 {
		c.Upstream.CircuitBreaker.MinRequests = 10
	}
	if c.Upstream.CircuitBreaker.FailureRate == 0 {
		c.Upstream.CircuitBreaker.FailureRate = 0.5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 30
	}
	if c.Registry.Redis.KeyPrefix == "" {
		c.Registry.Redis.KeyPrefix = "stream-relay:service:"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FilePath returns the config file the configuration was loaded from.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file carries the shared secret and upstream credentials.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
