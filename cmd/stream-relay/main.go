package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"stream-relay/internal/client"
	"stream-relay/internal/config"
	"stream-relay/internal/handler"
	"stream-relay/internal/metrics"
	"stream-relay/internal/middleware"
	"stream-relay/internal/registry"
	"stream-relay/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("stream-relay"),
		kong.Description("Streaming relay from named upstream services to SSE clients."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newStaticRegistry,
			newResolver,
			fx.Annotate(client.NewUpstreamClient, fx.As(new(service.Upstream))),
			service.NewRelayService,
			handler.NewRelayHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, watchServices, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// ReadTimeout and WriteTimeout stay disabled: an expired read deadline
	// cancels the request context mid-stream. Relays, including the request
	// body read, are bounded by upstream.timeout_seconds instead.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger, handler.HealthPath))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled",
			"rps", cfg.Server.RateLimit.RequestsPerSecond,
			"burst", cfg.Server.RateLimit.Burst,
		)
	}

	return e
}

func newStaticRegistry(cfg *config.Config) (*registry.Static, error) {
	return registry.NewStatic(cfg.Services)
}

// newResolver consults the static table first and then, when enabled, Redis.
func newResolver(lc fx.Lifecycle, cfg *config.Config, static *registry.Static, logger *slog.Logger) registry.Resolver {
	chain := registry.Chain{static}
	if !cfg.Registry.Redis.Enabled {
		return chain
	}

	rc := registry.NewRedisClient(cfg.Registry.Redis)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rc.Ping(ctx).Err(); err != nil {
				logger.Warn("redis registry unreachable; lookups will fail until it recovers",
					"addr", cfg.Registry.Redis.Addr,
					"err", err,
				)
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			return rc.Close()
		},
	})
	logger.Info("redis registry enabled", "addr", cfg.Registry.Redis.Addr, "key_prefix", cfg.Registry.Redis.KeyPrefix)
	return append(chain, registry.NewRedis(rc, cfg.Registry.Redis.KeyPrefix))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// watchServices reloads the [services] table when the config file changes.
func watchServices(lc fx.Lifecycle, cfg *config.Config, static *registry.Static, logger *slog.Logger) error {
	path := cfg.FilePath()
	if path == "" {
		return nil
	}

	w, err := config.NewWatcher(path, func(services map[string]config.ServiceConfig) {
		if err := static.Replace(services); err != nil {
			logger.Error("services reload rejected", "err", err)
			return
		}
		logger.Info("services reloaded", "services", static.Names())
	}, logger)
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return w.Start()
		},
		OnStop: func(_ context.Context) error {
			return w.Stop()
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
