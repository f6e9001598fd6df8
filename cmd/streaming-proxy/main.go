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
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"streaming-proxy-go/internal/client"
	"streaming-proxy-go/internal/config"
	"streaming-proxy-go/internal/handler"
	"streaming-proxy-go/internal/metrics"
	"streaming-proxy-go/internal/middleware"
	"streaming-proxy-go/internal/proxy"
	"streaming-proxy-go/internal/resolver"
	"streaming-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// adminServer is the Echo instance serving health, status and metrics.
type adminServer struct {
	*echo.Echo
}

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("streaming-proxy"),
		kong.Description("Streaming reverse HTTP proxy with pluggable destination resolvers."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newResolver,
			newEcho,
			newAdmin,
			client.NewUpstream,
			service.NewForwarder,
			proxy.NewHandler,
			handler.NewMatcher,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerAdminRoutes, warnConfigPermissions, startServers),
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

// newResolver builds the configured resolver and registers its cleanup.
// The hook is appended before the servers' hooks, so it runs after they
// have shut down.
func newResolver(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (resolver.Resolver, error) {
	r, err := resolver.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}
	logger.Info("resolver ready", "kind", cfg.Resolver.Kind)

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			logger.Info("cleaning up resolver", "kind", cfg.Resolver.Kind)
			return r.Cleanup()
		},
	})
	return r, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	// WriteTimeout stays 0: relays of large bodies may legitimately run long.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.With("component", "access")))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(middleware.BodyLimit(cfg.Server.BodyMaxBytes))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdmin(logger *slog.Logger) *adminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger.With("component", "admin")))
	e.Use(middleware.AdminHeaders())

	return &adminServer{Echo: e}
}

func registerAdminRoutes(a *adminServer, h *handler.HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	if !cfg.Metrics.Enabled {
		m = nil
	}
	handler.RegisterAdminRoutes(a.Echo, h, m, cfg.Metrics.Path)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServers(lc fx.Lifecycle, e *echo.Echo, admin *adminServer, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := serve(e, cfg.Server.Addr(), "proxy", logger); err != nil {
				return err
			}
			if cfg.Admin.Enabled {
				if err := serve(admin.Echo, cfg.Admin.Addr(), "admin", logger); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down servers")
			var err error
			if cfg.Admin.Enabled {
				err = multierr.Append(err, admin.Shutdown(ctx))
			}
			return multierr.Append(err, e.Shutdown(ctx))
		},
	})
}

func serve(e *echo.Echo, addr, name string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s listener %s: %w", name, addr, err)
	}
	logger.Info("starting server", "listener", name, "addr", addr)
	go func() {
		if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "listener", name, "err", err)
		}
	}()
	return nil
}
