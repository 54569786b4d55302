package main

import (
	"context"
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

	"ahc-proxy-go/internal/aggregator"
	"ahc-proxy-go/internal/buffer"
	"ahc-proxy-go/internal/client"
	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/filter"
	"ahc-proxy-go/internal/handler"
	"ahc-proxy-go/internal/metrics"
	"ahc-proxy-go/internal/middleware"
	"ahc-proxy-go/internal/notify"
	"ahc-proxy-go/internal/router"
	"ahc-proxy-go/internal/server"
	"ahc-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("ahc-proxy"),
		kong.Description("Forward and reverse HTTP proxy with CONNECT tunnels and cluster fan-out."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	switch kctx.Command() {
	case "send":
		kctx.FatalIfErrorf(runSend(context.Background(), &cli.Send, os.Stdout))
	default:
		newApp(&cli).Run()
	}
}

func newApp(cli *config.CLI) *fx.App {
	return fx.New(appOptions(cli))
}

func appOptions(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			buffer.NewPool,
			filter.New,
			newRouter,
			newBackendClient,
			newRegistry,
			newSink,
			service.NewProxyService,
			newProxyServer,
			newEcho,
			newHealthHandler,
			newRouteHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startProxy, startAdmin),
	)
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

	return slog.New(h).With("service", "ahc-proxy")
}

// newRouter gates requests through the content filter.
func newRouter(cfg *config.Config, f *filter.Filter, logger *slog.Logger) (*router.Router, error) {
	return router.New(cfg, f, logger)
}

func newBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *client.BackendClient {
	return client.NewBackendClient(cfg, logger, m)
}

func newRegistry(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *aggregator.Registry {
	return aggregator.NewRegistry(cfg, logger, m)
}

func newSink(logger *slog.Logger, m *metrics.Metrics) notify.Sink {
	return notify.NewLogSink(logger, m)
}

func newProxyServer(
	cfg *config.Config,
	svc *service.ProxyService,
	pool *buffer.Pool,
	f *filter.Filter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *server.Server {
	return server.New(cfg, svc, pool, f, m, logger)
}

func newHealthHandler(cfg *config.Config, v handler.Version, srv *server.Server, reg *aggregator.Registry) *handler.HealthHandler {
	return handler.NewHealthHandler(cfg, v, srv, reg)
}

func newRouteHandler(r *router.Router, svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *handler.RouteHandler {
	return handler.NewRouteHandler(r, svc, cfg, logger)
}

func newEcho(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, "/healthz", cfg.Metrics.Path))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit("64KB"))
	e.Use(middleware.SecurityHeaders())

	if rl := middleware.RateLimiter(cfg.Admin.RateLimit, logger); rl != nil {
		e.Use(rl)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// startProxy binds the proxy listener on start. On stop it closes client
// connections, finalizes pending aggregations and waits for backend work.
func startProxy(lc fx.Lifecycle, srv *server.Server, svc *service.ProxyService, reg *aggregator.Registry, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return srv.Start()
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy")
			err := srv.Shutdown(ctx)
			reg.Close()
			svc.Wait()
			return err
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
