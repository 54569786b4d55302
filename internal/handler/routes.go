package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/metrics"
)

// RegisterRoutes wires the admin endpoints onto the Echo instance. /metrics is
// only served when metrics are enabled.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, health *HealthHandler, route *RouteHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/proxy/route", route.Resolve)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(metricsHandler(m)))
	}
}

func metricsHandler(m *metrics.Metrics) http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
