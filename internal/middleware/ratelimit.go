package middleware

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"ahc-proxy-go/internal/config"
)

// RateLimiter returns a per-IP limiter for the admin server, or nil when
// limiting is disabled. Proxy traffic never passes through it.
func RateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled || cfg.RequestsPerSecond <= 0 {
		return nil
	}
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	logger.Info("admin rate limiter enabled", "rps", cfg.RequestsPerSecond)
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		},
	})
}
