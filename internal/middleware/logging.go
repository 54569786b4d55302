// Package middleware provides Echo middleware for the admin server.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger logs each admin request. Requests to quietPaths, typically
// liveness and scrape endpoints, are logged at debug level unless they fail.
func RequestLogger(logger *slog.Logger, quietPaths ...string) echo.MiddlewareFunc {
	logger = logger.With("component", "admin")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}

			attrs := []any{
				"method", req.Method,
				"route", c.Path(),
				"path", req.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
			}
			if err != nil {
				attrs = append(attrs, "error", err)
			}
			logger.Log(req.Context(), requestLevel(status, slices.Contains(quietPaths, req.URL.Path)), "admin request", attrs...)
			return err
		}
	}
}

func requestLevel(status int, quiet bool) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case quiet:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
