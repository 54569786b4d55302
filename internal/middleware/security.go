package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// liveStatePrefix covers admin routes whose bodies describe live proxy state.
const liveStatePrefix = "/proxy/"

// SecurityHeaders marks admin responses as non-sniffable and non-framable.
// Responses under /proxy/ reflect live connection and routing state and are
// never cached.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderXContentTypeOptions, "nosniff")
			h.Set(echo.HeaderXFrameOptions, "DENY")
			if strings.HasPrefix(c.Request().URL.Path, liveStatePrefix) {
				h.Set(echo.HeaderCacheControl, "no-store")
			}
			return next(c)
		}
	}
}
