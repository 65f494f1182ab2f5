package middleware

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/imagescale/common/logger"
)

// TraceID copies the request id (set by echo's RequestID middleware) into
// the request context so logger.WithContext picks it up.
func TraceID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			if id == "" {
				id = c.Request().Header.Get(echo.HeaderXRequestID)
			}
			if id != "" {
				req := c.Request()
				c.SetRequest(req.WithContext(context.WithValue(req.Context(), logger.TraceIDKey, id)))
			}
			return next(c)
		}
	}
}
