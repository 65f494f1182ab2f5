package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/imagescale/common/ratelimit"
)

// RenderLimiter is the part of ratelimit.RateLimiter the middleware needs
type RenderLimiter interface {
	CheckRenderLimit(ctx context.Context, client string, limit int64, windowSec int) (*ratelimit.RateLimitResult, error)
}

// RenderRateLimitMiddleware limits requests that may render synchronously,
// per client address. Fails open when Redis is unavailable.
func RenderRateLimitMiddleware(limiter RenderLimiter, limit int64, windowSec int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			client := c.RealIP()

			result, err := limiter.CheckRenderLimit(c.Request().Context(), client, limit, windowSec)
			if err != nil {
				// On error, allow request (fail open for availability)
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "render_rate_limit_exceeded",
					"message": "Too many scale renders. Please try again later.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window_seconds":      windowSec,
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
