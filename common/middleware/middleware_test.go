package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/stretchr/testify/assert"

	"github.com/lyzr/imagescale/common/logger"
	"github.com/lyzr/imagescale/common/ratelimit"
)

type fakeLimiter struct {
	calls  int
	result *ratelimit.RateLimitResult
	err    error
}

func (f *fakeLimiter) CheckRenderLimit(ctx context.Context, client string, limit int64, windowSec int) (*ratelimit.RateLimitResult, error) {
	f.calls++
	return f.result, f.err
}

func serve(e *echo.Echo) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/render", nil))
	return rec
}

func TestRenderRateLimitMiddleware(t *testing.T) {
	cases := []struct {
		name    string
		limiter *fakeLimiter
		status  int
	}{
		{"allowed", &fakeLimiter{result: &ratelimit.RateLimitResult{Allowed: true}}, http.StatusOK},
		{"exceeded", &fakeLimiter{result: &ratelimit.RateLimitResult{Allowed: false, Limit: 1, RetryAfterSeconds: 30}}, http.StatusTooManyRequests},
		{"fails open", &fakeLimiter{err: errors.New("redis down")}, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := echo.New()
			e.GET("/render", func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			}, RenderRateLimitMiddleware(tc.limiter, 1, 60))

			rec := serve(e)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, 1, tc.limiter.calls)
			if tc.status == http.StatusTooManyRequests {
				assert.Equal(t, "30", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestTraceID(t *testing.T) {
	e := echo.New()
	e.Use(echomw.RequestID(), TraceID())

	var seen interface{}
	e.GET("/render", func(c echo.Context) error {
		seen = c.Request().Context().Value(logger.TraceIDKey)
		return c.NoContent(http.StatusOK)
	})

	rec := serve(e)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), seen)
}
