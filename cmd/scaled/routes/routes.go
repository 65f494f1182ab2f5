package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/imagescale/cmd/scaled/container"
	"github.com/lyzr/imagescale/cmd/scaled/derivation"
	"github.com/lyzr/imagescale/cmd/scaled/handlers"
	"github.com/lyzr/imagescale/common/middleware"
)

// RegisterSourceRoutes registers upload and download of original images
func RegisterSourceRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewSourceHandler(c.Components, c.SourceService)

	items := e.Group("/items/:item")
	{
		items.GET("/fields", h.List)            // GET /items/doc-1/fields
		items.PUT("/fields/:field", h.Upload)   // PUT /items/doc-1/fields/image
		items.GET("/fields/:field", h.Download) // GET /items/doc-1/fields/image
	}
}

// RegisterImageRoutes registers scale access. Derivations scheduled while
// handling a request are enqueued once it succeeded.
func RegisterImageRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewImageHandler(c.Components, c.ScaleService)

	var enqueuer derivation.Enqueuer
	if c.Queue != nil {
		enqueuer = c.Queue
	}

	// renders may run on the request goroutine
	var limited []echo.MiddlewareFunc
	if c.Limiter != nil {
		cfg := c.Components.Config.RateLimit
		limited = append(limited, middleware.RenderRateLimitMiddleware(c.Limiter, cfg.RenderLimit, cfg.WindowSeconds))
	}

	items := e.Group("/items/:item")
	items.Use(derivation.Middleware(enqueuer))
	{
		items.GET("/@@images", h.List)                      // GET /items/doc-1/@@images
		items.GET("/@@images/:uid", h.Image)                // GET /items/doc-1/@@images/image-200-3f2a...
		items.POST("/@@images/clear", h.Clear)              // POST /items/doc-1/@@images/clear
		items.GET("/@@scale/:field", h.Scale, limited...)   // GET /items/doc-1/@@scale/image?scale=preview
		items.GET("/@@srcset/:field", h.Srcset, limited...) // GET /items/doc-1/@@srcset/image?scale=preview
	}
}
