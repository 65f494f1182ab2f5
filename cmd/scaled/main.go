package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/imagescale/cmd/scaled/container"
	"github.com/lyzr/imagescale/cmd/scaled/routes"
	"github.com/lyzr/imagescale/common/bootstrap"
	"github.com/lyzr/imagescale/common/metrics"
	commonmw "github.com/lyzr/imagescale/common/middleware"
	"github.com/lyzr/imagescale/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap common components (DB, redis, blob store, telemetry)
	components, err := bootstrap.Setup(ctx, "scaled")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap scaled: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}
	serviceContainer.Start(ctx)

	host := metrics.GetHost()
	components.Logger.Info("host detected",
		"cpus", host.CPULogical,
		"memory_mb", host.TotalMemoryMB,
		"container", host.ContainerRuntime)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components, serviceContainer)
	registerRoutes(e, serviceContainer)

	srv := server.New("scaled", components.Config.Service.Port, e, components.Logger)
	// placeholders of unfinished derivations stay and render on access
	srv.OnShutdown(serviceContainer.Stop)

	if err := srv.Start(ctx); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(commonmw.TraceID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components, serviceContainer *container.Container) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		body := map[string]interface{}{
			"status":  "ok",
			"service": "scaled",
		}
		if verbose, _ := strconv.ParseBool(c.QueryParam("verbose")); verbose {
			body["host"] = metrics.GetHost()
			body["runtime"] = metrics.CaptureRuntime()
			if serviceContainer.Queue != nil {
				body["queue"] = serviceContainer.Queue.Stats()
			}
		}
		return c.JSON(http.StatusOK, body)
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterSourceRoutes(e, serviceContainer)
	routes.RegisterImageRoutes(e, serviceContainer)
}
