package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/cmd/praxis/middleware"
	"github.com/praxis-ai/praxis/cmd/praxis/routes"
	"github.com/praxis-ai/praxis/common/config"
	"github.com/praxis-ai/praxis/common/server"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("praxis")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize service container (singleton pattern - all services created once)
	c, err := container.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}
	defer c.Shutdown(ctx)

	e := setupEcho()
	setupMiddleware(e, c)
	setupHealthCheck(e, c)
	registerRoutes(e, c)

	srv := server.New(cfg.Service.Name, cfg.Service.Port, e, c.Logger)
	if err := srv.Start(); err != nil {
		c.Logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, c *container.Container) {
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
	e.Use(middleware.BearerAuth(c.Config.Auth))
}

// setupHealthCheck registers the health and metrics endpoints
func setupHealthCheck(e *echo.Echo, c *container.Container) {
	e.GET("/health", func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": c.Config.Service.Name,
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})))
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterBlueprintRoutes(e, c)
	routes.RegisterExecutionRoutes(e, c)
	routes.RegisterApprovalRoutes(e, c)
	routes.RegisterRegistryRoutes(e, c)
}
