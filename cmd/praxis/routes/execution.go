package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/cmd/praxis/handlers"
	"github.com/praxis-ai/praxis/cmd/praxis/middleware"
)

// RegisterExecutionRoutes registers execution lifecycle and event stream
// routes.
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecutionHandler(c)
	ev := handlers.NewEventHandler(c)

	ex := e.Group("/api/v1/executions")
	ex.Use(middleware.ExtractIdentity())
	{
		ex.POST("", h.Start)
		ex.GET("", h.List)
		ex.GET("/:id", h.Get)
		ex.POST("/:id/cancel", h.Cancel)
		ex.GET("/:id/stream", ev.Stream)
	}
}
