package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/cmd/praxis/handlers"
)

// RegisterRegistryRoutes registers component-registry read routes.
func RegisterRegistryRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRegistryHandler(c)

	e.GET("/api/v1/registry/:space", h.ListSpace)
}
