package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/cmd/praxis/handlers"
)

// RegisterBlueprintRoutes registers blueprint CRUD, validation, and
// draft routes.
func RegisterBlueprintRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewBlueprintHandler(c)

	bp := e.Group("/api/v1/blueprints")
	{
		bp.POST("", h.Create)
		bp.POST("/validate", h.Validate)
		bp.GET("", h.List)
		bp.GET("/:id", h.Get)
		bp.PUT("/:id", h.Update)
		bp.PATCH("/:id", h.Update)
		bp.DELETE("/:id", h.Delete)
	}

	d := handlers.NewDraftHandler(c)
	drafts := e.Group("/api/v1/drafts")
	{
		drafts.POST("", d.Create)
		drafts.GET("/:id", d.Get)
		drafts.PATCH("/:id", d.Patch)
		drafts.POST("/:id/finalize", d.Finalize)
	}
}
