package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/cmd/praxis/handlers"
)

// RegisterApprovalRoutes registers human-approval routes.
func RegisterApprovalRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewApprovalHandler(c)

	ap := e.Group("/api/v1/approvals")
	{
		ap.GET("", h.ListPending)
		ap.GET("/:id", h.Get)
		ap.POST("/:id/decide", h.Decide)
	}
}
