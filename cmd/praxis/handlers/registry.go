package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/registry"
)

// RegistryHandler exposes read access to the component registry.
type RegistryHandler struct {
	c *container.Container
}

// NewRegistryHandler creates a registry handler.
func NewRegistryHandler(c *container.Container) *RegistryHandler {
	return &RegistryHandler{c: c}
}

// ListSpace returns the registered names in one space.
// GET /api/v1/registry/:space
func (h *RegistryHandler) ListSpace(c echo.Context) error {
	space := registry.Space(c.Param("space"))
	if !registry.ValidSpace(space) {
		return errorJSON(c, http.StatusBadRequest, "ValidationError", "unknown registry space")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"space":   space,
		"entries": h.c.Components.List(space),
	})
}
