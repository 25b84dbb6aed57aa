package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/cmd/praxis/middleware"
	"github.com/praxis-ai/praxis/memory"
	"github.com/praxis-ai/praxis/store"
)

// StartRequest starts a workflow from a stored blueprint id or an inline
// blueprint document.
type StartRequest struct {
	BlueprintID string               `json:"blueprint_id,omitempty"`
	Blueprint   *blueprint.Blueprint `json:"blueprint,omitempty"`
	Inputs      map[string]any       `json:"inputs,omitempty"`
}

// ExecutionHandler handles execution lifecycle requests.
type ExecutionHandler struct {
	c *container.Container
}

// NewExecutionHandler creates an execution handler.
func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{c: c}
}

// Start launches a workflow execution.
// POST /api/v1/executions
func (h *ExecutionHandler) Start(c echo.Context) error {
	req := &StartRequest{}
	if err := c.Bind(req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "ValidationError", "request body is not a valid start request")
	}

	var bp *blueprint.Blueprint
	switch {
	case req.BlueprintID != "":
		stored, err := h.c.Blueprints.Get(c.Request().Context(), req.BlueprintID)
		if err != nil {
			if errors.Is(err, blueprint.ErrNotFound) {
				return errorJSON(c, http.StatusNotFound, "ValidationError", "blueprint not found")
			}
			return errorJSON(c, http.StatusInternalServerError, "InternalError", err.Error())
		}
		bp = stored
	case req.Blueprint != nil:
		req.Blueprint.ApplyDefaults()
		bp = req.Blueprint
	default:
		return errorJSON(c, http.StatusBadRequest, "ValidationError", "either blueprint_id or blueprint is required")
	}

	identity := memory.Identity{OrgID: middleware.GetOrg(c), UserID: middleware.GetUser(c)}
	executionID, err := h.c.Engine.Start(c.Request().Context(), bp, req.Inputs, identity)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "InternalError", err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]any{"execution_id": executionID})
}

// Get returns an execution record.
// GET /api/v1/executions/:id
func (h *ExecutionHandler) Get(c echo.Context) error {
	rec, err := h.c.Executions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "ValidationError", "execution not found")
		}
		return errorJSON(c, http.StatusInternalServerError, "InternalError", err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

// List returns all execution records, newest first.
// GET /api/v1/executions
func (h *ExecutionHandler) List(c echo.Context) error {
	recs, err := h.c.Executions.List(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "InternalError", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": recs})
}

// Cancel requests cancellation of a running execution.
// POST /api/v1/executions/:id/cancel
func (h *ExecutionHandler) Cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.c.Engine.Cancel(id); err != nil {
		if _, gerr := h.c.Executions.Get(c.Request().Context(), id); gerr != nil {
			return errorJSON(c, http.StatusNotFound, "ValidationError", "execution not found")
		}
		return errorJSON(c, http.StatusConflict, "ValidationError", err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]any{"execution_id": id, "status": "canceling"})
}
