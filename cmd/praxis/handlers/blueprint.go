package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/compiler"
)

// VersionLockHeader carries the optimistic-concurrency token on blueprint
// mutations.
const VersionLockHeader = "X-Version-Lock"

// BlueprintHandler handles blueprint CRUD and validation.
type BlueprintHandler struct {
	c *container.Container
}

// NewBlueprintHandler creates a blueprint handler.
func NewBlueprintHandler(c *container.Container) *BlueprintHandler {
	return &BlueprintHandler{c: c}
}

// Create stores a new blueprint.
// POST /api/v1/blueprints  (X-Version-Lock: __new__)
func (h *BlueprintHandler) Create(c echo.Context) error {
	lock := c.Request().Header.Get(VersionLockHeader)
	if lock == "" {
		return errorJSON(c, http.StatusPreconditionRequired, "VersionConflict", "X-Version-Lock header is required; use __new__ for creation")
	}

	bp := &blueprint.Blueprint{}
	if err := c.Bind(bp); err != nil {
		return errorJSON(c, http.StatusBadRequest, "ValidationError", "request body is not a valid blueprint")
	}
	bp.ApplyDefaults()

	if resp := h.compileError(c, bp); resp != nil {
		return resp
	}

	stored, err := h.c.Blueprints.Create(c.Request().Context(), bp, lock)
	if err != nil {
		return h.storeError(c, err)
	}

	c.Response().Header().Set(VersionLockHeader, stored.VersionLock)
	return c.JSON(http.StatusCreated, stored)
}

// Update replaces a blueprint under its current version lock.
// PUT /api/v1/blueprints/:id  (X-Version-Lock: <current>)
func (h *BlueprintHandler) Update(c echo.Context) error {
	lock := c.Request().Header.Get(VersionLockHeader)
	if lock == "" {
		return errorJSON(c, http.StatusPreconditionRequired, "VersionConflict", "X-Version-Lock header is required for updates")
	}

	bp := &blueprint.Blueprint{}
	if err := c.Bind(bp); err != nil {
		return errorJSON(c, http.StatusBadRequest, "ValidationError", "request body is not a valid blueprint")
	}
	bp.ApplyDefaults()

	if resp := h.compileError(c, bp); resp != nil {
		return resp
	}

	stored, err := h.c.Blueprints.Update(c.Request().Context(), c.Param("id"), bp, lock)
	if err != nil {
		return h.storeError(c, err)
	}

	c.Response().Header().Set(VersionLockHeader, stored.VersionLock)
	return c.JSON(http.StatusOK, stored)
}

// Get returns a blueprint by id.
// GET /api/v1/blueprints/:id
func (h *BlueprintHandler) Get(c echo.Context) error {
	bp, err := h.c.Blueprints.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(http.StatusOK, bp)
}

// List returns all blueprints.
// GET /api/v1/blueprints
func (h *BlueprintHandler) List(c echo.Context) error {
	bps, err := h.c.Blueprints.List(c.Request().Context())
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"blueprints": bps})
}

// Delete removes a blueprint.
// DELETE /api/v1/blueprints/:id
func (h *BlueprintHandler) Delete(c echo.Context) error {
	if err := h.c.Blueprints.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return h.storeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Validate compiles a blueprint without storing it.
// POST /api/v1/blueprints/validate?partial=true
func (h *BlueprintHandler) Validate(c echo.Context) error {
	bp := &blueprint.Blueprint{}
	if err := c.Bind(bp); err != nil {
		return errorJSON(c, http.StatusBadRequest, "ValidationError", "request body is not a valid blueprint")
	}
	bp.ApplyDefaults()

	compiled, err := compiler.Compile(bp, h.compileOptions(c.QueryParam("partial") == "true"))
	if err != nil {
		var cycle *compiler.CircularDependencyError
		if errors.As(err, &cycle) {
			return c.JSON(http.StatusOK, map[string]any{
				"valid": false,
				"error": map[string]any{"kind": "CircularDependency", "message": cycle.Error(), "cycle": cycle.Cycle},
			})
		}
		var verrs compiler.ValidationErrors
		if errors.As(err, &verrs) {
			return c.JSON(http.StatusOK, map[string]any{
				"valid":  false,
				"errors": verrs,
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"valid": false,
			"error": map[string]any{"kind": "ValidationError", "message": err.Error()},
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"valid":          true,
		"estimated_cost": compiled.EstimatedCost,
		"levels":         compiled.Graph.Levels(),
	})
}

// compileError validates a blueprint for storage and renders failures.
// Returns nil when the blueprint compiles.
func (h *BlueprintHandler) compileError(c echo.Context, bp *blueprint.Blueprint) error {
	_, err := compiler.Compile(bp, h.compileOptions(false))
	if err == nil {
		return nil
	}

	var cycle *compiler.CircularDependencyError
	if errors.As(err, &cycle) {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error": map[string]any{"kind": "CircularDependency", "message": cycle.Error(), "cycle": cycle.Cycle},
		})
	}
	return c.JSON(http.StatusBadRequest, map[string]any{
		"error": map[string]any{"kind": "ValidationError", "message": err.Error()},
	})
}

func (h *BlueprintHandler) compileOptions(partial bool) compiler.Options {
	eng := h.c.Config.Engine
	return compiler.Options{
		Registry:      h.c.Components,
		AllowedModels: eng.AllowedModels,
		BudgetCeiling: eng.BudgetCeiling,
		DepthCeiling:  eng.DepthCeiling,
		Partial:       partial,
	}
}

// storeError maps blueprint store failures to HTTP statuses.
func (h *BlueprintHandler) storeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, blueprint.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "ValidationError", "blueprint not found")
	case errors.Is(err, blueprint.ErrLockRequired):
		return errorJSON(c, http.StatusPreconditionRequired, "VersionConflict", err.Error())
	case errors.Is(err, blueprint.ErrVersionConflict):
		return errorJSON(c, http.StatusConflict, "VersionConflict", err.Error())
	default:
		return errorJSON(c, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

// errorJSON renders the structured error envelope every endpoint uses.
func errorJSON(c echo.Context, status int, kind, message string) error {
	return c.JSON(status, map[string]any{
		"error": map[string]any{"kind": kind, "message": message},
	})
}
