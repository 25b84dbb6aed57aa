package handlers

import (
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/blueprint"
	"github.com/praxis-ai/praxis/cmd/praxis/container"
)

// DraftHandler manages blueprints under construction: a base snapshot
// plus a JSON-patch chain, finalized into a stored blueprint.
type DraftHandler struct {
	c *container.Container

	mu     sync.RWMutex
	drafts map[string]*blueprint.Draft
}

// NewDraftHandler creates a draft handler.
func NewDraftHandler(c *container.Container) *DraftHandler {
	return &DraftHandler{c: c, drafts: make(map[string]*blueprint.Draft)}
}

// Create opens a draft from a base blueprint.
// POST /api/v1/drafts
func (h *DraftHandler) Create(c echo.Context) error {
	base := &blueprint.Blueprint{}
	if err := c.Bind(base); err != nil {
		return errorJSON(c, http.StatusBadRequest, "ValidationError", "request body is not a valid blueprint")
	}
	base.ApplyDefaults()

	draft := blueprint.NewDraft(uuid.NewString(), base)

	h.mu.Lock()
	h.drafts[draft.ID] = draft
	h.mu.Unlock()

	return c.JSON(http.StatusCreated, draft)
}

// Get returns a draft.
// GET /api/v1/drafts/:id
func (h *DraftHandler) Get(c echo.Context) error {
	draft, found := h.lookup(c.Param("id"))
	if !found {
		return errorJSON(c, http.StatusNotFound, "ValidationError", "draft not found")
	}
	return c.JSON(http.StatusOK, draft)
}

// Patch appends one RFC 6902 patch document to the draft.
// PATCH /api/v1/drafts/:id
func (h *DraftHandler) Patch(c echo.Context) error {
	draft, found := h.lookup(c.Param("id"))
	if !found {
		return errorJSON(c, http.StatusNotFound, "ValidationError", "draft not found")
	}

	patch, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "ValidationError", "failed to read patch body")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := draft.ApplyPatch(patch); err != nil {
		return errorJSON(c, http.StatusBadRequest, "ValidationError", err.Error())
	}

	return c.JSON(http.StatusOK, draft)
}

// Finalize materializes the draft, compiles it, and stores the result as
// a new blueprint.
// POST /api/v1/drafts/:id/finalize
func (h *DraftHandler) Finalize(c echo.Context) error {
	draft, found := h.lookup(c.Param("id"))
	if !found {
		return errorJSON(c, http.StatusNotFound, "ValidationError", "draft not found")
	}

	bp, err := draft.Finalize()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "ValidationError", err.Error())
	}

	bh := NewBlueprintHandler(h.c)
	if resp := bh.compileError(c, bp); resp != nil {
		return resp
	}

	stored, err := h.c.Blueprints.Create(c.Request().Context(), bp, blueprint.LockNew)
	if err != nil {
		return bh.storeError(c, err)
	}

	h.mu.Lock()
	delete(h.drafts, draft.ID)
	h.mu.Unlock()

	c.Response().Header().Set(VersionLockHeader, stored.VersionLock)
	return c.JSON(http.StatusCreated, stored)
}

func (h *DraftHandler) lookup(id string) (*blueprint.Draft, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	draft, found := h.drafts[id]
	return draft, found
}
