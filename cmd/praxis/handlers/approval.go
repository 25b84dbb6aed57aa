package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/praxis-ai/praxis/cmd/praxis/container"
	"github.com/praxis-ai/praxis/store"
)

// DecideRequest carries a human approval decision.
type DecideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// ApprovalHandler handles human-node approval requests.
type ApprovalHandler struct {
	c *container.Container
}

// NewApprovalHandler creates an approval handler.
func NewApprovalHandler(c *container.Container) *ApprovalHandler {
	return &ApprovalHandler{c: c}
}

// ListPending returns approvals still awaiting a decision.
// GET /api/v1/approvals
func (h *ApprovalHandler) ListPending(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"approvals": h.c.Approvals.ListPending()})
}

// Get returns one approval.
// GET /api/v1/approvals/:id
func (h *ApprovalHandler) Get(c echo.Context) error {
	approval, err := h.c.Approvals.Get(c.Param("id"))
	if err != nil {
		return errorJSON(c, http.StatusNotFound, "ValidationError", "approval not found")
	}
	return c.JSON(http.StatusOK, approval)
}

// Decide resolves a pending approval.
// POST /api/v1/approvals/:id/decide
func (h *ApprovalHandler) Decide(c echo.Context) error {
	req := &DecideRequest{}
	if err := c.Bind(req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "ValidationError", "request body is not a valid decision")
	}

	if err := h.c.Approvals.Decide(c.Param("id"), req.Approved, req.Comment); err != nil {
		switch {
		case errors.Is(err, store.ErrApprovalNotFound):
			return errorJSON(c, http.StatusNotFound, "ValidationError", "approval not found")
		case errors.Is(err, store.ErrApprovalDecided):
			return errorJSON(c, http.StatusConflict, "ValidationError", "approval is already decided")
		default:
			return errorJSON(c, http.StatusInternalServerError, "InternalError", err.Error())
		}
	}

	approval, err := h.c.Approvals.Get(c.Param("id"))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "InternalError", err.Error())
	}
	return c.JSON(http.StatusOK, approval)
}
