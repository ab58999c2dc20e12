package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/aetheriq/flowcore/cmd/gateway/middleware"
	"github.com/aetheriq/flowcore/cmd/gateway/service"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/models"
)

// WorkflowHandler handles workflow definition writes and reads
type WorkflowHandler struct {
	workflows *service.WorkflowService
	log       *logger.Logger
}

// NewWorkflowHandler creates a workflow handler
func NewWorkflowHandler(workflows *service.WorkflowService, log *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows, log: log}
}

// SaveWorkflow validates and stores a workflow as its next version
// POST /v1/workflows
func (h *WorkflowHandler) SaveWorkflow(c echo.Context) error {
	var g models.WorkflowGraph
	if err := c.Bind(&g); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":   models.CodeValidationError,
			"message": "invalid request body",
		})
	}

	result, err := h.workflows.Save(c.Request().Context(), &g)
	if err != nil {
		h.log.WithRequestID(requestID(c)).Warn("workflow rejected", "workflow_id", g.WorkflowID, "error", err)
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// GetWorkflow returns a workflow version, latest active when version is omitted
// GET /v1/workflows/:id?tenantId=t1&version=2
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	tenantID := middleware.TenantParam(c)
	if tenantID == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":   models.CodeValidationError,
			"message": "tenantId is required",
		})
	}
	version, _ := strconv.Atoi(c.QueryParam("version"))

	g, err := h.workflows.Get(c.Request().Context(), tenantID, c.Param("id"), version)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

// ListWorkflows lists a tenant's workflow definitions
// GET /v1/workflows?tenantId=t1&limit=50
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	tenantID := middleware.TenantParam(c)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	workflows, err := h.workflows.List(c.Request().Context(), tenantID, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"workflows": workflows,
		"count":     len(workflows),
	})
}
