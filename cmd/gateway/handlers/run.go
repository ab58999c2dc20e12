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

// RunHandler handles run submission and run reads
type RunHandler struct {
	runs *service.RunService
	log  *logger.Logger
}

// NewRunHandler creates a run handler
func NewRunHandler(runs *service.RunService, log *logger.Logger) *RunHandler {
	return &RunHandler{runs: runs, log: log}
}

// SubmitRun submits a workflow run
// POST /v1/runs
func (h *RunHandler) SubmitRun(c echo.Context) error {
	var req models.RunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":   models.CodeValidationError,
			"message": "invalid request body",
		})
	}

	view, created, err := h.runs.Submit(c.Request().Context(), &req)
	if err != nil {
		h.log.WithRequestID(requestID(c)).Warn("submit rejected", "run_id", req.RunID, "error", err)
		return respondError(c, err)
	}

	// A resubmitted runId returns the existing view with 200, not an error
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, view)
}

// GetRun returns the current view of a run
// GET /v1/runs/:id
func (h *RunHandler) GetRun(c echo.Context) error {
	view, err := h.runs.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// GetRunDetails returns the run view plus its node execution records
// GET /v1/runs/:id/nodes
func (h *RunHandler) GetRunDetails(c echo.Context) error {
	details, err := h.runs.GetRunDetails(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, details)
}

// ListRuns lists recent runs for a tenant
// GET /v1/runs?tenantId=t1&status=RUNNING&limit=50
func (h *RunHandler) ListRuns(c echo.Context) error {
	tenantID := middleware.TenantParam(c)
	status := models.RunStatus(c.QueryParam("status"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	runs, err := h.runs.ListRuns(c.Request().Context(), tenantID, status, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}
