package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/aetheriq/flowcore/cmd/gateway/container"
	"github.com/aetheriq/flowcore/cmd/gateway/handlers"
	"github.com/aetheriq/flowcore/cmd/gateway/middleware"
)

// RegisterWorkflowRoutes registers workflow definition routes
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c.WorkflowService, c.Components.Logger)

	workflows := e.Group("/v1/workflows")
	workflows.Use(middleware.ExtractTenant()) // X-Tenant-ID into context
	{
		workflows.POST("", h.SaveWorkflow)    // POST /v1/workflows
		workflows.GET("", h.ListWorkflows)    // GET  /v1/workflows?tenantId=t1
		workflows.GET("/:id", h.GetWorkflow)  // GET  /v1/workflows/{workflow_id}
	}
}
