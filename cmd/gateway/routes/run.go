// Package routes registers the gateway's HTTP routes against the service
// container.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/aetheriq/flowcore/cmd/gateway/container"
	"github.com/aetheriq/flowcore/cmd/gateway/handlers"
	"github.com/aetheriq/flowcore/cmd/gateway/middleware"
)

// RegisterRunRoutes registers run submission and read routes
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c.RunService, c.Components.Logger)

	runs := e.Group("/v1/runs")
	runs.Use(middleware.ExtractTenant()) // X-Tenant-ID into context
	{
		runs.POST("", h.SubmitRun)               // POST /v1/runs
		runs.GET("", h.ListRuns)                 // GET  /v1/runs?tenantId=t1
		runs.GET("/:id", h.GetRun)               // GET  /v1/runs/{run_id}
		runs.GET("/:id/nodes", h.GetRunDetails)  // GET  /v1/runs/{run_id}/nodes
	}
}
