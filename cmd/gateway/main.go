package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/aetheriq/flowcore/cmd/gateway/container"
	"github.com/aetheriq/flowcore/cmd/gateway/routes"
	"github.com/aetheriq/flowcore/common/bootstrap"
	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/db"
	commonmw "github.com/aetheriq/flowcore/common/middleware"
	"github.com/aetheriq/flowcore/common/repository"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("gateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Bootstrap common components (DB, Redis, logger, metrics, telemetry)
	components, err := bootstrap.Setup(ctx, "gateway",
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.InitSchema(ctx, database, cfg)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap gateway: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		components.Logger.Error("failed to initialize service container", "error", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e, serviceContainer)
	setupOpsRoutes(e, serviceContainer)
	registerRoutes(e, serviceContainer)

	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, c *container.Container) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(commonmw.GlobalRateLimit(c.Limiter, c.Components.Config.Limits.GlobalRunsPerMin))
}

// setupOpsRoutes registers health and metrics endpoints
func setupOpsRoutes(e *echo.Echo, c *container.Container) {
	e.GET("/health", func(ec echo.Context) error {
		if err := c.Components.Health(ec.Request().Context()); err != nil {
			return ec.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return ec.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "gateway",
		})
	})
	e.GET("/metrics", echo.WrapHandler(c.Components.Metrics.Handler()))
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterRunRoutes(e, c)
	routes.RegisterWorkflowRoutes(e, c)
}

// startServer runs the Echo server until a shutdown signal arrives, then
// drains in-flight requests.
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("starting gateway", "port", port)

	go func() {
		if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && err != http.ErrServerClosed {
			components.Logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	components.Logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		components.Logger.Error("graceful shutdown failed", "error", err)
	}
}
