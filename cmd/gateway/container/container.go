// Package container wires the gateway's repositories and services once at
// startup so handlers share a single instance of each.
package container

import (
	"fmt"

	"github.com/aetheriq/flowcore/cmd/gateway/service"
	"github.com/aetheriq/flowcore/common/bootstrap"
	"github.com/aetheriq/flowcore/common/cache"
	"github.com/aetheriq/flowcore/common/events"
	"github.com/aetheriq/flowcore/common/expr"
	"github.com/aetheriq/flowcore/common/queue"
	"github.com/aetheriq/flowcore/common/ratelimit"
	"github.com/aetheriq/flowcore/common/repository"
)

// Container holds all initialized repositories and services
type Container struct {
	Components *bootstrap.Components

	// Repositories
	RunRepo      *repository.RunRepository
	NodeRepo     *repository.NodeExecutionRepository
	WorkflowRepo *repository.WorkflowRepository

	// Shared infrastructure
	Queue   *queue.RedisQueue
	Emitter *events.Emitter
	Limiter *ratelimit.Limiter

	// Services
	RunService      *service.RunService
	WorkflowService *service.WorkflowService
}

// NewContainer initializes all repositories and services once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	runRepo := repository.NewRunRepository(components.DB, cfg.Database.RunTable)
	nodeRepo := repository.NewNodeExecutionRepository(components.DB, cfg.Database.NodeExecutionTable)
	workflowRepo := repository.NewWorkflowRepository(components.DB, cfg.Database.WorkflowTable,
		cache.NewMemoryCache(components.Logger))

	workQueue := queue.NewRedisQueue(components.Redis, cfg, components.Logger)
	bus := events.NewRedisBus(components.Redis, cfg)
	emitter := events.NewEmitter(bus, cfg.Events.Source, components.Logger, components.Metrics)
	limiter := ratelimit.NewLimiter(components.Redis.GetUnderlying(), components.Logger)

	evaluator, err := expr.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	runService := service.NewRunService(&service.RunServiceOpts{
		Runs:    runRepo,
		Nodes:   nodeRepo,
		Queue:   workQueue,
		Emitter: emitter,
		Limiter: limiter,
		Config:  cfg,
		Metrics: components.Metrics,
		Log:     components.Logger,
	})
	workflowService := service.NewWorkflowService(workflowRepo, evaluator, components.Logger)

	return &Container{
		Components:      components,
		RunRepo:         runRepo,
		NodeRepo:        nodeRepo,
		WorkflowRepo:    workflowRepo,
		Queue:           workQueue,
		Emitter:         emitter,
		Limiter:         limiter,
		RunService:      runService,
		WorkflowService: workflowService,
	}, nil
}
