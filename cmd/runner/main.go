package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aetheriq/flowcore/cmd/runner/engine"
	"github.com/aetheriq/flowcore/cmd/runner/executor"
	"github.com/aetheriq/flowcore/cmd/runner/executor/security"
	"github.com/aetheriq/flowcore/cmd/runner/janitor"
	"github.com/aetheriq/flowcore/common/bootstrap"
	"github.com/aetheriq/flowcore/common/cache"
	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/db"
	"github.com/aetheriq/flowcore/common/events"
	"github.com/aetheriq/flowcore/common/expr"
	"github.com/aetheriq/flowcore/common/metrics"
	"github.com/aetheriq/flowcore/common/queue"
	"github.com/aetheriq/flowcore/common/repository"
	"github.com/aetheriq/flowcore/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("runner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "runner",
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.InitSchema(ctx, database, cfg)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("runner starting", metrics.GetSystemInfo().ToArgs()...)

	// Initialize dependencies
	deps, err := initializeDependencies(components)
	if err != nil {
		components.Logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}

	// Create the engine, janitor, and ops server
	runnerComponents := createRunnerComponents(deps, components)

	// Start all components
	errChan := startComponents(ctx, runnerComponents, components)

	components.Logger.Info("runner started successfully",
		"workers", components.Config.Engine.Workers,
		"stream", components.Config.Queue.Stream,
		"group", components.Config.Queue.Group,
	)

	// Wait for shutdown signal or error
	waitForShutdown(ctx, cancel, errChan, components)

	components.Logger.Info("runner shutting down gracefully")
}

// dependencies holds the stores and shared collaborators the runner
// components are built from
type dependencies struct {
	runs      *repository.RunRepository
	nodes     *repository.NodeExecutionRepository
	workflows *repository.WorkflowRepository
	queue     *queue.RedisQueue
	emitter   *events.Emitter
	evaluator *expr.Evaluator
	registry  *executor.Registry
	driver    *executor.RetryDriver
}

// runnerComponents holds everything startComponents runs
type runnerComponents struct {
	engine  *engine.Engine
	janitor *janitor.Janitor
	queue   *queue.RedisQueue
	ops     *server.Server
}

// initializeDependencies sets up repositories, the work queue, the event
// bus, and the executor stack
func initializeDependencies(components *bootstrap.Components) (*dependencies, error) {
	cfg := components.Config

	runs := repository.NewRunRepository(components.DB, cfg.Database.RunTable)
	nodes := repository.NewNodeExecutionRepository(components.DB, cfg.Database.NodeExecutionTable)
	workflows := repository.NewWorkflowRepository(components.DB, cfg.Database.WorkflowTable,
		cache.NewMemoryCache(components.Logger))

	workQueue := queue.NewRedisQueue(components.Redis, cfg, components.Logger)
	bus := events.NewRedisBus(components.Redis, cfg)
	emitter := events.NewEmitter(bus, cfg.Events.Source, components.Logger, components.Metrics)

	evaluator, err := expr.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	registry := executor.NewRegistry(executor.Deps{
		Evaluator:    evaluator,
		HTTPClient:   &http.Client{Timeout: cfg.Engine.HTTPRequestTimeout},
		URLValidator: security.NewURLValidator(cfg.Engine.AllowPrivateEndpoints),
		Log:          components.Logger,
	})

	return &dependencies{
		runs:      runs,
		nodes:     nodes,
		workflows: workflows,
		queue:     workQueue,
		emitter:   emitter,
		evaluator: evaluator,
		registry:  registry,
		driver:    executor.NewRetryDriver(nodes, components.Logger),
	}, nil
}

// createRunnerComponents wires the engine, the janitor, and the ops HTTP
// server from the shared dependencies
func createRunnerComponents(deps *dependencies, components *bootstrap.Components) *runnerComponents {
	eng := engine.New(engine.Deps{
		Config:       components.Config,
		Runs:         deps.runs,
		Nodes:        deps.nodes,
		Workflows:    deps.workflows,
		Queue:        deps.queue,
		Emitter:      deps.emitter,
		Registry:     deps.registry,
		Driver:       deps.driver,
		Evaluator:    deps.evaluator,
		Secrets:      executor.EnvSecretReader{Prefix: "FLOWCORE_SECRET"},
		Integrations: executor.EnvIntegrationReader{Prefix: "FLOWCORE_INTEGRATION"},
		Metrics:      components.Metrics,
		Log:          components.Logger,
	})

	jan := janitor.New(janitor.Deps{
		Config:  components.Config,
		Runs:    deps.runs,
		Nodes:   deps.nodes,
		Queue:   deps.queue,
		Metrics: components.Metrics,
		Log:     components.Logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(components, eng))
	mux.Handle("/metrics", components.Metrics.Handler())

	ops := server.New(
		components.Config.Service.Name,
		components.Config.Service.Port,
		mux,
		components.Logger,
	)

	return &runnerComponents{
		engine:  eng,
		janitor: jan,
		queue:   deps.queue,
		ops:     ops,
	}
}

// startComponents starts the queue consumers, the janitor, the queue depth
// reporter, and the ops server in goroutines
func startComponents(ctx context.Context, rc *runnerComponents, components *bootstrap.Components) chan error {
	cfg := components.Config
	errChan := make(chan error, cfg.Engine.Workers+3)

	host, err := os.Hostname()
	if err != nil {
		host = "runner"
	}

	// Start queue consumers
	handler := rc.engine.Handler()
	for i := 0; i < cfg.Engine.Workers; i++ {
		consumer := fmt.Sprintf("%s-%d", host, i)
		go func() {
			components.Logger.Info("starting queue consumer", "consumer", consumer)
			if err := rc.queue.Consume(ctx, consumer, handler); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("queue consumer %s error: %w", consumer, err)
			}
		}()
	}

	// Start janitor
	go func() {
		components.Logger.Info("starting janitor")
		if err := rc.janitor.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("janitor error: %w", err)
		}
	}()

	// Start queue depth reporter
	go reportQueueDepth(ctx, rc.queue, components)

	// Start ops server
	go func() {
		if err := rc.ops.Serve(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("ops server error: %w", err)
		}
	}()

	return errChan
}

// reportQueueDepth samples queue depths into the gauges until ctx is done
func reportQueueDepth(ctx context.Context, q queue.Queue, components *bootstrap.Components) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := q.Stats(ctx)
			if err != nil {
				components.Logger.Warn("queue stats failed", "error", err)
				continue
			}
			components.Metrics.QueueDepth.WithLabelValues("ready").Set(float64(stats.Ready))
			components.Metrics.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
			components.Metrics.QueueDepth.WithLabelValues("dead_lettered").Set(float64(stats.DeadLettered))
		}
	}
}

// healthHandler reports component health, degrading to 503 when the
// database or Redis is unreachable
func healthHandler(components *bootstrap.Components, eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := components.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unhealthy","error":%q}`, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","activeRuns":%d}`, eng.Stats().ActiveRuns)
	}
}

// waitForShutdown waits for either a component error or a shutdown signal
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		cancel()
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}
}
