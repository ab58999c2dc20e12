// Package engine is the worker loop of the execution core: it consumes run
// requests from the work queue, walks the workflow graph, dispatches nodes
// to executors under their retry policies, and finalizes runs.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aetheriq/flowcore/cmd/runner/executor"
	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/events"
	"github.com/aetheriq/flowcore/common/expr"
	"github.com/aetheriq/flowcore/common/graph"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/metrics"
	"github.com/aetheriq/flowcore/common/models"
	"github.com/aetheriq/flowcore/common/queue"
	"github.com/aetheriq/flowcore/common/repository"
)

// Deps wires the engine's collaborators
type Deps struct {
	Config       *config.Config
	Runs         repository.RunStore
	Nodes        repository.NodeExecutionStore
	Workflows    repository.WorkflowStore
	Queue        queue.Queue
	Emitter      *events.Emitter
	Registry     *executor.Registry
	Driver       *executor.RetryDriver
	Evaluator    *expr.Evaluator
	Secrets      executor.SecretReader
	Integrations executor.IntegrationReader
	Metrics      *metrics.Metrics
	Log          *logger.Logger
}

// Engine processes run requests. One message corresponds to one run;
// delivery is at-least-once, so every step tolerates redelivery.
type Engine struct {
	cfg          *config.Config
	runs         repository.RunStore
	nodes        repository.NodeExecutionStore
	workflows    repository.WorkflowStore
	queue        queue.Queue
	emitter      *events.Emitter
	registry     *executor.Registry
	driver       *executor.RetryDriver
	evaluator    *expr.Evaluator
	secrets      executor.SecretReader
	integrations executor.IntegrationReader
	metrics      *metrics.Metrics
	log          *logger.Logger

	active atomic.Int64
}

// Stats is a point-in-time snapshot of engine activity
type Stats struct {
	ActiveRuns int64 `json:"activeRuns"`
}

// Stats reports how many runs this worker holds in flight
func (e *Engine) Stats() Stats {
	return Stats{ActiveRuns: e.active.Load()}
}

// New creates an engine
func New(deps Deps) *Engine {
	return &Engine{
		cfg:          deps.Config,
		runs:         deps.Runs,
		nodes:        deps.Nodes,
		workflows:    deps.Workflows,
		queue:        deps.Queue,
		emitter:      deps.Emitter,
		registry:     deps.Registry,
		driver:       deps.Driver,
		evaluator:    deps.Evaluator,
		secrets:      deps.Secrets,
		integrations: deps.Integrations,
		metrics:      deps.Metrics,
		log:          deps.Log,
	}
}

// Handler returns the queue handler processing one run request per message.
// Returning nil acknowledges the message; internal failures return non-nil
// so the queue redelivers and the run resumes past its completed nodes.
func (e *Engine) Handler() queue.Handler {
	return e.handle
}

func (e *Engine) handle(ctx context.Context, msg *queue.Message) error {
	e.active.Add(1)
	defer e.active.Add(-1)

	var req models.RunRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return e.reject(ctx, msg, fmt.Sprintf("malformed run request: %v", err))
	}
	if req.RunID == "" || req.WorkflowID == "" || req.TenantID == "" {
		return e.reject(ctx, msg, "run request missing runId, workflowId, or tenantId")
	}

	runLog := e.log.WithRunID(req.RunID).WithWorkflowID(req.WorkflowID).WithTenantID(req.TenantID)

	started, err := e.runs.TransitionStatus(ctx, req.RunID,
		[]models.RunStatus{models.RunStatusQueued}, models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("transition run to RUNNING: %w", err)
	}

	if started {
		e.metrics.RunsStarted.Inc()
		if merr := e.emitter.Metering(ctx, models.EventTaskStarted,
			req.TenantID, req.WorkflowID, req.RunID, nil); merr != nil {
			runLog.Warn("task_started event publish failed", "error", merr)
		}
	} else {
		run, gerr := e.runs.Get(ctx, req.RunID)
		if gerr != nil {
			if errors.Is(gerr, repository.ErrNotFound) {
				return e.reject(ctx, msg, "no run record for message")
			}
			return fmt.Errorf("load run: %w", gerr)
		}
		if run.Status.Terminal() {
			runLog.Info("run already finished, dropping redelivery", "status", run.Status)
			return nil
		}
		// RUNNING: a previous delivery died mid-run. Resume; nodes with
		// SUCCESS records are skipped without re-emitting events.
		runLog.Info("resuming run", "status", run.Status, "delivery_count", msg.DeliveryCount)
	}

	e.metrics.ActiveRuns.Inc()
	defer e.metrics.ActiveRuns.Dec()

	return e.execute(ctx, &req, runLog)
}

// reject dead-letters a message the engine can never process and acks it
func (e *Engine) reject(ctx context.Context, msg *queue.Message, reason string) error {
	e.log.Error("rejecting message", "message_id", msg.ID, "reason", reason)
	if err := e.queue.DeadLetter(ctx, msg, reason); err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, req *models.RunRequest, runLog *logger.Logger) error {
	now := time.Now()

	g, err := e.workflows.Get(ctx, req.TenantID, req.WorkflowID, req.WorkflowVersion)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			wfErr := models.NewNotFoundError(models.CodeWorkflowNotFound,
				fmt.Sprintf("workflow %s not found for tenant %s", req.WorkflowID, req.TenantID))
			return e.finalizeFailure(ctx, req, nil, wfErr, runLog)
		}
		return fmt.Errorf("load workflow: %w", err)
	}

	plan, err := graph.Build(g)
	if err != nil {
		return e.finalizeFailure(ctx, req, nil, models.AsWorkflowError(err), runLog)
	}

	execCtx := newExecutionContext(req, g.Config, e.cfg.Engine.DefaultRunTimeout,
		e.secrets, e.integrations, now)

	runCtx, cancel := context.WithDeadline(ctx, execCtx.TimeoutAt)
	defer cancel()

	t := newTraversal(e, plan, execCtx)
	runLog.Info("run started",
		"workflow_version", g.Version,
		"total_nodes", plan.TotalTasks,
		"start_node", plan.StartFrom(req.StartNodeID),
	)

	if terr := t.run(runCtx, plan.StartFrom(req.StartNodeID), req.Payload); terr != nil {
		wfErr := models.AsWorkflowError(terr)
		if wfErr.Category == models.CategoryInternal {
			// Store or bus failure mid-run: leave the message unacked so
			// the queue redelivers and the run resumes.
			runLog.Error("run interrupted", "error", wfErr.Message)
			return wfErr
		}
		return e.failTraversal(ctx, req, t, wfErr, runLog)
	}

	return e.finalizeSuccess(ctx, req, t, runLog)
}

func (e *Engine) finalizeSuccess(ctx context.Context, req *models.RunRequest, t *traversal, runLog *logger.Logger) error {
	ctx = context.WithoutCancel(ctx)

	changed, err := e.runs.Finish(ctx, req.RunID, models.RunStatusSuccess, nil, time.Now())
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if !changed {
		runLog.Warn("run already terminal at success finalization")
		return nil
	}

	elapsed := t.execCtx.Elapsed()
	e.metrics.RunsCompleted.WithLabelValues(string(models.RunStatusSuccess)).Inc()
	e.metrics.RunDuration.Observe(elapsed.Seconds())

	if merr := e.emitter.Metering(ctx, models.EventTaskCompleted,
		req.TenantID, req.WorkflowID, req.RunID, map[string]any{
			"executionTime":  elapsed.Milliseconds(),
			"completedNodes": t.completedCount(),
			"totalNodes":     t.plan.TotalTasks,
		}); merr != nil {
		runLog.Warn("task_completed event publish failed", "error", merr)
	}

	runLog.Info("run succeeded",
		"duration_ms", elapsed.Milliseconds(),
		"completed_nodes", t.completedCount(),
	)
	return nil
}

// failTraversal finalizes a run whose traversal failed, rolling back first
// when the graph opted in
func (e *Engine) failTraversal(ctx context.Context, req *models.RunRequest, t *traversal, wfErr *models.WorkflowError, runLog *logger.Logger) error {
	ctx = context.WithoutCancel(ctx)
	if t.plan.Workflow.Config.RollbackEnabled() {
		e.rollback(ctx, req, t, runLog)
	}
	e.markUnreached(ctx, req, t)
	return e.finalizeFailure(ctx, req, t, wfErr, runLog)
}

// markUnreached records SKIPPED for planned nodes without an execution
// record once the run has failed, completing the per-node report. The
// conditional insert leaves attempted nodes untouched.
func (e *Engine) markUnreached(ctx context.Context, req *models.RunRequest, t *traversal) {
	for _, nodeID := range t.plan.Order {
		node, ok := t.plan.NodeByID(nodeID)
		if !ok {
			continue
		}
		if err := e.nodes.MarkSkipped(ctx, req.RunID, nodeID, node.Type); err != nil {
			e.log.Warn("mark node skipped",
				"run_id", req.RunID, "node_id", nodeID, "error", err)
		}
	}
}

func (e *Engine) finalizeFailure(ctx context.Context, req *models.RunRequest, t *traversal, wfErr *models.WorkflowError, runLog *logger.Logger) error {
	ctx = context.WithoutCancel(ctx)

	changed, err := e.runs.Finish(ctx, req.RunID, models.RunStatusFailed, models.ErrorFrom(wfErr), time.Now())
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if !changed {
		runLog.Warn("run already terminal at failure finalization", "code", wfErr.Code)
		return nil
	}

	e.metrics.RunsCompleted.WithLabelValues(string(models.RunStatusFailed)).Inc()

	metadata := map[string]any{
		"code":    wfErr.Code,
		"message": wfErr.Message,
	}
	if wfErr.NodeID != "" {
		metadata["stepId"] = wfErr.NodeID
	}
	if t != nil {
		e.metrics.RunDuration.Observe(t.execCtx.Elapsed().Seconds())
		metadata["completedNodes"] = t.completedCount()
		metadata["totalNodes"] = t.plan.TotalTasks
	}

	if merr := e.emitter.Metering(ctx, models.EventTaskFailed,
		req.TenantID, req.WorkflowID, req.RunID, metadata); merr != nil {
		runLog.Warn("task_failed event publish failed", "error", merr)
	}

	runLog.Error("run failed", "code", wfErr.Code, "step_id", wfErr.NodeID, "error", wfErr.Message)
	return nil
}

// traversal walks one run's execution plan. Sibling branches may execute
// concurrently; the semaphore bounds concurrent node executions and the
// executed set keeps converging branches from re-running a node.
type traversal struct {
	engine  *Engine
	plan    *graph.ExecutionPlan
	execCtx *ExecutionContext
	sem     *semaphore.Weighted

	mu        sync.Mutex
	executed  map[string]bool
	completed map[string]map[string]any
}

func newTraversal(e *Engine, plan *graph.ExecutionPlan, execCtx *ExecutionContext) *traversal {
	width := plan.Workflow.Config.MaxConcurrentNodes
	if width <= 0 {
		width = e.cfg.Engine.MaxConcurrentNodes
	}
	if width <= 0 {
		width = 1
	}
	return &traversal{
		engine:    e,
		plan:      plan,
		execCtx:   execCtx,
		sem:       semaphore.NewWeighted(int64(width)),
		executed:  make(map[string]bool),
		completed: make(map[string]map[string]any),
	}
}

func (t *traversal) run(ctx context.Context, startID string, payload map[string]any) error {
	input := payload
	if input == nil {
		input = map[string]any{}
	}
	return t.visit(ctx, startID, input)
}

func (t *traversal) visit(ctx context.Context, nodeID string, input map[string]any) error {
	t.mu.Lock()
	if t.executed[nodeID] {
		t.mu.Unlock()
		return nil
	}
	t.executed[nodeID] = true
	t.mu.Unlock()

	if ctx.Err() != nil {
		return models.NewTimeoutError("run deadline exceeded").WithNode(nodeID)
	}

	node, ok := t.plan.NodeByID(nodeID)
	if !ok {
		return models.NewValidationError(models.CodeInvalidWorkflow,
			fmt.Sprintf("edge references unknown node %s", nodeID)).WithNode(nodeID)
	}

	output, fresh, execErr := t.executeNode(ctx, node, input)
	if execErr != nil {
		wfErr := models.AsWorkflowError(execErr)
		if t.plan.Workflow.Config.ErrorStrategy == models.ErrorStrategyContinue &&
			wfErr.Category != models.CategoryInternal {
			// continue strategy: the failure is recorded on the node and
			// traversal proceeds along failure/always edges
			return t.descend(ctx, node, map[string]any{}, input, true)
		}
		return wfErr
	}

	t.mu.Lock()
	t.completed[nodeID] = output
	t.mu.Unlock()
	t.execCtx.SetVariable(nodeID, output)

	if fresh {
		t.engine.emitter.Progress(ctx, models.EventNodeCompleted,
			t.execCtx.TenantID, t.execCtx.WorkflowID, t.execCtx.RunID, nodeID, t.progress(nodeID))
	}

	if node.Type == models.NodeTypeEnd {
		return nil
	}
	return t.descend(ctx, node, output, output, false)
}

// executeNode runs one node under the concurrency bound and its retry
// policy. A node already recorded SUCCESS is skipped: its stored output is
// reused, no events are re-emitted, and fresh comes back false.
func (t *traversal) executeNode(ctx context.Context, node *models.Node, input map[string]any) (output map[string]any, fresh bool, err error) {
	e := t.engine

	ne, err := e.nodes.Get(ctx, t.execCtx.RunID, node.ID)
	if err == nil && ne.Status == models.NodeStatusSuccess {
		return ne.Output, false, nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, false, models.NewInternalError("load node execution", err)
	}

	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, false, models.NewTimeoutError("run deadline exceeded").WithNode(node.ID)
	}
	defer t.sem.Release(1)

	e.emitter.Progress(ctx, models.EventNodeStarted,
		t.execCtx.TenantID, t.execCtx.WorkflowID, t.execCtx.RunID, node.ID, t.progress(node.ID))

	req := &executor.Request{
		RunID:        t.execCtx.RunID,
		WorkflowID:   t.execCtx.WorkflowID,
		TenantID:     t.execCtx.TenantID,
		Node:         node,
		Input:        input,
		Variables:    t.execCtx.Variables(),
		Secrets:      t.execCtx.Secrets,
		Integrations: t.execCtx.Integrations,
	}

	res, err := e.driver.Run(ctx, e.registry, req, node.RetryPolicyOrDefault())
	if err != nil {
		e.metrics.NodesExecuted.WithLabelValues(string(node.Type), "failed").Inc()
		e.emitter.Progress(ctx, models.EventNodeFailed,
			t.execCtx.TenantID, t.execCtx.WorkflowID, t.execCtx.RunID, node.ID, t.progress(node.ID))
		return nil, false, err
	}

	e.metrics.NodesExecuted.WithLabelValues(string(node.Type), "success").Inc()
	e.metrics.NodeDuration.WithLabelValues(string(node.Type)).Observe(float64(res.ExecutionTimeMs))
	if res.RetryCount > 0 {
		e.metrics.NodeRetries.WithLabelValues(string(node.Type)).Add(float64(res.RetryCount))
	}
	return res.Output, true, nil
}

// descend follows the node's outgoing edges whose conditions hold.
// edgeOutput is what conditions evaluate against; childInput is what the
// next nodes receive. An edge whose condition fails to evaluate is not
// taken and a warning event records it.
func (t *traversal) descend(ctx context.Context, node *models.Node, edgeOutput, childInput map[string]any, failed bool) error {
	vars := t.execCtx.Variables()

	var next []models.Edge
	for _, edge := range t.plan.OutEdges(node.ID) {
		cond := edge.ConditionOrDefault()
		take, err := t.engine.evaluator.EvalEdge(cond, edgeOutput, childInput, vars, failed)
		if err != nil {
			t.engine.emitter.Audit(ctx, models.EventEdgeConditionWarning,
				t.execCtx.TenantID, t.execCtx.WorkflowID, t.execCtx.RunID, node.ID,
				map[string]any{
					"fromNodeId": edge.FromNodeID,
					"toNodeId":   edge.ToNodeID,
					"expression": cond.Expression,
					"error":      err.Error(),
				})
			continue
		}
		if take {
			next = append(next, edge)
		}
	}

	switch len(next) {
	case 0:
		return nil
	case 1:
		return t.visit(ctx, next[0].ToNodeID, childInput)
	}

	eg, gctx := errgroup.WithContext(ctx)
	for _, edge := range next {
		edge := edge
		eg.Go(func() error {
			return t.visit(gctx, edge.ToNodeID, childInput)
		})
	}
	return eg.Wait()
}

func (t *traversal) progress(current string) *models.Progress {
	return &models.Progress{
		CompletedNodes: t.completedCount(),
		TotalNodes:     t.plan.TotalTasks,
		CurrentNode:    current,
	}
}

func (t *traversal) completedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completed)
}
