package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetheriq/flowcore/cmd/runner/executor"
	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/events"
	"github.com/aetheriq/flowcore/common/expr"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/metrics"
	"github.com/aetheriq/flowcore/common/models"
	"github.com/aetheriq/flowcore/common/queue"
	"github.com/aetheriq/flowcore/common/repository"
)

const testTenant = "tenant-1"

// harness wires an engine onto in-memory stores, queue, and bus so tests
// can deliver messages directly and observe everything the engine touches.
type harness struct {
	engine    *Engine
	registry  *executor.Registry
	runs      *repository.MemoryRunStore
	nodes     *repository.MemoryNodeExecutionStore
	workflows *repository.MemoryWorkflowStore
	queue     *queue.MemoryQueue
	bus       *events.MemoryBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logger.New("error", "text")
	evaluator, err := expr.New()
	require.NoError(t, err)

	runs := repository.NewMemoryRunStore()
	nodes := repository.NewMemoryNodeExecutionStore()
	workflows := repository.NewMemoryWorkflowStore()
	q := queue.NewMemoryQueue(3, time.Minute, time.Minute, log)
	bus := events.NewMemoryBus()
	m := metrics.New()

	integrations := executor.StaticIntegrationReader{
		testTenant + "/directory": {"token": "dir-token"},
		testTenant + "/licensing": {"token": "lic-token"},
	}

	registry := executor.NewRegistry(executor.Deps{
		Evaluator: evaluator,
		Log:       log,
	})

	eng := New(Deps{
		Config: &config.Config{
			Engine: config.EngineConfig{
				DefaultRunTimeout:  time.Minute,
				MaxConcurrentNodes: 4,
			},
		},
		Runs:         runs,
		Nodes:        nodes,
		Workflows:    workflows,
		Queue:        q,
		Emitter:      events.NewEmitter(bus, "flowcore.workflow.execution", log, m),
		Registry:     registry,
		Driver:       executor.NewRetryDriver(nodes, log),
		Evaluator:    evaluator,
		Secrets:      executor.StaticSecretReader{},
		Integrations: integrations,
		Metrics:      m,
		Log:          log,
	})

	return &harness{
		engine:    eng,
		registry:  registry,
		runs:      runs,
		nodes:     nodes,
		workflows: workflows,
		queue:     q,
		bus:       bus,
	}
}

func (h *harness) saveWorkflow(t *testing.T, g *models.WorkflowGraph) {
	t.Helper()
	_, err := h.workflows.Save(context.Background(), g)
	require.NoError(t, err)
}

func (h *harness) insertRun(t *testing.T, req *models.RunRequest) {
	t.Helper()
	created, _, err := h.runs.Insert(context.Background(), req.NewRun(time.Now(), time.Hour))
	require.NoError(t, err)
	require.True(t, created)
}

// deliver marshals the request and pushes it through the queue handler,
// the way a consumed message would arrive.
func (h *harness) deliver(t *testing.T, req *models.RunRequest) error {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return h.engine.Handler()(context.Background(), &queue.Message{
		ID:            "msg-" + req.RunID,
		Body:          body,
		GroupID:       req.TenantID,
		DeliveryCount: 1,
	})
}

func (h *harness) run(t *testing.T, runID string) *models.Run {
	t.Helper()
	run, err := h.runs.Get(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func (h *harness) record(t *testing.T, runID, nodeID string) *models.NodeExecution {
	t.Helper()
	ne, err := h.nodes.Get(context.Background(), runID, nodeID)
	require.NoError(t, err)
	return ne
}

// progressEvents decodes every node lifecycle event published so far
func (h *harness) progressEvents(t *testing.T) []models.ProgressEvent {
	t.Helper()
	var out []models.ProgressEvent
	for _, env := range h.bus.Envelopes() {
		if env.DetailType != events.DetailTypeProgress {
			continue
		}
		var ev models.ProgressEvent
		require.NoError(t, json.Unmarshal(env.Detail, &ev))
		out = append(out, ev)
	}
	return out
}

// auditEvents decodes every audit event published so far
func (h *harness) auditEvents(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, env := range h.bus.Envelopes() {
		if env.DetailType != events.DetailTypeAudit {
			continue
		}
		var detail map[string]any
		require.NoError(t, json.Unmarshal(env.Detail, &detail))
		out = append(out, detail)
	}
	return out
}

func node(id string, typ models.NodeType, cfg map[string]any) models.Node {
	return models.Node{ID: id, Type: typ, Config: cfg}
}

func edge(from, to string) models.Edge {
	return models.Edge{FromNodeID: from, ToNodeID: to}
}

func typedEdge(from, to string, typ models.EdgeConditionType) models.Edge {
	return models.Edge{FromNodeID: from, ToNodeID: to,
		Condition: &models.EdgeCondition{Type: typ}}
}

func exprEdge(from, to, expression string) models.Edge {
	return models.Edge{FromNodeID: from, ToNodeID: to,
		Condition: &models.EdgeCondition{Type: models.EdgeExpression, Expression: expression}}
}

func workflowDef(id string, cfg models.GraphConfig, nodes []models.Node, edges []models.Edge) *models.WorkflowGraph {
	return &models.WorkflowGraph{
		WorkflowID: id,
		TenantID:   testTenant,
		Name:       id,
		Nodes:      nodes,
		Edges:      edges,
		Config:     cfg,
	}
}

func runRequest(runID, workflowID string, payload map[string]any) *models.RunRequest {
	return &models.RunRequest{
		RunID:      runID,
		WorkflowID: workflowID,
		TenantID:   testTenant,
		Payload:    payload,
	}
}

func TestLinearRunSucceeds(t *testing.T) {
	h := newHarness(t)
	h.saveWorkflow(t, workflowDef("wf-linear", models.GraphConfig{},
		[]models.Node{
			node("start", models.NodeTypeStart, nil),
			node("work", models.NodeTypeDelay, map[string]any{"delayMs": 5}),
			node("end", models.NodeTypeEnd, nil),
		},
		[]models.Edge{edge("start", "work"), edge("work", "end")},
	))

	req := runRequest("run-1", "wf-linear", map[string]any{"x": 1})
	h.insertRun(t, req)
	require.NoError(t, h.deliver(t, req))

	run := h.run(t, "run-1")
	require.Equal(t, models.RunStatusSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Nil(t, run.Error)

	records, err := h.nodes.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, ne := range records {
		assert.Equal(t, models.NodeStatusSuccess, ne.Status, "node %s", ne.NodeID)
		assert.NotNil(t, ne.FinishedAt, "node %s", ne.NodeID)
	}

	require.Equal(t, []string{
		"task_started",
		"node_started", "node_completed",
		"node_started", "node_completed",
		"node_started", "node_completed",
		"task_completed",
	}, h.bus.EventTypes())

	var startOrder []string
	for _, ev := range h.progressEvents(t) {
		if ev.EventType == models.EventNodeStarted {
			startOrder = append(startOrder, ev.NodeID)
		}
	}
	assert.Equal(t, []string{"start", "work", "end"}, startOrder)

	end := h.record(t, "run-1", "end")
	assert.Equal(t, "completed", end.Output["status"])
	assert.Equal(t, true, end.Output["delayed"])
}

func TestConditionalBranchRouting(t *testing.T) {
	h := newHarness(t)
	h.saveWorkflow(t, workflowDef("wf-branch", models.GraphConfig{},
		[]models.Node{
			node("start", models.NodeTypeStart, nil),
			node("check", models.NodeTypeCondition, map[string]any{"expression": "{{flag}} == yes"}),
			node("approve", models.NodeTypeDataTransform, nil),
			node("reject", models.NodeTypeDataTransform, nil),
			node("end", models.NodeTypeEnd, nil),
		},
		[]models.Edge{
			edge("start", "check"),
			exprEdge("check", "approve", "true"),
			exprEdge("check", "reject", "false"),
			edge("approve", "end"),
			edge("reject", "end"),
		},
	))

	req := runRequest("run-yes", "wf-branch", map[string]any{"flag": "yes"})
	h.insertRun(t, req)
	require.NoError(t, h.deliver(t, req))

	require.Equal(t, models.RunStatusSuccess, h.run(t, "run-yes").Status)
	assert.Equal(t, models.NodeStatusSuccess, h.record(t, "run-yes", "approve").Status)
	_, err := h.nodes.Get(context.Background(), "run-yes", "reject")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	check := h.record(t, "run-yes", "check")
	assert.Equal(t, true, check.Output["result"])

	// The other branch with the flag flipped.
	req = runRequest("run-no", "wf-branch", map[string]any{"flag": "no"})
	h.insertRun(t, req)
	require.NoError(t, h.deliver(t, req))

	require.Equal(t, models.RunStatusSuccess, h.run(t, "run-no").Status)
	assert.Equal(t, models.NodeStatusSuccess, h.record(t, "run-no", "reject").Status)
	_, err = h.nodes.Get(context.Background(), "run-no", "approve")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestNodeFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(models.NodeTypeAPICall, executor.ExecutorFunc(
		func(ctx context.Context, req *executor.Request) (map[string]any, error) {
			return nil, models.NewNetworkError("connection refused")
		}))

	h.saveWorkflow(t, workflowDef("wf-fail", models.GraphConfig{},
		[]models.Node{
			node("start", models.NodeTypeStart, nil),
			node("call", models.NodeTypeAPICall, map[string]any{"url": "https://api.example.com"}),
			node("end", models.NodeTypeEnd, nil),
		},
		[]models.Edge{edge("start", "call"), edge("call", "end")},
	))

	req := runRequest("run-1", "wf-fail", nil)
	h.insertRun(t, req)
	require.NoError(t, h.deliver(t, req))

	run := h.run(t, "run-1")
	require.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, models.CodeNetworkError, run.Error.Code)
	assert.Equal(t, "call", run.Error.StepID)

	assert.Equal(t, models.NodeStatusFailed, h.record(t, "run-1", "call").Status)

	end := h.record(t, "run-1", "end")
	assert.Equal(t, models.NodeStatusSkipped, end.Status, "unreached nodes are recorded")
	require.NotNil(t, end.FinishedAt)

	require.Equal(t, []string{
		"task_started",
		"node_started", "node_completed",
		"node_started", "node_failed",
		"task_failed",
	}, h.bus.EventTypes())
}

func TestCyclicGraphFailsRun(t *testing.T) {
	h := newHarness(t)
	h.saveWorkflow(t, workflowDef("wf-cycle", models.GraphConfig{},
		[]models.Node{
			node("start", models.NodeTypeStart, nil),
			node("a", models.NodeTypeDataTransform, nil),
			node("b", models.NodeTypeDataTransform, nil),
			node("end", models.NodeTypeEnd, nil),
		},
		[]models.Edge{
			edge("start", "a"),
			edge("a", "b"),
			edge("b", "a"),
			edge("b", "end"),
		},
	))

	req := runRequest("run-1", "wf-cycle", nil)
	h.insertRun(t, req)
	require.NoError(t, h.deliver(t, req))

	run := h.run(t, "run-1")
	require.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, models.CodeInvalidWorkflow, run.Error.Code)

	records, err := h.nodes.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, records)

	require.Equal(t, []string{"task_started", "task_failed"}, h.bus.EventTypes())
}

func TestWorkflowNotFoundFailsRun(t *testing.T) {
	h := newHarness(t)

	req := runRequest("run-1", "wf-missing", nil)
	h.insertRun(t, req)
	require.NoError(t, h.deliver(t, req))

	run := h.run(t, "run-1")
	require.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, models.CodeWorkflowNotFound, run.Error.Code)
}

func TestRedeliveryResumesPastCompletedNodes(t *testing.T) {
	h := newHarness(t)
	h.saveWorkflow(t, workflowDef("wf-resume", models.GraphConfig{},
		[]models.Node{
			node("start", models.NodeTypeStart, nil),
			node("step", models.NodeTypeDataTransform, nil),
			node("end", models.NodeTypeEnd, nil),
		},
		[]models.Edge{edge("start", "step"), edge("step", "end")},
	))

	ctx := context.Background()
	req := runRequest("run-1", "wf-resume", nil)
	h.insertRun(t, req)

	// A previous delivery got through start and step, then died.
	moved, err := h.runs.TransitionStatus(ctx, "run-1",
		[]models.RunStatus{models.RunStatusQueued}, models.RunStatusRunning)
	require.NoError(t, err)
	require.True(t, moved)

	now := time.Now()
	for nodeID, output := range map[string]map[string]any{
		"start": {"status": "started"},
		"step":  {"echo": "cached"},
	} {
		require.NoError(t, h.nodes.StartAttempt(ctx, &models.NodeExecution{
			RunID: "run-1", NodeID: nodeID, Status: models.NodeStatusRunning, StartedAt: &now,
		}))
		require.NoError(t, h.nodes.Finish(ctx, &models.NodeExecution{
			RunID: "run-1", NodeID: nodeID, Status: models.NodeStatusSuccess,
			Output: output, FinishedAt: &now,
		}))
	}

	require.NoError(t, h.deliver(t, req))

	run := h.run(t, "run-1")
	require.Equal(t, models.RunStatusSuccess, run.Status)

	// Only end actually executes; nothing is re-emitted for the nodes the
	// first delivery finished, and no second task_started appears.
	require.Equal(t, []string{"node_started", "node_completed", "task_completed"}, h.bus.EventTypes())

	end := h.record(t, "run-1", "end")
	assert.Equal(t, "cached", end.Input["echo"], "stored step output feeds the resumed traversal")
	assert.Equal(t, "cached", end.Output["echo"])
	assert.Equal(t, "completed", end.Output["status"])
}

func TestTerminalRunRedeliveryIsDropped(t *testing.T) {
	h := newHarness(t)

	ctx := context.Background()
	req := runRequest("run-1", "wf-any", nil)
	h.insertRun(t, req)
	changed, err := h.runs.Finish(ctx, "run-1", models.RunStatusSuccess, nil, time.Now())
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, h.deliver(t, req))

	assert.Empty(t, h.bus.EventTypes())
	records, err := h.nodes.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, h.queue.DeadLettered())
}

func TestUnprocessableMessagesAreDeadLettered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := h.engine.Handler()

	// Not JSON at all.
	require.NoError(t, handler(ctx, &queue.Message{ID: "m1", Body: []byte("not json")}))
	require.Len(t, h.queue.DeadLettered(), 1)

	// JSON without the required identifiers.
	require.NoError(t, handler(ctx, &queue.Message{ID: "m2", Body: []byte(`{"runId":"run-1"}`)}))
	require.Len(t, h.queue.DeadLettered(), 2)

	// Well-formed request with no run record behind it.
	body, err := json.Marshal(runRequest("run-ghost", "wf-any", nil))
	require.NoError(t, err)
	require.NoError(t, handler(ctx, &queue.Message{ID: "m3", Body: body}))
	require.Len(t, h.queue.DeadLettered(), 3)

	assert.Empty(t, h.bus.EventTypes())
}

func TestRollbackCompensatesInReverseOrder(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(models.NodeTypeAPICall, executor.ExecutorFunc(
		func(ctx context.Context, req *executor.Request) (map[string]any, error) {
			return nil, models.NewNetworkError("downstream unavailable")
		}))

	h.saveWorkflow(t, workflowDef("wf-rollback", models.GraphConfig{EnableRollback: true},
		[]models.Node{
			node("start", models.NodeTypeStart, nil),
			node("provision", models.NodeTypeUserProvision, map[string]any{"userId": "u-42"}),
			node("call", models.NodeTypeAPICall, map[string]any{"url": "https://api.example.com"}),
			node("end", models.NodeTypeEnd, nil),
		},
		[]models.Edge{edge("start", "provision"), edge("provision", "call"), edge("call", "end")},
	))

	req := runRequest("run-1", "wf-rollback", nil)
	h.insertRun(t, req)
	require.NoError(t, h.deliver(t, req))

	run := h.run(t, "run-1")
	require.Equal(t, models.RunStatusFailed, run.Status, "rollback never changes the terminal status")
	require.NotNil(t, run.Error)
	assert.Equal(t, "call", run.Error.StepID)

	audits := h.auditEvents(t)
	require.Len(t, audits, 2)
	assert.Equal(t, "node_rolled_back", audits[0]["eventType"])
	assert.Equal(t, "provision", audits[0]["nodeId"], "completed nodes compensate in reverse order")
	assert.Equal(t, "ok", audits[0]["status"])
	assert.Equal(t, "start", audits[1]["nodeId"])
	assert.Equal(t, "ok", audits[1]["status"])

	types := h.bus.EventTypes()
	assert.Equal(t, "task_failed", types[len(types)-1], "the terminal event follows the rollback")
}

func TestRunTimeoutFailsRun(t *testing.T) {
	h := newHarness(t)
	h.saveWorkflow(t, workflowDef("wf-slow", models.GraphConfig{MaxExecutionTimeMs: 40},
		[]models.Node{
			node("start", models.NodeTypeStart, nil),
			node("slow", models.NodeTypeDelay, map[string]any{"delayMs": 5000}),
			node("end", models.NodeTypeEnd, nil),
		},
		[]models.Edge{edge("start", "slow"), edge("slow", "end")},
	))

	req := runRequest("run-1", "wf-slow", nil)
	h.insertRun(t, req)
	require.NoError(t, h.deliver(t, req))

	run := h.run(t, "run-1")
	require.Equal(t, models.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, models.CodeTimeout, run.Error.Code)
	assert.Equal(t, "slow", run.Error.StepID)

	// The attempt record still lands even though the run deadline fired.
	slow := h.record(t, "run-1", "slow")
	assert.Equal(t, models.NodeStatusFailed, slow.Status)
	require.NotNil(t, slow.Error)
	assert.Equal(t, models.CodeTimeout, slow.Error.Code)
}

func TestParallelBranchesConvergeOnce(t *testing.T) {
	h := newHarness(t)
	h.saveWorkflow(t, workflowDef("wf-parallel", models.GraphConfig{MaxConcurrentNodes: 2},
		[]models.Node{
			node("start", models.NodeTypeStart, nil),
			node("fan", models.NodeTypeParallel, nil),
			node("x", models.NodeTypeDelay, map[string]any{"delayMs": 2}),
			node("y", models.NodeTypeDelay, map[string]any{"delayMs": 2}),
			node("end", models.NodeTypeEnd, nil),
		},
		[]models.Edge{
			edge("start", "fan"),
			edge("fan", "x"),
			edge("fan", "y"),
			edge("x", "end"),
			edge("y", "end"),
		},
	))

	req := runRequest("run-1", "wf-parallel", nil)
	h.insertRun(t, req)
	require.NoError(t, h.deliver(t, req))

	require.Equal(t, models.RunStatusSuccess, h.run(t, "run-1").Status)

	records, err := h.nodes.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, records, 5)
	for _, ne := range records {
		assert.Equal(t, models.NodeStatusSuccess, ne.Status, "node %s", ne.NodeID)
	}

	endStarts := 0
	for _, ev := range h.progressEvents(t) {
		if ev.EventType == models.EventNodeStarted && ev.NodeID == "end" {
			endStarts++
		}
	}
	assert.Equal(t, 1, endStarts, "converging branches execute the join node once")
}

func TestContinueStrategyFollowsFailureEdges(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(models.NodeTypeAPICall, executor.ExecutorFunc(
		func(ctx context.Context, req *executor.Request) (map[string]any, error) {
			return nil, models.NewNetworkError("downstream unavailable")
		}))

	h.saveWorkflow(t, workflowDef("wf-continue",
		models.GraphConfig{ErrorStrategy: models.ErrorStrategyContinue},
		[]models.Node{
			node("start", models.NodeTypeStart, nil),
			node("flaky", models.NodeTypeAPICall, map[string]any{"url": "https://api.example.com"}),
			node("cleanup", models.NodeTypeDataTransform, nil),
			node("skipped", models.NodeTypeDataTransform, nil),
			node("end", models.NodeTypeEnd, nil),
		},
		[]models.Edge{
			edge("start", "flaky"),
			typedEdge("flaky", "cleanup", models.EdgeFailure),
			typedEdge("flaky", "skipped", models.EdgeSuccess),
			edge("cleanup", "end"),
			edge("skipped", "end"),
		},
	))

	req := runRequest("run-1", "wf-continue", nil)
	h.insertRun(t, req)
	require.NoError(t, h.deliver(t, req))

	require.Equal(t, models.RunStatusSuccess, h.run(t, "run-1").Status)

	assert.Equal(t, models.NodeStatusFailed, h.record(t, "run-1", "flaky").Status)
	assert.Equal(t, models.NodeStatusSuccess, h.record(t, "run-1", "cleanup").Status)
	assert.Equal(t, models.NodeStatusSuccess, h.record(t, "run-1", "end").Status)
	_, err := h.nodes.Get(context.Background(), "run-1", "skipped")
	assert.ErrorIs(t, err, repository.ErrNotFound, "success edges are not taken after a failure")

	types := h.bus.EventTypes()
	assert.Contains(t, types, "node_failed")
	assert.Equal(t, "task_completed", types[len(types)-1])
}

func TestInternalErrorLeavesMessageUnacked(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(models.NodeTypeAPICall, executor.ExecutorFunc(
		func(ctx context.Context, req *executor.Request) (map[string]any, error) {
			return nil, errors.New("connection pool exhausted")
		}))

	h.saveWorkflow(t, workflowDef("wf-internal", models.GraphConfig{},
		[]models.Node{
			node("start", models.NodeTypeStart, nil),
			node("call", models.NodeTypeAPICall, map[string]any{"url": "https://api.example.com"}),
			node("end", models.NodeTypeEnd, nil),
		},
		[]models.Edge{edge("start", "call"), edge("call", "end")},
	))

	req := runRequest("run-1", "wf-internal", nil)
	h.insertRun(t, req)
	require.Error(t, h.deliver(t, req), "internal failures leave the message for redelivery")

	run := h.run(t, "run-1")
	require.Equal(t, models.RunStatusRunning, run.Status, "the run is not finalized")
	assert.NotContains(t, h.bus.EventTypes(), "task_failed")

	// The worker recovers; the redelivered message finishes the run without
	// re-executing the nodes the first delivery completed.
	h.registry.Register(models.NodeTypeAPICall, executor.ExecutorFunc(
		func(ctx context.Context, req *executor.Request) (map[string]any, error) {
			return map[string]any{"statusCode": 200}, nil
		}))

	startEventsBefore := len(h.bus.EventTypes())
	require.NoError(t, h.deliver(t, req))

	require.Equal(t, models.RunStatusSuccess, h.run(t, "run-1").Status)
	types := h.bus.EventTypes()[startEventsBefore:]
	assert.Equal(t, []string{
		"node_started", "node_completed",
		"node_started", "node_completed",
		"task_completed",
	}, types, "start is skipped, call and end execute")
}
