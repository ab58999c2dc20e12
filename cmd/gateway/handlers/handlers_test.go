package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetheriq/flowcore/cmd/gateway/middleware"
	"github.com/aetheriq/flowcore/cmd/gateway/service"
	"github.com/aetheriq/flowcore/common/clients"
	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/events"
	"github.com/aetheriq/flowcore/common/expr"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/metrics"
	"github.com/aetheriq/flowcore/common/models"
	"github.com/aetheriq/flowcore/common/queue"
	"github.com/aetheriq/flowcore/common/ratelimit"
	"github.com/aetheriq/flowcore/common/repository"
)

const (
	gwTenant = "tenant-9"
	gwRunID  = "0f4c1a2b-3d5e-4f6a-8b7c-9d0e1f2a3b4c"
)

type gatewayHarness struct {
	client *clients.GatewayClient
	runs   *repository.MemoryRunStore
	queue  *queue.MemoryQueue
}

// newGateway wires the handlers over in-memory stores and serves them
// through httptest, so tests exercise the same wire contract real
// callers see.
func newGateway(t *testing.T, opts ...func(*service.RunServiceOpts)) *gatewayHarness {
	t.Helper()
	log := logger.New("error", "text")

	runs := repository.NewMemoryRunStore()
	nodes := repository.NewMemoryNodeExecutionStore()
	workflows := repository.NewMemoryWorkflowStore()
	q := queue.NewMemoryQueue(3, time.Minute, time.Minute, log)
	bus := events.NewMemoryBus()
	m := metrics.New()

	svcOpts := &service.RunServiceOpts{
		Runs:    runs,
		Nodes:   nodes,
		Queue:   q,
		Emitter: events.NewEmitter(bus, "flowcore.workflow.execution", log, m),
		Config: &config.Config{
			Retention: config.RetentionConfig{RunTTL: 30 * 24 * time.Hour},
			Limits: config.LimitsConfig{
				MaxPayloadBytes:    1024,
				SubmitRetries:      1,
				SubmitRetryBackoff: time.Millisecond,
			},
		},
		Metrics: m,
		Log:     log,
	}
	for _, opt := range opts {
		opt(svcOpts)
	}

	evaluator, err := expr.New()
	require.NoError(t, err)

	runHandler := NewRunHandler(service.NewRunService(svcOpts), log)
	workflowHandler := NewWorkflowHandler(service.NewWorkflowService(workflows, evaluator, log), log)

	e := echo.New()
	e.HideBanner = true

	runGroup := e.Group("/v1/runs")
	runGroup.Use(middleware.ExtractTenant())
	runGroup.POST("", runHandler.SubmitRun)
	runGroup.GET("", runHandler.ListRuns)
	runGroup.GET("/:id", runHandler.GetRun)
	runGroup.GET("/:id/nodes", runHandler.GetRunDetails)

	workflowGroup := e.Group("/v1/workflows")
	workflowGroup.Use(middleware.ExtractTenant())
	workflowGroup.POST("", workflowHandler.SaveWorkflow)
	workflowGroup.GET("", workflowHandler.ListWorkflows)
	workflowGroup.GET("/:id", workflowHandler.GetWorkflow)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &gatewayHarness{
		client: clients.NewGatewayClient(srv.URL, log),
		runs:   runs,
		queue:  q,
	}
}

func onboardingGraph(workflowID string) *models.WorkflowGraph {
	return &models.WorkflowGraph{
		WorkflowID: workflowID,
		TenantID:   gwTenant,
		Name:       "onboarding",
		Nodes: []models.Node{
			{ID: "start", Type: models.NodeTypeStart},
			{ID: "step", Type: models.NodeTypeDelay, Config: map[string]any{"delayMs": float64(1)}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []models.Edge{
			{FromNodeID: "start", ToNodeID: "step"},
			{FromNodeID: "step", ToNodeID: "end"},
		},
	}
}

func TestGatewayRunLifecycle(t *testing.T) {
	h := newGateway(t)
	ctx := clients.WithTenantID(context.Background(), gwTenant)

	saved, err := h.client.SaveWorkflow(ctx, onboardingGraph("wf-onboarding"))
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)
	assert.Equal(t, 3, saved.TotalTasks)

	req := &models.RunRequest{
		RunID:      gwRunID,
		WorkflowID: "wf-onboarding",
		TenantID:   gwTenant,
		Payload:    map[string]any{"user": "ada"},
	}

	view, created, err := h.client.SubmitRun(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, gwRunID, view.RunID)
	assert.Equal(t, models.RunStatusQueued, view.Status)

	again, created, err := h.client.SubmitRun(ctx, req)
	require.NoError(t, err)
	assert.False(t, created, "same runId resubmitted")
	assert.Equal(t, view.RunID, again.RunID)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready, "duplicate submit enqueues nothing")

	got, err := h.client.GetRun(ctx, gwRunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, got.Status)

	details, err := h.client.GetRunDetails(ctx, gwRunID)
	require.NoError(t, err)
	assert.Equal(t, gwRunID, details.Run.RunID)
	assert.Empty(t, details.Nodes)

	// tenant comes from the X-Tenant-ID header the client sets off the context
	runs, err := h.client.ListRuns(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, gwRunID, runs[0].RunID)
	assert.Equal(t, "wf-onboarding", runs[0].WorkflowID)

	wf, err := h.client.GetWorkflow(ctx, "", "wf-onboarding", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, wf.Version)
	assert.Len(t, wf.Nodes, 3)
}

func TestGatewayRejectsBadRequests(t *testing.T) {
	h := newGateway(t)
	ctx := clients.WithTenantID(context.Background(), gwTenant)

	var apiErr *clients.APIError

	_, _, err := h.client.SubmitRun(ctx, &models.RunRequest{
		RunID:      "not-a-uuid",
		WorkflowID: "wf-onboarding",
		TenantID:   gwTenant,
	})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, models.CodeValidationError, apiErr.Code)
	assert.NotEmpty(t, apiErr.Details["fields"])

	_, err = h.client.GetRun(ctx, "11111111-2222-3333-4444-555555555555")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	broken := onboardingGraph("wf-broken")
	broken.Nodes = broken.Nodes[:2] // no END node
	broken.Edges = broken.Edges[:1]
	_, err = h.client.SaveWorkflow(ctx, broken)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, models.CodeInvalidWorkflow, apiErr.Code)
	assert.NotEmpty(t, apiErr.Details["issues"])
}

// deniedLimiter rejects every submission
type deniedLimiter struct{}

func (deniedLimiter) CheckTenantLimit(ctx context.Context, tenantID string, limit int64) (*ratelimit.Result, error) {
	return &ratelimit.Result{Allowed: false, Limit: limit, RetryAfterSeconds: 30}, nil
}

func TestGatewayRateLimitOnTheWire(t *testing.T) {
	h := newGateway(t, func(o *service.RunServiceOpts) {
		o.Limiter = deniedLimiter{}
		o.Config.Limits.TenantRunsPerMin = 5
	})
	ctx := clients.WithTenantID(context.Background(), gwTenant)

	_, _, err := h.client.SubmitRun(ctx, &models.RunRequest{
		RunID:      gwRunID,
		WorkflowID: "wf-onboarding",
		TenantID:   gwTenant,
	})

	var apiErr *clients.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limit_exceeded", apiErr.Code)
	// JSON numbers decode as float64
	assert.Equal(t, float64(30), apiErr.Details["retry_after_seconds"])
	assert.Equal(t, float64(5), apiErr.Details["limit"])
}

// brokenQueue fails every enqueue
type brokenQueue struct{}

func (brokenQueue) Enqueue(ctx context.Context, body []byte, opts queue.EnqueueOptions) (bool, error) {
	return false, errors.New("stream down")
}

func (brokenQueue) Consume(ctx context.Context, consumer string, handler queue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (brokenQueue) DeadLetter(ctx context.Context, msg *queue.Message, reason string) error {
	return nil
}

func (brokenQueue) Stats(ctx context.Context) (queue.Stats, error) { return queue.Stats{}, nil }

func (brokenQueue) Close() error { return nil }

func TestGatewayReportsDependencyFailure(t *testing.T) {
	h := newGateway(t, func(o *service.RunServiceOpts) {
		o.Queue = brokenQueue{}
	})
	ctx := clients.WithTenantID(context.Background(), gwTenant)

	_, _, err := h.client.SubmitRun(ctx, &models.RunRequest{
		RunID:      gwRunID,
		WorkflowID: "wf-onboarding",
		TenantID:   gwTenant,
	})

	var apiErr *clients.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "dependency_unavailable", apiErr.Code)

	// the run record survives for reconciliation
	run, err := h.runs.Get(context.Background(), gwRunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)
}
