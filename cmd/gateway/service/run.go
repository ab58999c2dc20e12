// Package service holds the gateway's business logic: idempotent run
// submission and read access to runs and workflow definitions.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/events"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/metrics"
	"github.com/aetheriq/flowcore/common/models"
	"github.com/aetheriq/flowcore/common/queue"
	"github.com/aetheriq/flowcore/common/ratelimit"
	"github.com/aetheriq/flowcore/common/repository"
)

// TenantLimiter checks the per-tenant submission limit. *ratelimit.Limiter
// implements it; a nil limiter disables the check.
type TenantLimiter interface {
	CheckTenantLimit(ctx context.Context, tenantID string, limit int64) (*ratelimit.Result, error)
}

// RateLimitError reports a submission rejected by a rate limit
type RateLimitError struct {
	Scope             string
	Limit             int64
	RetryAfterSeconds int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s allows %d runs/minute, retry after %d seconds",
		e.Scope, e.Limit, e.RetryAfterSeconds)
}

// UnavailableError reports a dependency that kept failing after bounded
// retries. Handlers map it to 502; the run record, if created, remains.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// RunService owns run submission and run reads. It creates QUEUED runs;
// every later status transition belongs to the execution engine.
type RunService struct {
	runs    repository.RunStore
	nodes   repository.NodeExecutionStore
	queue   queue.Queue
	emitter *events.Emitter
	limiter TenantLimiter
	cfg     *config.Config
	metrics *metrics.Metrics
	log     *logger.Logger
}

// RunServiceOpts contains the dependencies for a RunService
type RunServiceOpts struct {
	Runs    repository.RunStore
	Nodes   repository.NodeExecutionStore
	Queue   queue.Queue
	Emitter *events.Emitter
	Limiter TenantLimiter
	Config  *config.Config
	Metrics *metrics.Metrics
	Log     *logger.Logger
}

// NewRunService creates a run service
func NewRunService(opts *RunServiceOpts) *RunService {
	return &RunService{
		runs:    opts.Runs,
		nodes:   opts.Nodes,
		queue:   opts.Queue,
		emitter: opts.Emitter,
		limiter: opts.Limiter,
		cfg:     opts.Config,
		metrics: opts.Metrics,
		log:     opts.Log,
	}
}

// Submit registers the run and queues it for execution. Submission is
// idempotent on runId: a second submit observes the existing record and
// causes no further side effects, so created comes back false and no
// message or metering event is re-emitted.
func (s *RunService) Submit(ctx context.Context, req *models.RunRequest) (models.RunStatusView, bool, error) {
	if err := req.Validate(s.cfg.Limits.MaxPayloadBytes); err != nil {
		s.metrics.RunsSubmitted.WithLabelValues("rejected").Inc()
		return models.RunStatusView{}, false, err
	}

	if err := s.checkTenantLimit(ctx, req.TenantID); err != nil {
		return models.RunStatusView{}, false, err
	}

	run := req.NewRun(time.Now().UTC(), s.cfg.Retention.RunTTL)
	created, existing, err := s.runs.Insert(ctx, run)
	if err != nil {
		s.metrics.RunsSubmitted.WithLabelValues("store_failed").Inc()
		return models.RunStatusView{}, false, &UnavailableError{Op: "insert run", Err: err}
	}
	if !created {
		s.metrics.RunsSubmitted.WithLabelValues("duplicate").Inc()
		s.log.Info("duplicate submit, returning existing run",
			"run_id", existing.RunID, "status", existing.Status)
		return existing.StatusView(), false, nil
	}

	if err := s.enqueue(ctx, req); err != nil {
		s.metrics.RunsSubmitted.WithLabelValues("enqueue_failed").Inc()
		s.log.Error("enqueue failed after retries, run retained for reconciliation",
			"run_id", req.RunID, "error", err)
		return models.RunStatusView{}, false, &UnavailableError{Op: "enqueue run request", Err: err}
	}

	metadata := map[string]any{
		"payloadBytes": req.PayloadBytes(),
		"hasStartNode": req.StartNodeID != "",
	}
	if err := s.withRetries(ctx, func() error {
		return s.emitter.Metering(ctx, models.EventTaskEnqueued,
			req.TenantID, req.WorkflowID, req.RunID, metadata)
	}); err != nil {
		s.metrics.RunsSubmitted.WithLabelValues("metering_failed").Inc()
		s.log.Error("task_enqueued event failed after retries",
			"run_id", req.RunID, "error", err)
		return models.RunStatusView{}, false, &UnavailableError{Op: "emit task_enqueued", Err: err}
	}

	s.metrics.RunsSubmitted.WithLabelValues("created").Inc()
	s.log.Info("run submitted",
		"run_id", req.RunID,
		"workflow_id", req.WorkflowID,
		"tenant_id", req.TenantID,
		"payload_bytes", req.PayloadBytes(),
	)
	return run.StatusView(), true, nil
}

// checkTenantLimit enforces the per-tenant submission limit. Limiter errors
// fail open: availability over precision.
func (s *RunService) checkTenantLimit(ctx context.Context, tenantID string) error {
	limit := s.cfg.Limits.TenantRunsPerMin
	if s.limiter == nil || limit <= 0 {
		return nil
	}

	result, err := s.limiter.CheckTenantLimit(ctx, tenantID, limit)
	if err != nil {
		s.log.Warn("tenant rate limit check failed, allowing request",
			"tenant_id", tenantID, "error", err)
		return nil
	}
	if !result.Allowed {
		s.metrics.RunsSubmitted.WithLabelValues("rate_limited").Inc()
		s.metrics.RateLimitedReq.WithLabelValues("tenant").Inc()
		return &RateLimitError{
			Scope:             "tenant " + tenantID,
			Limit:             result.Limit,
			RetryAfterSeconds: result.RetryAfterSeconds,
		}
	}
	return nil
}

// enqueue publishes the run request with deduplication on runId and
// per-tenant ordering. A dedup suppression counts as success: the message
// is already queued.
func (s *RunService) enqueue(ctx context.Context, req *models.RunRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}
	opts := queue.EnqueueOptions{
		DedupID: req.RunID,
		GroupID: req.TenantID,
		Attributes: map[string]string{
			queue.AttrRunID:      req.RunID,
			queue.AttrWorkflowID: req.WorkflowID,
			queue.AttrTenantID:   req.TenantID,
		},
	}
	return s.withRetries(ctx, func() error {
		_, err := s.queue.Enqueue(ctx, body, opts)
		return err
	})
}

// withRetries runs op up to 1+SubmitRetries times with a fixed backoff
func (s *RunService) withRetries(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.Limits.SubmitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.Limits.SubmitRetryBackoff):
			}
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// GetRun returns the caller-facing view of a run
func (s *RunService) GetRun(ctx context.Context, runID string) (models.RunStatusView, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return models.RunStatusView{}, err
	}
	return run.StatusView(), nil
}

// RunDetails is the run view together with its per-node execution records
type RunDetails struct {
	Run   models.RunStatusView    `json:"run"`
	Nodes []*models.NodeExecution `json:"nodes"`
}

// GetRunDetails returns the run view plus the per-node execution records
// the engine has written so far.
func (s *RunService) GetRunDetails(ctx context.Context, runID string) (*RunDetails, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.nodes.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	return &RunDetails{Run: run.StatusView(), Nodes: nodes}, nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListRuns returns recent runs for a tenant, optionally filtered by status
func (s *RunService) ListRuns(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]*models.RunSummary, error) {
	if tenantID == "" {
		return nil, models.NewValidationError(models.CodeValidationError, "tenantId is required").
			WithDetail("fields", []models.FieldError{{Field: "tenantId", Message: "tenantId is required"}})
	}
	switch status {
	case "", models.RunStatusQueued, models.RunStatusRunning, models.RunStatusSuccess, models.RunStatusFailed:
	default:
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("unknown status %q", status))
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.runs.ListByTenant(ctx, tenantID, status, limit)
}
