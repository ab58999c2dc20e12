package executor

import (
	"context"
	"errors"
	"time"

	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/metrics"
	"github.com/aetheriq/flowcore/common/models"
	"github.com/aetheriq/flowcore/common/repository"
)

// Result is the settled outcome of a node after its retry loop.
type Result struct {
	Output          map[string]any
	RetryCount      int
	Attempts        int
	ExecutionTimeMs int64
	ResourceUsage   models.ResourceUsage
}

// RetryDriver runs an executor under the node's retry policy, persisting
// every attempt. Attempt n runs with retryCount n-1; the counter only moves
// through MarkRetrying so it never decreases, including across message
// redeliveries.
type RetryDriver struct {
	store repository.NodeExecutionStore
	log   *logger.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryDriver creates a retry driver backed by the given store
func NewRetryDriver(store repository.NodeExecutionStore, log *logger.Logger) *RetryDriver {
	return &RetryDriver{store: store, log: log, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes the node until it succeeds, exhausts policy.MaxAttempts, or
// hits a non-retryable failure. Each attempt runs under the node's own
// timeout; a timed-out attempt is a retryable failure like any other.
func (d *RetryDriver) Run(ctx context.Context, exec Executor, req *Request, policy models.RetryPolicy) (*Result, error) {
	policy = policy.Normalize()
	nodeLog := d.log.WithRunID(req.RunID).WithNodeID(req.Node.ID)

	// Attempt state must land even when the run deadline fires mid-attempt;
	// a timed-out node still records its TIMEOUT.
	storeCtx := context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		started := time.Now()
		if err := d.store.StartAttempt(storeCtx, &models.NodeExecution{
			RunID:      req.RunID,
			NodeID:     req.Node.ID,
			NodeType:   req.Node.Type,
			Status:     models.NodeStatusRunning,
			Input:      req.Input,
			RetryCount: attempt - 1,
			StartedAt:  &started,
		}); err != nil {
			return nil, models.NewInternalError("record node attempt", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, req.Node.Timeout())
		capture := metrics.CaptureStart()
		output, execErr := exec.Execute(attemptCtx, req)
		capture.Finalize()
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) &&
			errors.Is(execErr, context.DeadlineExceeded)
		cancel()

		usage := models.ResourceUsage{
			WallClockMs:    capture.WallClock().Milliseconds(),
			HeapDeltaBytes: capture.HeapDeltaBytes(),
		}
		finished := time.Now()

		if execErr == nil {
			if err := d.store.Finish(storeCtx, &models.NodeExecution{
				RunID:           req.RunID,
				NodeID:          req.Node.ID,
				Status:          models.NodeStatusSuccess,
				Output:          output,
				ExecutionTimeMs: usage.WallClockMs,
				ResourceUsage:   &usage,
				FinishedAt:      &finished,
			}); err != nil {
				return nil, models.NewInternalError("record node result", err)
			}
			return &Result{
				Output:          output,
				RetryCount:      attempt - 1,
				Attempts:        attempt,
				ExecutionTimeMs: usage.WallClockMs,
				ResourceUsage:   usage,
			}, nil
		}

		wfErr := classifyAttempt(execErr, timedOut).WithNode(req.Node.ID)

		if err := d.store.Finish(storeCtx, &models.NodeExecution{
			RunID:           req.RunID,
			NodeID:          req.Node.ID,
			Status:          models.NodeStatusFailed,
			Error:           models.ErrorFrom(wfErr),
			ExecutionTimeMs: usage.WallClockMs,
			ResourceUsage:   &usage,
			FinishedAt:      &finished,
		}); err != nil {
			return nil, models.NewInternalError("record node result", err)
		}

		if !wfErr.Retryable || attempt >= policy.MaxAttempts {
			nodeLog.Error("node failed",
				"code", wfErr.Code,
				"attempts", attempt,
				"error", wfErr.Message,
			)
			return nil, wfErr
		}

		retries, err := d.store.MarkRetrying(storeCtx, req.RunID, req.Node.ID)
		if err != nil {
			return nil, models.NewInternalError("mark node retrying", err)
		}

		delay := policy.Delay(attempt)
		nodeLog.Warn("node attempt failed, retrying",
			"code", wfErr.Code,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"retry_count", retries,
			"delay_ms", delay.Milliseconds(),
		)
		if err := d.sleep(ctx, delay); err != nil {
			return nil, models.NewTimeoutError("run cancelled while waiting to retry").
				WithNode(req.Node.ID).WithCause(err)
		}
	}
}

// classifyAttempt maps an attempt error to its workflow shape. A deadline
// hit on the attempt context wins over whatever the executor surfaced.
func classifyAttempt(err error, timedOut bool) *models.WorkflowError {
	if timedOut {
		return models.NewTimeoutError("node execution exceeded its timeout")
	}
	return models.AsWorkflowError(err)
}
