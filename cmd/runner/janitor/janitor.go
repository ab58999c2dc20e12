// Package janitor runs the background maintenance loops of the execution
// core: the retention sweep removing expired run state, and the reconciler
// re-enqueueing runs stuck in QUEUED whose message never reached a worker.
package janitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/metrics"
	"github.com/aetheriq/flowcore/common/models"
	"github.com/aetheriq/flowcore/common/queue"
	"github.com/aetheriq/flowcore/common/repository"
)

// Deps wires the janitor's collaborators
type Deps struct {
	Config  *config.Config
	Runs    repository.RunStore
	Nodes   repository.NodeExecutionStore
	Queue   queue.Queue
	Metrics *metrics.Metrics
	Log     *logger.Logger
}

// Janitor owns the periodic maintenance work. One instance per runner
// process; both stores tolerate concurrent sweeps from multiple runners.
type Janitor struct {
	cfg     *config.Config
	runs    repository.RunStore
	nodes   repository.NodeExecutionStore
	queue   queue.Queue
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// New creates a janitor
func New(deps Deps) *Janitor {
	return &Janitor{
		cfg:     deps.Config,
		runs:    deps.Runs,
		nodes:   deps.Nodes,
		queue:   deps.Queue,
		metrics: deps.Metrics,
		log:     deps.Log,
		now:     time.Now,
	}
}

// Start runs both loops until ctx is done
func (j *Janitor) Start(ctx context.Context) error {
	j.log.Info("janitor starting",
		"sweep_period", j.cfg.Engine.RetentionSweepPeriod,
		"reclaim_interval", j.cfg.Engine.ReclaimInterval,
		"stale_queued_after", j.cfg.Engine.StaleQueuedAfter,
	)

	sweep := time.NewTicker(j.cfg.Engine.RetentionSweepPeriod)
	defer sweep.Stop()
	reclaim := time.NewTicker(j.cfg.Engine.ReclaimInterval)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor shutting down")
			return ctx.Err()
		case <-sweep.C:
			if err := j.SweepExpired(ctx); err != nil {
				j.log.Error("retention sweep failed", "error", err)
			}
		case <-reclaim.C:
			if err := j.ReclaimStaleQueued(ctx); err != nil {
				j.log.Error("stale run reclaim failed", "error", err)
			}
		}
	}
}

// SweepExpired removes runs past their retention deadline and node records
// untouched for longer than the node TTL. Deletion is batched so a sweep
// never holds the store for long.
func (j *Janitor) SweepExpired(ctx context.Context) error {
	now := j.now()

	runsDeleted, err := j.sweepEntity(ctx, "runs", func() (int64, error) {
		return j.runs.DeleteExpired(ctx, now, j.cfg.Engine.RetentionSweepBatch)
	})
	if err != nil {
		return fmt.Errorf("sweep runs: %w", err)
	}

	nodeCutoff := now.Add(-j.cfg.Retention.NodeTTL)
	nodesDeleted, err := j.sweepEntity(ctx, "node_executions", func() (int64, error) {
		return j.nodes.DeleteExpired(ctx, nodeCutoff, j.cfg.Engine.RetentionSweepBatch)
	})
	if err != nil {
		return fmt.Errorf("sweep node executions: %w", err)
	}

	if runsDeleted+nodesDeleted > 0 {
		j.log.Info("retention sweep finished",
			"runs", runsDeleted, "node_executions", nodesDeleted)
	}
	return nil
}

// sweepEntity deletes in batches until a batch comes back short
func (j *Janitor) sweepEntity(ctx context.Context, entity string, del func() (int64, error)) (int64, error) {
	batch := int64(j.cfg.Engine.RetentionSweepBatch)
	var total int64
	for {
		n, err := del()
		if err != nil {
			return total, err
		}
		if n > 0 {
			j.metrics.SweptRecords.WithLabelValues(entity).Add(float64(n))
			total += n
		}
		if batch <= 0 || n < batch {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// ReclaimStaleQueued re-enqueues runs sitting in QUEUED past the staleness
// threshold: submit recorded them but the message never made it to a
// worker. A fresh dedup id steps around the original enqueue's dedup
// window; the queue-side window still caps re-enqueues to one per second
// per run.
func (j *Janitor) ReclaimStaleQueued(ctx context.Context) error {
	cutoff := j.now().Add(-j.cfg.Engine.StaleQueuedAfter)
	stale, err := j.runs.ListStaleQueued(ctx, cutoff, j.cfg.Engine.RetentionSweepBatch)
	if err != nil {
		return fmt.Errorf("list stale queued runs: %w", err)
	}

	requeued := 0
	for _, run := range stale {
		req := &models.RunRequest{
			RunID:           run.RunID,
			WorkflowID:      run.WorkflowID,
			WorkflowVersion: run.WorkflowVersion,
			TenantID:        run.TenantID,
			StartNodeID:     run.StartNodeID,
			Payload:         run.Payload,
		}
		body, merr := json.Marshal(req)
		if merr != nil {
			j.log.Error("marshal stale run request", "run_id", run.RunID, "error", merr)
			continue
		}

		sent, qerr := j.queue.Enqueue(ctx, body, queue.EnqueueOptions{
			DedupID: fmt.Sprintf("%s-retry-%d", run.RunID, j.now().Unix()),
			GroupID: run.TenantID,
			Attributes: map[string]string{
				queue.AttrRunID:        run.RunID,
				queue.AttrWorkflowID:   run.WorkflowID,
				queue.AttrTenantID:     run.TenantID,
				queue.AttrRetryAttempt: "true",
			},
		})
		if qerr != nil {
			j.log.Error("re-enqueue stale run", "run_id", run.RunID, "error", qerr)
			continue
		}
		if !sent {
			continue
		}
		j.metrics.RequeuedStale.Inc()
		j.log.Warn("re-enqueued stale run",
			"run_id", run.RunID, "queued_since", run.CreatedAt)
		requeued++
	}

	if requeued > 0 {
		j.log.Info("stale run reclaim finished", "requeued", requeued)
	}
	return nil
}
