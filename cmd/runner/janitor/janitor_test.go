package janitor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/metrics"
	"github.com/aetheriq/flowcore/common/models"
	"github.com/aetheriq/flowcore/common/queue"
	"github.com/aetheriq/flowcore/common/repository"
)

func newTestJanitor(t *testing.T) (*Janitor, *repository.MemoryRunStore, *repository.MemoryNodeExecutionStore, *queue.MemoryQueue) {
	t.Helper()

	log := logger.New("error", "text")
	runs := repository.NewMemoryRunStore()
	nodes := repository.NewMemoryNodeExecutionStore()
	q := queue.NewMemoryQueue(3, time.Minute, time.Minute, log)

	j := New(Deps{
		Config: &config.Config{
			Engine: config.EngineConfig{
				RetentionSweepPeriod: time.Minute,
				ReclaimInterval:      time.Minute,
				RetentionSweepBatch:  2,
				StaleQueuedAfter:     30 * time.Second,
			},
			Retention: config.RetentionConfig{
				RunTTL:  30 * 24 * time.Hour,
				NodeTTL: 7 * 24 * time.Hour,
			},
		},
		Runs:    runs,
		Nodes:   nodes,
		Queue:   q,
		Metrics: metrics.New(),
		Log:     log,
	})
	return j, runs, nodes, q
}

func TestSweepRemovesExpiredRuns(t *testing.T) {
	j, runs, _, _ := newTestJanitor(t)
	ctx := context.Background()

	// Five runs past their retention deadline, one still inside it.
	for i := 0; i < 5; i++ {
		req := &models.RunRequest{RunID: fmt.Sprintf("run-old-%d", i), WorkflowID: "wf-1", TenantID: "tenant-1"}
		_, _, err := runs.Insert(ctx, req.NewRun(time.Now().Add(-time.Hour), time.Minute))
		require.NoError(t, err)
	}
	fresh := &models.RunRequest{RunID: "run-fresh", WorkflowID: "wf-1", TenantID: "tenant-1"}
	_, _, err := runs.Insert(ctx, fresh.NewRun(time.Now(), time.Hour))
	require.NoError(t, err)

	require.NoError(t, j.SweepExpired(ctx))

	// Batch size is 2; the sweep drains all five anyway.
	for i := 0; i < 5; i++ {
		_, err := runs.Get(ctx, fmt.Sprintf("run-old-%d", i))
		assert.ErrorIs(t, err, repository.ErrNotFound)
	}
	_, err = runs.Get(ctx, "run-fresh")
	assert.NoError(t, err)
}

func TestSweepRemovesAgedNodeRecords(t *testing.T) {
	j, _, nodes, _ := newTestJanitor(t)
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"start", "work"} {
		require.NoError(t, nodes.StartAttempt(ctx, &models.NodeExecution{
			RunID: "run-1", NodeID: id, StartedAt: &now,
		}))
	}

	// Inside the TTL nothing is touched.
	require.NoError(t, j.SweepExpired(ctx))
	records, err := nodes.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Past the TTL the sweep removes them.
	j.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	require.NoError(t, j.SweepExpired(ctx))
	records, err = nodes.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReclaimRequeuesOnlyStaleQueuedRuns(t *testing.T) {
	j, runs, _, q := newTestJanitor(t)
	ctx := context.Background()

	fixed := time.Now()
	j.now = func() time.Time { return fixed }

	stale := &models.RunRequest{
		RunID: "run-stale", WorkflowID: "wf-1", WorkflowVersion: 3,
		TenantID: "tenant-1", Payload: map[string]any{"user": "ada"},
	}
	_, _, err := runs.Insert(ctx, stale.NewRun(fixed.Add(-time.Minute), time.Hour))
	require.NoError(t, err)

	fresh := &models.RunRequest{RunID: "run-fresh", WorkflowID: "wf-1", TenantID: "tenant-1"}
	_, _, err = runs.Insert(ctx, fresh.NewRun(fixed, time.Hour))
	require.NoError(t, err)

	running := &models.RunRequest{RunID: "run-running", WorkflowID: "wf-1", TenantID: "tenant-1"}
	_, _, err = runs.Insert(ctx, running.NewRun(fixed.Add(-time.Minute), time.Hour))
	require.NoError(t, err)
	moved, err := runs.TransitionStatus(ctx, "run-running",
		[]models.RunStatus{models.RunStatusQueued}, models.RunStatusRunning)
	require.NoError(t, err)
	require.True(t, moved)

	require.NoError(t, j.ReclaimStaleQueued(ctx))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Ready, "only the stale QUEUED run is re-enqueued")

	// A second reclaim in the same second hits the dedup window.
	require.NoError(t, j.ReclaimStaleQueued(ctx))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Ready)

	got := make(chan *queue.Message, 1)
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = q.Consume(cctx, "janitor-test", func(ctx context.Context, msg *queue.Message) error {
			select {
			case got <- msg:
			default:
			}
			cancel()
			return nil
		})
	}()

	select {
	case msg := <-got:
		var req models.RunRequest
		require.NoError(t, json.Unmarshal(msg.Body, &req))
		assert.Equal(t, "run-stale", req.RunID)
		assert.Equal(t, 3, req.WorkflowVersion)
		assert.Equal(t, "ada", req.Payload["user"])
		assert.Equal(t, "true", msg.Attributes[queue.AttrRetryAttempt])
		assert.Equal(t, "run-stale", msg.Attributes[queue.AttrRunID])
		assert.Equal(t, "tenant-1", msg.GroupID)
	case <-time.After(2 * time.Second):
		t.Fatal("re-enqueued message never delivered")
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	j, _, _, _ := newTestJanitor(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
