package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetheriq/flowcore/common/models"
)

func testRun(runID string, now time.Time) *models.Run {
	return &models.Run{
		RunID:             runID,
		WorkflowID:        "wf-1",
		TenantID:          "tenant-1",
		Status:            models.RunStatusQueued,
		Payload:           map[string]any{"user": "kim"},
		StartedAt:         now,
		RetentionDeadline: now.Add(models.DefaultRetention),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestRunStoreInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	now := time.Now().UTC()

	created, existing, err := store.Insert(ctx, testRun("run-1", now))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)

	// Same runId again, different payload: the stored record wins.
	dup := testRun("run-1", now.Add(time.Minute))
	dup.Payload = map[string]any{"user": "other"}
	created, existing, err = store.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, "kim", existing.Payload["user"])
	assert.Equal(t, now, existing.CreatedAt)
}

func TestRunStoreTransitionGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	now := time.Now().UTC()

	_, _, err := store.Insert(ctx, testRun("run-1", now))
	require.NoError(t, err)

	ok, err := store.TransitionStatus(ctx, "run-1", []models.RunStatus{models.RunStatusQueued}, models.RunStatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second delivery sees the run already RUNNING and must not claim it.
	ok, err = store.TransitionStatus(ctx, "run-1", []models.RunStatus{models.RunStatusQueued}, models.RunStatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown run transitions nothing.
	ok, err = store.TransitionStatus(ctx, "missing", []models.RunStatus{models.RunStatusQueued}, models.RunStatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunStoreFirstTerminalOutcomeWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	now := time.Now().UTC()

	_, _, err := store.Insert(ctx, testRun("run-1", now))
	require.NoError(t, err)

	finishedAt := now.Add(time.Second)
	ok, err := store.Finish(ctx, "run-1", models.RunStatusSuccess, nil, finishedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Finish(ctx, "run-1", models.RunStatusFailed,
		&models.RunError{Code: "INTERNAL_ERROR", Message: "late failure"}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	run, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Nil(t, run.Error)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, finishedAt, *run.FinishedAt)
}

func TestRunStoreListStaleQueued(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	now := time.Now().UTC()

	old := testRun("run-old", now.Add(-20*time.Minute))
	older := testRun("run-older", now.Add(-time.Hour))
	fresh := testRun("run-fresh", now)
	running := testRun("run-running", now.Add(-time.Hour))

	for _, r := range []*models.Run{old, older, fresh, running} {
		_, _, err := store.Insert(ctx, r)
		require.NoError(t, err)
	}
	ok, err := store.TransitionStatus(ctx, "run-running", []models.RunStatus{models.RunStatusQueued}, models.RunStatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	stale, err := store.ListStaleQueued(ctx, now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "run-older", stale[0].RunID)
	assert.Equal(t, "run-old", stale[1].RunID)
}

func TestRunStoreDeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	now := time.Now().UTC()

	expired := testRun("run-expired", now)
	expired.RetentionDeadline = now.Add(-time.Hour)
	kept := testRun("run-kept", now)

	_, _, err := store.Insert(ctx, expired)
	require.NoError(t, err)
	_, _, err = store.Insert(ctx, kept)
	require.NoError(t, err)

	deleted, err := store.DeleteExpired(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Get(ctx, "run-expired")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "run-kept")
	assert.NoError(t, err)
}

func TestNodeExecutionRetryCountNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryNodeExecutionStore()
	started := time.Now().UTC()

	err := store.StartAttempt(ctx, &models.NodeExecution{
		RunID: "run-1", NodeID: "node-a", NodeType: models.NodeTypeAPICall,
		RetryCount: 0, StartedAt: &started,
	})
	require.NoError(t, err)

	count, err := store.MarkRetrying(ctx, "run-1", "node-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = store.MarkRetrying(ctx, "run-1", "node-a")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// A redelivered run replays attempt one; the counter must hold at two.
	err = store.StartAttempt(ctx, &models.NodeExecution{
		RunID: "run-1", NodeID: "node-a", NodeType: models.NodeTypeAPICall,
		RetryCount: 0, StartedAt: &started,
	})
	require.NoError(t, err)

	ne, err := store.Get(ctx, "run-1", "node-a")
	require.NoError(t, err)
	assert.Equal(t, 2, ne.RetryCount)
	assert.Equal(t, models.NodeStatusRunning, ne.Status)
}

func TestNodeExecutionMarkRetryingUnknownNode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryNodeExecutionStore()

	_, err := store.MarkRetrying(ctx, "run-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNodeExecutionMarkSkippedKeepsExistingRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryNodeExecutionStore()
	started := time.Now().UTC()
	finished := started.Add(time.Second)

	err := store.StartAttempt(ctx, &models.NodeExecution{
		RunID: "run-1", NodeID: "node-a", NodeType: models.NodeTypeEmail, StartedAt: &started,
	})
	require.NoError(t, err)
	err = store.Finish(ctx, &models.NodeExecution{
		RunID: "run-1", NodeID: "node-a", Status: models.NodeStatusSuccess,
		Output: map[string]any{"sent": true}, FinishedAt: &finished,
	})
	require.NoError(t, err)

	err = store.MarkSkipped(ctx, "run-1", "node-a", models.NodeTypeEmail)
	require.NoError(t, err)

	ne, err := store.Get(ctx, "run-1", "node-a")
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusSuccess, ne.Status)

	err = store.MarkSkipped(ctx, "run-1", "node-b", models.NodeTypeEnd)
	require.NoError(t, err)
	ne, err = store.Get(ctx, "run-1", "node-b")
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusSkipped, ne.Status)
	assert.Equal(t, 0, ne.RetryCount)
	assert.NotNil(t, ne.FinishedAt)
}

func TestWorkflowStoreVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWorkflowStore()

	g := &models.WorkflowGraph{
		WorkflowID: "wf-1",
		TenantID:   "tenant-1",
		Name:       "onboarding",
		Nodes:      []models.Node{{ID: "start", Type: models.NodeTypeStart}},
	}

	v, err := store.Save(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	g2 := &models.WorkflowGraph{
		WorkflowID: "wf-1",
		TenantID:   "tenant-1",
		Name:       "onboarding v2",
		Nodes:      []models.Node{{ID: "start", Type: models.NodeTypeStart}},
	}
	v, err = store.Save(ctx, g2)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// Zero version resolves to the latest active one.
	latest, err := store.Get(ctx, "tenant-1", "wf-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "onboarding v2", latest.Name)

	// Old versions stay readable.
	v1, err := store.Get(ctx, "tenant-1", "wf-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "onboarding", v1.Name)
	assert.False(t, v1.Active)

	_, err = store.Get(ctx, "tenant-1", "wf-1", 9)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "tenant-2", "wf-1", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.List(ctx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Version)
}
