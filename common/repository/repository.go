// Package repository persists runs, node executions, and workflow
// definitions. The stores expose the primitives the engine relies on:
// conditional insert, conditional update, atomic counter increment,
// per-run listing, and retention deletes.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aetheriq/flowcore/common/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// RunStore persists workflow runs. The submission API inserts; only the
// execution engine transitions status afterwards.
type RunStore interface {
	// Insert creates the run unless its runId already exists. Returns
	// created=false with the existing record on conflict.
	Insert(ctx context.Context, run *models.Run) (created bool, existing *models.Run, err error)
	Get(ctx context.Context, runID string) (*models.Run, error)
	// TransitionStatus moves the run from one of the given statuses to
	// next. Returns false when the run is missing or not in any of them.
	TransitionStatus(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus) (bool, error)
	// Finish records the terminal status, error, and finishedAt. Runs
	// already terminal are left untouched.
	Finish(ctx context.Context, runID string, status models.RunStatus, runErr *models.RunError, finishedAt time.Time) (bool, error)
	ListByTenant(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]*models.RunSummary, error)
	// ListStaleQueued finds runs still QUEUED since before olderThan,
	// candidates for re-enqueue by the janitor.
	ListStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]*models.Run, error)
	// DeleteExpired removes up to limit runs past their retention
	// deadline, returning how many were deleted.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error)
}

// NodeExecutionStore persists per-node progress, at most one record per
// (runId, nodeId).
type NodeExecutionStore interface {
	// StartAttempt creates or refreshes the record to RUNNING for the
	// attempt carried by ne (retryCount = attempt-1).
	StartAttempt(ctx context.Context, ne *models.NodeExecution) error
	// Finish records the attempt outcome: status, output, error, timing,
	// and resource usage.
	Finish(ctx context.Context, ne *models.NodeExecution) error
	// MarkRetrying atomically increments the retry counter and moves the
	// record to RETRYING, returning the new count.
	MarkRetrying(ctx context.Context, runID, nodeID string) (int, error)
	// MarkSkipped records a node that traversal never reached. Existing
	// records are left untouched.
	MarkSkipped(ctx context.Context, runID, nodeID string, nodeType models.NodeType) error
	Get(ctx context.Context, runID, nodeID string) (*models.NodeExecution, error)
	ListByRun(ctx context.Context, runID string) ([]*models.NodeExecution, error)
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error)
}

// WorkflowStore reads and writes workflow definitions. Versions are
// immutable; saving produces the next version.
type WorkflowStore interface {
	// Get loads a specific version, or the latest active one when
	// version is zero.
	Get(ctx context.Context, tenantID, workflowID string, version int) (*models.WorkflowGraph, error)
	// Save stores the graph as the next version and marks it active,
	// returning the assigned version.
	Save(ctx context.Context, g *models.WorkflowGraph) (int, error)
	List(ctx context.Context, tenantID string, limit int) ([]*models.WorkflowGraph, error)
}
