package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aetheriq/flowcore/common/db"
	"github.com/aetheriq/flowcore/common/models"
)

const runColumns = `run_id, workflow_id, workflow_version, tenant_id, status, start_node_id,
		payload, error, started_at, finished_at, retention_deadline, created_at, updated_at`

// RunRepository handles database operations for workflow runs
type RunRepository struct {
	db    *db.DB
	table string
}

// NewRunRepository creates a new run repository
func NewRunRepository(database *db.DB, table string) *RunRepository {
	return &RunRepository{db: database, table: table}
}

// Insert creates the run unless its run_id already exists. On conflict the
// stored record wins and is returned unchanged, which is what makes
// submission idempotent.
func (r *RunRepository) Insert(ctx context.Context, run *models.Run) (bool, *models.Run, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id) DO NOTHING
	`, r.table, runColumns)

	tag, err := r.db.Exec(
		ctx,
		query,
		run.RunID,
		run.WorkflowID,
		run.WorkflowVersion,
		run.TenantID,
		run.Status,
		run.StartNodeID,
		run.Payload,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
		run.RetentionDeadline,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert run: %w", err)
	}

	if tag.RowsAffected() > 0 {
		return true, nil, nil
	}

	// Conflict: the run was submitted before. Return the stored record.
	existing, err := r.Get(ctx, run.RunID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to load existing run: %w", err)
	}
	return false, existing, nil
}

// Get retrieves a run by its ID
func (r *RunRepository) Get(ctx context.Context, runID string) (*models.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1`, runColumns, r.table)

	run, err := r.scanRun(r.db.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// TransitionStatus moves the run to the next status only when it currently
// sits in one of the given statuses. The WHERE clause is the guard: a
// redelivered message whose run already moved on updates zero rows.
func (r *RunRepository) TransitionStatus(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, updated_at = NOW()
		WHERE run_id = $1 AND status = ANY($3)
	`, r.table)

	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	tag, err := r.db.Exec(ctx, query, runID, to, fromStrs)
	if err != nil {
		return false, fmt.Errorf("failed to transition run status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Finish records the terminal status, error, and finish time. Runs already
// terminal are left untouched so the first outcome wins.
func (r *RunRepository) Finish(ctx context.Context, runID string, status models.RunStatus, runErr *models.RunError, finishedAt time.Time) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, error = $3, finished_at = $4, updated_at = NOW()
		WHERE run_id = $1 AND status NOT IN ($5, $6)
	`, r.table)

	tag, err := r.db.Exec(ctx, query, runID, status, runErr, finishedAt,
		models.RunStatusSuccess, models.RunStatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to finish run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByTenant retrieves recent runs for a tenant, optionally filtered by
// status. Ordered by started_at DESC.
func (r *RunRepository) ListByTenant(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]*models.RunSummary, error) {
	query := fmt.Sprintf(`
		SELECT run_id, workflow_id, status, started_at, finished_at
		FROM %s
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3
	`, r.table)

	rows, err := r.db.Query(ctx, query, tenantID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.RunSummary
	for rows.Next() {
		s := &models.RunSummary{}
		if err := rows.Scan(&s.RunID, &s.WorkflowID, &s.Status, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListStaleQueued finds runs still QUEUED since before olderThan, oldest
// first. The janitor re-enqueues them.
func (r *RunRepository) ListStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]*models.Run, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, runColumns, r.table)

	rows, err := r.db.Query(ctx, query, models.RunStatusQueued, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteExpired removes up to limit runs past their retention deadline
func (r *RunRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE run_id IN (
			SELECT run_id FROM %s
			WHERE retention_deadline <= $1
			LIMIT $2
		)
	`, r.table, r.table)

	tag, err := r.db.Exec(ctx, query, before, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanRun reads one full run row
func (r *RunRepository) scanRun(row pgx.Row) (*models.Run, error) {
	run := &models.Run{}
	err := row.Scan(
		&run.RunID,
		&run.WorkflowID,
		&run.WorkflowVersion,
		&run.TenantID,
		&run.Status,
		&run.StartNodeID,
		&run.Payload,
		&run.Error,
		&run.StartedAt,
		&run.FinishedAt,
		&run.RetentionDeadline,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}
