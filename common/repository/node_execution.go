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

const nodeExecutionColumns = `run_id, node_id, node_type, status, input, output, error,
		retry_count, execution_time_ms, resource_usage, started_at, finished_at, created_at, updated_at`

// NodeExecutionRepository handles database operations for per-node progress
type NodeExecutionRepository struct {
	db    *db.DB
	table string
}

// NewNodeExecutionRepository creates a new node execution repository
func NewNodeExecutionRepository(database *db.DB, table string) *NodeExecutionRepository {
	return &NodeExecutionRepository{db: database, table: table}
}

// StartAttempt creates or refreshes the record to RUNNING for a new attempt.
// GREATEST keeps the retry counter monotonic when a redelivered run replays
// an attempt the previous consumer already counted.
func (r *NodeExecutionRepository) StartAttempt(ctx context.Context, ne *models.NodeExecution) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, node_id, node_type, status, input, retry_count, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (run_id, node_id) DO UPDATE SET
			status = EXCLUDED.status,
			input = EXCLUDED.input,
			retry_count = GREATEST(%s.retry_count, EXCLUDED.retry_count),
			started_at = EXCLUDED.started_at,
			error = NULL,
			updated_at = NOW()
	`, r.table, r.table)

	_, err := r.db.Exec(
		ctx,
		query,
		ne.RunID,
		ne.NodeID,
		ne.NodeType,
		models.NodeStatusRunning,
		ne.Input,
		ne.RetryCount,
		ne.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to start node attempt: %w", err)
	}
	return nil
}

// Finish records the attempt outcome
func (r *NodeExecutionRepository) Finish(ctx context.Context, ne *models.NodeExecution) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $3, output = $4, error = $5, execution_time_ms = $6,
			resource_usage = $7, finished_at = $8, updated_at = NOW()
		WHERE run_id = $1 AND node_id = $2
	`, r.table)

	_, err := r.db.Exec(
		ctx,
		query,
		ne.RunID,
		ne.NodeID,
		ne.Status,
		ne.Output,
		ne.Error,
		ne.ExecutionTimeMs,
		ne.ResourceUsage,
		ne.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish node attempt: %w", err)
	}
	return nil
}

// MarkRetrying atomically increments the retry counter and moves the record
// to RETRYING, returning the new count. The increment lives in the database
// so concurrent deliveries of the same run never double-count.
func (r *NodeExecutionRepository) MarkRetrying(ctx context.Context, runID, nodeID string) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $3, retry_count = retry_count + 1, updated_at = NOW()
		WHERE run_id = $1 AND node_id = $2
		RETURNING retry_count
	`, r.table)

	var count int
	err := r.db.QueryRow(ctx, query, runID, nodeID, models.NodeStatusRetrying).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to mark node retrying: %w", err)
	}
	return count, nil
}

// MarkSkipped records a node traversal never reached. Nodes that did run
// keep their record.
func (r *NodeExecutionRepository) MarkSkipped(ctx context.Context, runID, nodeID string, nodeType models.NodeType) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, node_id, node_type, status, retry_count, finished_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), NOW(), NOW())
		ON CONFLICT (run_id, node_id) DO NOTHING
	`, r.table)

	_, err := r.db.Exec(ctx, query, runID, nodeID, nodeType, models.NodeStatusSkipped)
	if err != nil {
		return fmt.Errorf("failed to mark node skipped: %w", err)
	}
	return nil
}

// Get retrieves one node execution record
func (r *NodeExecutionRepository) Get(ctx context.Context, runID, nodeID string) (*models.NodeExecution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1 AND node_id = $2`,
		nodeExecutionColumns, r.table)

	ne, err := r.scanNodeExecution(r.db.QueryRow(ctx, query, runID, nodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get node execution: %w", err)
	}
	return ne, nil
}

// ListByRun retrieves all node records for a run, oldest first
func (r *NodeExecutionRepository) ListByRun(ctx context.Context, runID string) ([]*models.NodeExecution, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE run_id = $1
		ORDER BY created_at ASC, node_id ASC
	`, nodeExecutionColumns, r.table)

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer rows.Close()

	var nes []*models.NodeExecution
	for rows.Next() {
		ne, err := r.scanNodeExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}
		nes = append(nes, ne)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node executions: %w", err)
	}
	return nes, nil
}

// DeleteExpired removes up to limit records not touched since before
func (r *NodeExecutionRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE (run_id, node_id) IN (
			SELECT run_id, node_id FROM %s
			WHERE updated_at <= $1
			LIMIT $2
		)
	`, r.table, r.table)

	tag, err := r.db.Exec(ctx, query, before, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired node executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanNodeExecution reads one full node execution row
func (r *NodeExecutionRepository) scanNodeExecution(row pgx.Row) (*models.NodeExecution, error) {
	ne := &models.NodeExecution{}
	err := row.Scan(
		&ne.RunID,
		&ne.NodeID,
		&ne.NodeType,
		&ne.Status,
		&ne.Input,
		&ne.Output,
		&ne.Error,
		&ne.RetryCount,
		&ne.ExecutionTimeMs,
		&ne.ResourceUsage,
		&ne.StartedAt,
		&ne.FinishedAt,
		&ne.CreatedAt,
		&ne.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ne, nil
}
