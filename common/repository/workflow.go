package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aetheriq/flowcore/common/cache"
	"github.com/aetheriq/flowcore/common/db"
	"github.com/aetheriq/flowcore/common/models"
)

// workflowCacheTTL bounds memory held by cached definitions. Entries are
// immutable (a change produces a new version, hence a new key), so the TTL
// only controls eviction, never staleness.
const workflowCacheTTL = time.Hour

// WorkflowRepository reads and writes workflow definitions. Specific
// versions are cached in memory per process; the latest-version lookup
// always goes to the database because "latest" moves.
type WorkflowRepository struct {
	db    *db.DB
	table string
	cache cache.Cache
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB, table string, c cache.Cache) *WorkflowRepository {
	return &WorkflowRepository{db: database, table: table, cache: c}
}

// Get loads a specific version, or the latest active one when version is zero
func (r *WorkflowRepository) Get(ctx context.Context, tenantID, workflowID string, version int) (*models.WorkflowGraph, error) {
	if version > 0 {
		key := workflowCacheKey(tenantID, workflowID, version)
		if r.cache != nil {
			if v, ok, _ := r.cache.Get(ctx, key); ok {
				if g, ok := v.(*models.WorkflowGraph); ok {
					return g, nil
				}
			}
		}

		query := fmt.Sprintf(`
			SELECT definition FROM %s
			WHERE tenant_id = $1 AND workflow_id = $2 AND version = $3
		`, r.table)

		g, err := r.scanGraph(r.db.QueryRow(ctx, query, tenantID, workflowID, version))
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			_ = r.cache.Set(ctx, key, g, workflowCacheTTL)
		}
		return g, nil
	}

	query := fmt.Sprintf(`
		SELECT definition FROM %s
		WHERE tenant_id = $1 AND workflow_id = $2 AND active
		ORDER BY version DESC
		LIMIT 1
	`, r.table)

	g, err := r.scanGraph(r.db.QueryRow(ctx, query, tenantID, workflowID))
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		_ = r.cache.Set(ctx, workflowCacheKey(tenantID, workflowID, g.Version), g, workflowCacheTTL)
	}
	return g, nil
}

// Save stores the graph as the next version and marks it active, returning
// the assigned version. Earlier versions stay readable but inactive.
func (r *WorkflowRepository) Save(ctx context.Context, g *models.WorkflowGraph) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	var next int
	nextQuery := fmt.Sprintf(`
		SELECT COALESCE(MAX(version), 0) + 1 FROM %s
		WHERE tenant_id = $1 AND workflow_id = $2
	`, r.table)
	if err := tx.QueryRow(ctx, nextQuery, g.TenantID, g.WorkflowID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to pick next version: %w", err)
	}

	deactivateQuery := fmt.Sprintf(`
		UPDATE %s SET active = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND workflow_id = $2 AND active
	`, r.table)
	if _, err := tx.Exec(ctx, deactivateQuery, g.TenantID, g.WorkflowID); err != nil {
		return 0, fmt.Errorf("failed to deactivate previous version: %w", err)
	}

	now := time.Now().UTC()
	stored := *g
	stored.Version = next
	stored.Active = true
	stored.CreatedAt = now
	stored.UpdatedAt = now

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, workflow_id, version, active, definition, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, $5)
	`, r.table)
	if _, err := tx.Exec(ctx, insertQuery, g.TenantID, g.WorkflowID, next, &stored, now); err != nil {
		return 0, fmt.Errorf("failed to insert workflow version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit save: %w", err)
	}

	g.Version = next
	g.Active = true
	g.CreatedAt = now
	g.UpdatedAt = now
	return next, nil
}

// List retrieves the latest active definitions for a tenant
func (r *WorkflowRepository) List(ctx context.Context, tenantID string, limit int) ([]*models.WorkflowGraph, error) {
	query := fmt.Sprintf(`
		SELECT definition FROM %s
		WHERE tenant_id = $1 AND active
		ORDER BY updated_at DESC
		LIMIT $2
	`, r.table)

	rows, err := r.db.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var graphs []*models.WorkflowGraph
	for rows.Next() {
		g := &models.WorkflowGraph{}
		if err := rows.Scan(g); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		graphs = append(graphs, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}
	return graphs, nil
}

// scanGraph reads one definition column
func (r *WorkflowRepository) scanGraph(row pgx.Row) (*models.WorkflowGraph, error) {
	g := &models.WorkflowGraph{}
	if err := row.Scan(g); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return g, nil
}

func workflowCacheKey(tenantID, workflowID string, version int) string {
	return fmt.Sprintf("workflow:%s:%s:v%d", tenantID, workflowID, version)
}
