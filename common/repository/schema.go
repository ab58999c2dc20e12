package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/aetheriq/flowcore/common/config"
	"github.com/aetheriq/flowcore/common/db"
)

// InitSchema creates the tables and indexes the stores expect. It is
// idempotent and runs as the bootstrap database init hook, so a fresh
// environment needs no migration step before the services start.
func InitSchema(ctx context.Context, database *db.DB, cfg *config.Config) error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				run_id             TEXT PRIMARY KEY,
				workflow_id        TEXT NOT NULL,
				workflow_version   INT NOT NULL DEFAULT 0,
				tenant_id          TEXT NOT NULL,
				status             TEXT NOT NULL,
				start_node_id      TEXT NOT NULL DEFAULT '',
				payload            JSONB,
				error              JSONB,
				started_at         TIMESTAMPTZ NOT NULL,
				finished_at        TIMESTAMPTZ,
				retention_deadline TIMESTAMPTZ NOT NULL,
				created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, cfg.Database.RunTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, started_at DESC)`,
			indexName(cfg.Database.RunTable, "tenant_started"), cfg.Database.RunTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, created_at)`,
			indexName(cfg.Database.RunTable, "status_created"), cfg.Database.RunTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (retention_deadline)`,
			indexName(cfg.Database.RunTable, "retention"), cfg.Database.RunTable),

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				run_id            TEXT NOT NULL,
				node_id           TEXT NOT NULL,
				node_type         TEXT NOT NULL DEFAULT '',
				status            TEXT NOT NULL,
				input             JSONB,
				output            JSONB,
				error             JSONB,
				retry_count       INT NOT NULL DEFAULT 0,
				execution_time_ms BIGINT NOT NULL DEFAULT 0,
				resource_usage    JSONB,
				started_at        TIMESTAMPTZ,
				finished_at       TIMESTAMPTZ,
				created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (run_id, node_id)
			)`, cfg.Database.NodeExecutionTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (updated_at)`,
			indexName(cfg.Database.NodeExecutionTable, "updated"), cfg.Database.NodeExecutionTable),

		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tenant_id   TEXT NOT NULL,
				workflow_id TEXT NOT NULL,
				version     INT NOT NULL,
				active      BOOLEAN NOT NULL DEFAULT FALSE,
				definition  JSONB NOT NULL,
				created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (tenant_id, workflow_id, version)
			)`, cfg.Database.WorkflowTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, workflow_id) WHERE active`,
			indexName(cfg.Database.WorkflowTable, "active"), cfg.Database.WorkflowTable),
	}

	for _, stmt := range stmts {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// indexName builds a per-table index identifier
func indexName(table, suffix string) string {
	return "idx_" + strings.ReplaceAll(table, ".", "_") + "_" + suffix
}
