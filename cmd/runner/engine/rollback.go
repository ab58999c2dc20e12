package engine

import (
	"context"

	"github.com/aetheriq/flowcore/cmd/runner/executor"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/models"
)

// rollback compensates the run's completed nodes in reverse topological
// order, so later effects are undone before the work they built on. It is
// best-effort: compensation failures are recorded and skipped, and the run
// still finalizes as FAILED.
func (e *Engine) rollback(ctx context.Context, req *models.RunRequest, t *traversal, runLog *logger.Logger) {
	order := t.plan.Order
	vars := t.execCtx.Variables()

	rolledBack := 0
	for i := len(order) - 1; i >= 0; i-- {
		nodeID := order[i]

		t.mu.Lock()
		output, done := t.completed[nodeID]
		t.mu.Unlock()
		if !done {
			continue
		}

		node, ok := t.plan.NodeByID(nodeID)
		if !ok {
			continue
		}

		compReq := &executor.Request{
			RunID:        req.RunID,
			WorkflowID:   req.WorkflowID,
			TenantID:     req.TenantID,
			Node:         node,
			Input:        output,
			Variables:    vars,
			Secrets:      t.execCtx.Secrets,
			Integrations: t.execCtx.Integrations,
		}

		details := map[string]any{"nodeType": string(node.Type)}
		if cerr := e.registry.Compensator(node.Type).Compensate(ctx, compReq); cerr != nil {
			details["status"] = "error"
			details["error"] = cerr.Error()
			runLog.Warn("compensation failed", "node_id", nodeID, "error", cerr)
		} else {
			details["status"] = "ok"
			rolledBack++
		}
		e.emitter.Audit(ctx, models.EventNodeRolledBack,
			req.TenantID, req.WorkflowID, req.RunID, nodeID, details)
	}

	runLog.Info("rollback finished", "rolled_back", rolledBack)
}
