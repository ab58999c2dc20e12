package service

import (
	"context"
	"fmt"

	"github.com/aetheriq/flowcore/common/expr"
	"github.com/aetheriq/flowcore/common/graph"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/models"
	"github.com/aetheriq/flowcore/common/repository"
	"github.com/aetheriq/flowcore/common/validation"
)

// badEdgeExpression is the issue code for an edge expression that would
// fail at evaluation time. Structural issues come from the graph builder.
const badEdgeExpression = "BAD_EDGE_EXPRESSION"

// WorkflowService stores and reads workflow definitions. Saving validates
// the graph the same way the engine will, so a stored workflow is always
// runnable.
type WorkflowService struct {
	workflows repository.WorkflowStore
	evaluator *expr.Evaluator
	configs   *validation.ConfigValidator
	log       *logger.Logger
}

// NewWorkflowService creates a workflow service
func NewWorkflowService(workflows repository.WorkflowStore, evaluator *expr.Evaluator, log *logger.Logger) *WorkflowService {
	return &WorkflowService{
		workflows: workflows,
		evaluator: evaluator,
		configs:   validation.NewConfigValidator(),
		log:       log,
	}
}

// SaveWorkflowResult reports the assigned version and plan metadata
type SaveWorkflowResult struct {
	WorkflowID           string `json:"workflowId"`
	Version              int    `json:"version"`
	TotalTasks           int    `json:"totalTasks"`
	ParallelizationLevel int    `json:"parallelizationLevel"`
	EstimatedDurationMs  int64  `json:"estimatedDurationMs"`
}

// Save validates the graph and stores it as the next active version
func (s *WorkflowService) Save(ctx context.Context, g *models.WorkflowGraph) (*SaveWorkflowResult, error) {
	var fields []models.FieldError
	if g.WorkflowID == "" {
		fields = append(fields, models.FieldError{Field: "workflowId", Message: "workflowId is required"})
	}
	if g.TenantID == "" {
		fields = append(fields, models.FieldError{Field: "tenantId", Message: "tenantId is required"})
	}
	if len(fields) > 0 {
		return nil, models.NewValidationError(models.CodeValidationError, "invalid workflow").
			WithDetail("fields", fields)
	}

	plan, err := graph.Build(g)
	if err != nil {
		return nil, err
	}

	if issues := s.configs.ValidateNodes(g.Nodes); len(issues) > 0 {
		return nil, models.NewValidationError(models.CodeInvalidWorkflow, "workflow has invalid node configs").
			WithDetail("issues", issues)
	}

	if err := s.validateEdgeExpressions(g); err != nil {
		return nil, err
	}

	version, err := s.workflows.Save(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}

	s.log.Info("workflow saved",
		"workflow_id", g.WorkflowID,
		"tenant_id", g.TenantID,
		"version", version,
		"nodes", plan.TotalTasks,
		"parallelization", plan.ParallelizationLevel,
	)

	return &SaveWorkflowResult{
		WorkflowID:           g.WorkflowID,
		Version:              version,
		TotalTasks:           plan.TotalTasks,
		ParallelizationLevel: plan.ParallelizationLevel,
		EstimatedDurationMs:  plan.EstimatedDurationMs,
	}, nil
}

// validateEdgeExpressions rejects expression edges the evaluator could not
// run. Expressions with run-time placeholders pass on shape alone.
func (s *WorkflowService) validateEdgeExpressions(g *models.WorkflowGraph) error {
	var issues []graph.Issue
	for _, edge := range g.Edges {
		cond := edge.ConditionOrDefault()
		if cond.Type != models.EdgeExpression {
			continue
		}
		if err := s.evaluator.Validate(cond.Expression); err != nil {
			issues = append(issues, graph.Issue{
				Code:    badEdgeExpression,
				Message: fmt.Sprintf("edge %s -> %s: %v", edge.FromNodeID, edge.ToNodeID, err),
				NodeID:  edge.FromNodeID,
			})
		}
	}
	if len(issues) > 0 {
		return models.NewValidationError(models.CodeInvalidWorkflow, "workflow has invalid edge expressions").
			WithDetail("issues", issues)
	}
	return nil
}

// Get loads a workflow version, or the latest active one when version is 0
func (s *WorkflowService) Get(ctx context.Context, tenantID, workflowID string, version int) (*models.WorkflowGraph, error) {
	return s.workflows.Get(ctx, tenantID, workflowID, version)
}

// List returns a tenant's workflow definitions
func (s *WorkflowService) List(ctx context.Context, tenantID string, limit int) ([]*models.WorkflowGraph, error) {
	if tenantID == "" {
		return nil, models.NewValidationError(models.CodeValidationError, "tenantId is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.workflows.List(ctx, tenantID, limit)
}
