package engine

import (
	"sync"
	"time"

	"github.com/aetheriq/flowcore/cmd/runner/executor"
	"github.com/aetheriq/flowcore/common/models"
)

// ExecutionContext is the per-run state shared across node executions:
// identity, the submit payload, tenant readers, the run deadline, and a
// variables map collecting node outputs keyed by node id. Variables are
// what {{nodeId.field}} placeholders and CEL vars resolve against.
type ExecutionContext struct {
	RunID      string
	WorkflowID string
	TenantID   string
	Payload    map[string]any

	Secrets      executor.SecretReader
	Integrations executor.IntegrationReader

	StartTime time.Time
	TimeoutAt time.Time

	mu        sync.Mutex
	variables map[string]any
}

func newExecutionContext(req *models.RunRequest, cfg models.GraphConfig, defaultTimeout time.Duration, secrets executor.SecretReader, integrations executor.IntegrationReader, now time.Time) *ExecutionContext {
	timeout := defaultTimeout
	if cfg.MaxExecutionTimeMs > 0 {
		timeout = time.Duration(cfg.MaxExecutionTimeMs) * time.Millisecond
	}

	// Variables start as a copy of the submit payload, so {{key}} resolves
	// anywhere in the run, not only on nodes fed by START's output.
	variables := make(map[string]any, len(req.Payload))
	for k, v := range req.Payload {
		variables[k] = v
	}

	return &ExecutionContext{
		RunID:        req.RunID,
		WorkflowID:   req.WorkflowID,
		TenantID:     req.TenantID,
		Payload:      req.Payload,
		Secrets:      secrets,
		Integrations: integrations,
		StartTime:    now,
		TimeoutAt:    now.Add(timeout),
		variables:    variables,
	}
}

// SetVariable records a node output under its node id
func (c *ExecutionContext) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// Variables returns a snapshot of the variables map
func (c *ExecutionContext) Variables() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// Elapsed is the wall clock time since the run started
func (c *ExecutionContext) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}
