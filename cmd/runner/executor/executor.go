// Package executor runs individual workflow nodes. A Registry dispatches on
// node type to built-in executors; the retry driver wraps any executor with
// the per-node retry policy and persists attempt records.
package executor

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aetheriq/flowcore/cmd/runner/executor/security"
	"github.com/aetheriq/flowcore/common/expr"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/models"
)

// Request carries one node execution: the node definition plus the run
// scope it executes against. Input and Variables are read-only here; the
// engine owns merging outputs back into the run scope.
type Request struct {
	RunID      string
	WorkflowID string
	TenantID   string
	Node       *models.Node
	Input      map[string]any
	Variables  map[string]any

	// Secrets and Integrations are the tenant-scoped readers the engine
	// resolved for this run. Executors that call out draw credentials
	// from them at execution time.
	Secrets      SecretReader
	Integrations IntegrationReader
}

// Scope merges input and variables for interpolation, variables winning
func (r *Request) Scope() map[string]any {
	scope := make(map[string]any, len(r.Input)+len(r.Variables))
	for k, v := range r.Input {
		scope[k] = v
	}
	for k, v := range r.Variables {
		scope[k] = v
	}
	return scope
}

// Executor runs one node body and returns its output
type Executor interface {
	Execute(ctx context.Context, req *Request) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, req *Request) (map[string]any, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	return f(ctx, req)
}

// Compensator undoes a node's effect during rollback. Compensation is
// best-effort; errors are logged by the engine, never propagated.
type Compensator interface {
	Compensate(ctx context.Context, req *Request) error
}

// CompensatorFunc adapts a function to the Compensator interface
type CompensatorFunc func(ctx context.Context, req *Request) error

// Compensate implements Compensator
func (f CompensatorFunc) Compensate(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// noopCompensator is the default for node kinds without a registered
// compensating action.
var noopCompensator = CompensatorFunc(func(ctx context.Context, req *Request) error {
	return nil
})

// Registry dispatches node execution and compensation by node type
type Registry struct {
	executors    map[models.NodeType]Executor
	compensators map[models.NodeType]Compensator
}

// Deps are the shared dependencies the built-in executors draw on
type Deps struct {
	Evaluator    *expr.Evaluator
	HTTPClient   *http.Client
	URLValidator *security.URLValidator
	Log          *logger.Logger
}

// NewRegistry creates a registry with every built-in node kind wired
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		executors:    make(map[models.NodeType]Executor),
		compensators: make(map[models.NodeType]Compensator),
	}

	httpExec := NewHTTPExecutor(deps.HTTPClient, deps.URLValidator, deps.Log)

	r.Register(models.NodeTypeStart, ExecutorFunc(executeStart))
	r.Register(models.NodeTypeEnd, ExecutorFunc(executeEnd))
	r.Register(models.NodeTypeDelay, ExecutorFunc(executeDelay))
	r.Register(models.NodeTypeParallel, ExecutorFunc(executeParallel))
	r.Register(models.NodeTypeEmail, ExecutorFunc(executeEmail))
	r.Register(models.NodeTypeDataTransform, ExecutorFunc(executeDataTransform))
	r.Register(models.NodeTypeCondition, NewConditionExecutor(deps.Evaluator))
	r.Register(models.NodeTypeAPICall, httpExec)
	r.Register(models.NodeTypeWebhook, NewWebhookExecutor(httpExec))

	integ := NewIntegrationExecutor()
	for t := range providerFor {
		r.Register(t, integ)
	}
	r.RegisterCompensator(models.NodeTypeUserProvision, integ)
	r.RegisterCompensator(models.NodeTypeLicenseAssign, integ)

	return r
}

// Register installs or replaces the executor for a node type
func (r *Registry) Register(t models.NodeType, e Executor) {
	r.executors[t] = e
}

// RegisterCompensator installs the compensating action for a node type
func (r *Registry) RegisterCompensator(t models.NodeType, c Compensator) {
	r.compensators[t] = c
}

// Execute dispatches the request to the executor for its node type.
// Unknown kinds fail non-retryable: the graph passed validation against
// the same closed set, so reaching this means definition drift.
func (r *Registry) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	exec, ok := r.executors[req.Node.Type]
	if !ok {
		return nil, models.NewValidationError(models.CodeUnsupportedNodeType,
			fmt.Sprintf("no executor registered for node type %q", req.Node.Type))
	}
	return exec.Execute(ctx, req)
}

// Compensator returns the compensating action for a node type, defaulting
// to a no-op
func (r *Registry) Compensator(t models.NodeType) Compensator {
	if c, ok := r.compensators[t]; ok {
		return c
	}
	return noopCompensator
}
