package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/aetheriq/flowcore/common/expr"
	"github.com/aetheriq/flowcore/common/models"
)

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// executeStart marks the run's entry point
func executeStart(ctx context.Context, req *Request) (map[string]any, error) {
	return map[string]any{
		"status":    "started",
		"timestamp": nowStamp(),
	}, nil
}

// executeEnd merges the incoming scope with the completion marker
func executeEnd(ctx context.Context, req *Request) (map[string]any, error) {
	out := make(map[string]any, len(req.Input)+2)
	for k, v := range req.Input {
		out[k] = v
	}
	out["status"] = "completed"
	out["timestamp"] = nowStamp()
	return out, nil
}

// executeDelay sleeps delayMs, honoring cancellation. An interrupted delay
// is a timeout, retryable under the node's policy.
func executeDelay(ctx context.Context, req *Request) (map[string]any, error) {
	delayMs := configInt64(req.Node, "delayMs", 1000)

	timer := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, models.NewTimeoutError(
			fmt.Sprintf("delay of %dms interrupted: %v", delayMs, ctx.Err()))
	case <-timer.C:
	}

	out := make(map[string]any, len(req.Input)+3)
	for k, v := range req.Input {
		out[k] = v
	}
	out["delayed"] = true
	out["delayMs"] = delayMs
	out["timestamp"] = nowStamp()
	return out, nil
}

// executeParallel marks a fan-out point; the engine owns the branching
func executeParallel(ctx context.Context, req *Request) (map[string]any, error) {
	return map[string]any{
		"status":    "fan_out",
		"timestamp": nowStamp(),
	}, nil
}

// executeEmail validates the envelope and reports the message as sent.
// Actual delivery happens downstream of the event stream.
func executeEmail(ctx context.Context, req *Request) (map[string]any, error) {
	scope := req.Scope()
	to, _ := req.Node.ConfigString("to")
	subject, _ := req.Node.ConfigString("subject")
	to = strings.TrimSpace(expr.Interpolate(to, scope))
	subject = strings.TrimSpace(expr.Interpolate(subject, scope))

	if to == "" || subject == "" {
		return nil, models.NewValidationError(models.CodeValidationError,
			"email node requires to and subject in config")
	}

	return map[string]any{
		"messageId": uuid.NewString(),
		"to":        to,
		"subject":   subject,
		"status":    "sent",
	}, nil
}

// executeDataTransform applies a named transform to the input
func executeDataTransform(ctx context.Context, req *Request) (map[string]any, error) {
	transform, _ := req.Node.ConfigString("transform")

	switch transform {
	case "uppercase":
		return transformStrings(req.Input, strings.ToUpper), nil
	case "lowercase":
		return transformStrings(req.Input, strings.ToLower), nil
	case "addTimestamp":
		out := copyMap(req.Input)
		out["timestamp"] = nowStamp()
		return out, nil
	case "merge":
		return mergeTransform(req.Node, req.Input)
	case "", "passthrough":
		return copyMap(req.Input), nil
	default:
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("unknown transform %q", transform))
	}
}

// mergeTransform applies config.mergeWith as an RFC 7386 merge patch
func mergeTransform(node *models.Node, input map[string]any) (map[string]any, error) {
	patch, ok := node.Config["mergeWith"].(map[string]any)
	if !ok {
		return nil, models.NewValidationError(models.CodeValidationError,
			"merge transform requires a mergeWith object in config")
	}

	doc, err := json.Marshal(input)
	if err != nil {
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("merge transform: input not serializable: %v", err))
	}
	patchDoc, err := json.Marshal(patch)
	if err != nil {
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("merge transform: mergeWith not serializable: %v", err))
	}

	merged, err := jsonpatch.MergePatch(doc, patchDoc)
	if err != nil {
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("merge transform failed: %v", err))
	}

	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("merge transform produced invalid document: %v", err))
	}
	return out, nil
}

func transformStrings(in map[string]any, fn func(string) string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = fn(s)
		} else {
			out[k] = v
		}
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// configInt64 reads a numeric config value; JSON numbers arrive as float64
func configInt64(node *models.Node, key string, def int64) int64 {
	if node.Config == nil {
		return def
	}
	switch v := node.Config[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return def
}

// ConditionExecutor evaluates a CONDITION node's expression against the
// run scope. The boolean lands in output.result, which downstream edge
// conditions match on.
type ConditionExecutor struct {
	evaluator *expr.Evaluator
}

// NewConditionExecutor creates a condition executor
func NewConditionExecutor(evaluator *expr.Evaluator) *ConditionExecutor {
	return &ConditionExecutor{evaluator: evaluator}
}

// Execute implements Executor
func (e *ConditionExecutor) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	expression, _ := req.Node.ConfigString("expression")
	if strings.TrimSpace(expression) == "" {
		return nil, models.NewValidationError(models.CodeValidationError,
			"condition node requires an expression in config")
	}

	result, err := e.evaluator.EvalCondition(expression, req.Input, req.Variables)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"condition": expression,
		"result":    result,
		"input":     req.Input,
		"timestamp": nowStamp(),
	}, nil
}
