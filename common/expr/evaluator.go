// Package expr evaluates workflow expressions: CONDITION node expressions
// and edge conditions. Expressions are interpolated with {{var}}
// placeholders from the run scope, then evaluated with a small equality
// grammar; anything richer is compiled as CEL and cached.
package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/aetheriq/flowcore/common/models"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([\w.$-]+)\s*\}\}`)
	wordRe        = regexp.MustCompile(`^[\w.-]+$`)
	// celRootRe spots references to the CEL scope variables. The equality
	// grammar works on interpolated strings, so expressions naming the
	// scope roots directly belong to CEL.
	celRootRe = regexp.MustCompile(`\b(input|vars|output)\b`)
)

const maxCachedPrograms = 1024

// Interpolate replaces {{path}} placeholders with values from scope.
// Dotted paths descend into nested maps; unresolved placeholders render
// as the empty string.
func Interpolate(template string, scope map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := lookup(scope, key); ok {
			return stringify(v)
		}
		return ""
	})
}

func lookup(scope map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = scope
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}

// Evaluator compiles and runs expressions. Safe for concurrent use.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// New creates an evaluator whose CEL environment exposes the run scope as
// input, vars, and output.
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("vars", cel.DynType),
		cel.Variable("output", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

func merge(input, vars map[string]any) map[string]any {
	scope := make(map[string]any, len(input)+len(vars))
	for k, v := range input {
		scope[k] = v
	}
	for k, v := range vars {
		scope[k] = v
	}
	return scope
}

// EvalCondition evaluates a CONDITION node expression against the run's
// input and variables. Failures are non-retryable validation errors.
func (e *Evaluator) EvalCondition(expression string, input, vars map[string]any) (bool, error) {
	s := strings.TrimSpace(Interpolate(expression, merge(input, vars)))
	if s == "" {
		return false, models.NewValidationError(models.CodeValidationError, "condition expression is empty")
	}
	if s == "true" {
		return true, nil
	}
	if s == "false" {
		return false, nil
	}
	if !celRootRe.MatchString(s) {
		if handled, res := evalComparison(s); handled {
			return res, nil
		}
	}
	return e.evalCEL(s, map[string]any{"input": input, "vars": vars, "output": map[string]any{}})
}

// EvalEdge decides whether an edge is followed given the source node's
// output. failed reports whether the source node ended in failure, which
// drives success/failure conditions. Expression errors surface to the
// caller so it can emit a warning and treat the edge as not taken.
func (e *Evaluator) EvalEdge(cond models.EdgeCondition, output, input, vars map[string]any, failed bool) (bool, error) {
	switch cond.Type {
	case models.EdgeAlways, "":
		return true, nil
	case models.EdgeSuccess:
		return !failed, nil
	case models.EdgeFailure:
		return failed, nil
	}

	s := strings.TrimSpace(Interpolate(cond.Expression, merge(input, vars)))
	switch {
	case s == "":
		return false, models.NewValidationError(models.CodeValidationError, "edge expression is empty")
	case s == "true" || s == "false":
		// A boolean literal matches the node's result or status when the
		// output carries one, otherwise it stands for itself.
		if r, ok := output["result"]; ok {
			return stringify(r) == s, nil
		}
		if st, ok := output["status"]; ok {
			return stringify(st) == s, nil
		}
		return s == "true", nil
	default:
		if celRootRe.MatchString(s) {
			return e.evalCEL(s, map[string]any{"input": input, "vars": vars, "output": output})
		}
		if handled, res := evalComparison(s); handled {
			return res, nil
		}
		if wordRe.MatchString(s) {
			if st, ok := output["status"]; ok && stringify(st) == s {
				return true, nil
			}
			if r, ok := output["result"]; ok && stringify(r) == s {
				return true, nil
			}
			return false, nil
		}
		return e.evalCEL(s, map[string]any{"input": input, "vars": vars, "output": output})
	}
}

// Validate reports whether an expression could be evaluated at run time.
// Placeholder expressions resolve per run, so only their shape is checked.
func (e *Evaluator) Validate(expression string) error {
	s := strings.TrimSpace(expression)
	if s == "" {
		return models.NewValidationError(models.CodeValidationError, "expression is empty")
	}
	if placeholderRe.MatchString(s) {
		return nil
	}
	if s == "true" || s == "false" {
		return nil
	}
	if celRootRe.MatchString(s) {
		_, err := e.program(s)
		return err
	}
	if handled, _ := evalComparison(s); handled {
		return nil
	}
	if wordRe.MatchString(s) {
		return nil
	}
	_, err := e.program(s)
	return err
}

// evalComparison handles the == / != grammar. Operands are compared
// numerically when both sides parse as numbers, as strings otherwise.
func evalComparison(s string) (handled bool, result bool) {
	for _, op := range []string{"==", "!="} {
		if i := strings.Index(s, op); i >= 0 {
			lhs := normalizeOperand(s[:i])
			rhs := normalizeOperand(s[i+len(op):])
			eq := operandsEqual(lhs, rhs)
			if op == "!=" {
				return true, !eq
			}
			return true, eq
		}
	}
	return false, false
}

func normalizeOperand(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func operandsEqual(lhs, rhs string) bool {
	if lf, err := strconv.ParseFloat(lhs, 64); err == nil {
		if rf, err := strconv.ParseFloat(rhs, 64); err == nil {
			return lf == rf
		}
	}
	return lhs == rhs
}

func (e *Evaluator) evalCEL(src string, activation map[string]any) (bool, error) {
	prg, err := e.program(src)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("evaluate expression %q: %v", src, err))
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("expression %q does not evaluate to a boolean", src))
	}
	return b, nil
}

func (e *Evaluator) program(src string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[src]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("compile expression %q: %v", src, iss.Err()))
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("build expression program %q: %v", src, err))
	}

	e.mu.Lock()
	// Interpolated sources vary per run, so bound the cache.
	if len(e.programs) >= maxCachedPrograms {
		e.programs = make(map[string]cel.Program)
	}
	e.programs[src] = prg
	e.mu.Unlock()
	return prg, nil
}
