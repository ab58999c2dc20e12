package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetheriq/flowcore/common/models"
)

func TestInterpolate(t *testing.T) {
	scope := map[string]any{
		"flag":  "yes",
		"count": 5.0,
		"ok":    true,
		"user":  map[string]any{"email": "jo@example.com"},
	}

	tests := []struct {
		template string
		want     string
	}{
		{"{{flag}}", "yes"},
		{"{{ flag }}", "yes"},
		{"count is {{count}}", "count is 5"},
		{"{{ok}}", "true"},
		{"{{user.email}}", "jo@example.com"},
		{"{{missing}}", ""},
		{"{{user.missing}}", ""},
		{"no placeholders", "no placeholders"},
		{"{{flag}}-{{flag}}", "yes-yes"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Interpolate(tt.template, scope), "template %q", tt.template)
	}
}

func TestEvalConditionComparisons(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	input := map[string]any{"flag": "yes", "count": 5.0}
	vars := map[string]any{"region": "eu-west-1"}

	tests := []struct {
		expr string
		want bool
	}{
		{"{{flag}} == yes", true},
		{"{{flag}} == no", false},
		{"{{flag}} != no", true},
		{"'yes' == {{flag}}", true},
		{"{{count}} == 5", true},
		{"{{count}} == 5.0", true},
		{"{{count}} != 6", true},
		{"{{region}} == eu-west-1", true},
		{"{{missing}} == yes", false},
		{"true", true},
		{"false", false},
	}
	for _, tt := range tests {
		got, err := ev.EvalCondition(tt.expr, input, vars)
		require.NoError(t, err, "expression %q", tt.expr)
		assert.Equal(t, tt.want, got, "expression %q", tt.expr)
	}
}

func TestEvalConditionCEL(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	input := map[string]any{"count": 5.0, "items": []any{"a", "b"}}

	got, err := ev.EvalCondition("input.count > 3.0", input, nil)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ev.EvalCondition("size(input.items) > 2", input, nil)
	require.NoError(t, err)
	assert.False(t, got)

	// Equality naming a scope root is CEL, not the string grammar.
	got, err = ev.EvalCondition(`input.status == "ok"`, map[string]any{"status": "ok"}, nil)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = ev.EvalCondition("this is not an expression", input, nil)
	require.Error(t, err)
	wfErr := models.AsWorkflowError(err)
	assert.False(t, wfErr.Retryable)
	assert.Equal(t, models.CategoryValidation, wfErr.Category)

	_, err = ev.EvalCondition("input.count", input, nil)
	require.Error(t, err, "non-boolean result must be rejected")
}

func TestEvalConditionEmpty(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	_, err = ev.EvalCondition("", nil, nil)
	require.Error(t, err)
}

func TestEvalEdgeLifecycleConditions(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	always := models.EdgeCondition{Type: models.EdgeAlways}
	success := models.EdgeCondition{Type: models.EdgeSuccess}
	failure := models.EdgeCondition{Type: models.EdgeFailure}

	got, err := ev.EvalEdge(always, nil, nil, nil, false)
	require.NoError(t, err)
	assert.True(t, got)
	got, err = ev.EvalEdge(always, nil, nil, nil, true)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ev.EvalEdge(success, nil, nil, nil, false)
	require.NoError(t, err)
	assert.True(t, got)
	got, err = ev.EvalEdge(success, nil, nil, nil, true)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = ev.EvalEdge(failure, nil, nil, nil, true)
	require.NoError(t, err)
	assert.True(t, got)
	got, err = ev.EvalEdge(failure, nil, nil, nil, false)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvalEdgeExpressions(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	expr := func(s string) models.EdgeCondition {
		return models.EdgeCondition{Type: models.EdgeExpression, Expression: s}
	}

	// Boolean literal gates on the node's result when present.
	output := map[string]any{"result": true, "condition": "x == y"}
	got, err := ev.EvalEdge(expr("true"), output, nil, nil, false)
	require.NoError(t, err)
	assert.True(t, got)
	got, err = ev.EvalEdge(expr("false"), output, nil, nil, false)
	require.NoError(t, err)
	assert.False(t, got)

	// Without result or status it stands for itself.
	got, err = ev.EvalEdge(expr("true"), map[string]any{}, nil, nil, false)
	require.NoError(t, err)
	assert.True(t, got)

	// Plain string matches output.status or output.result.
	sent := map[string]any{"status": "sent"}
	got, err = ev.EvalEdge(expr("sent"), sent, nil, nil, false)
	require.NoError(t, err)
	assert.True(t, got)
	got, err = ev.EvalEdge(expr("bounced"), sent, nil, nil, false)
	require.NoError(t, err)
	assert.False(t, got)

	// Comparison over interpolated input.
	input := map[string]any{"flag": "yes"}
	got, err = ev.EvalEdge(expr("{{flag}} == yes"), nil, input, nil, false)
	require.NoError(t, err)
	assert.True(t, got)

	// CEL over the node output.
	coded := map[string]any{"code": 200.0}
	got, err = ev.EvalEdge(expr("output.code >= 200.0 && output.code < 300.0"), coded, nil, nil, false)
	require.NoError(t, err)
	assert.True(t, got)

	// Unparseable expressions surface an error for the warning path.
	_, err = ev.EvalEdge(expr("$$ not cel $$"), nil, nil, nil, false)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	assert.NoError(t, ev.Validate("{{flag}} == yes"))
	assert.NoError(t, ev.Validate("true"))
	assert.NoError(t, ev.Validate("approved"))
	assert.NoError(t, ev.Validate("input.count > 3.0"))
	assert.Error(t, ev.Validate(""))
	assert.Error(t, ev.Validate("$$ not cel $$"))
}
