package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetheriq/flowcore/common/models"
)

func TestValidateNodesAcceptsCompleteConfigs(t *testing.T) {
	v := NewConfigValidator()

	nodes := []models.Node{
		{ID: "start", Type: models.NodeTypeStart},
		{ID: "call", Type: models.NodeTypeAPICall, Config: map[string]any{"url": "https://api.example.com/v1/users"}},
		{ID: "gate", Type: models.NodeTypeCondition, Config: map[string]any{"expression": "input.count > 0"}},
		{ID: "notify", Type: models.NodeTypeEmail, Config: map[string]any{"to": "{{input.email}}", "subject": "Provisioned"}},
		{ID: "shape", Type: models.NodeTypeDataTransform, Config: map[string]any{"transform": "merge", "mergeWith": map[string]any{"source": "flowcore"}}},
		{ID: "wait", Type: models.NodeTypeDelay, Config: map[string]any{"delayMs": float64(250)}},
		{ID: "end", Type: models.NodeTypeEnd},
	}

	assert.Empty(t, v.ValidateNodes(nodes))
}

func TestValidateNodesFlagsMissingRequiredKeys(t *testing.T) {
	v := NewConfigValidator()

	nodes := []models.Node{
		{ID: "call", Type: models.NodeTypeAPICall},
		{ID: "gate", Type: models.NodeTypeCondition, Config: map[string]any{"expression": "   "}},
		{ID: "notify", Type: models.NodeTypeEmail, Config: map[string]any{"to": "ops@example.com"}},
	}

	issues := v.ValidateNodes(nodes)
	require.Len(t, issues, 3)
	for _, issue := range issues {
		assert.Equal(t, BadNodeConfig, issue.Code)
	}
	assert.Equal(t, "call", issues[0].NodeID)
	assert.Equal(t, "gate", issues[1].NodeID)
	assert.Equal(t, "notify", issues[2].NodeID)
	assert.Contains(t, issues[2].Message, "subject")
}

func TestValidateNodesChecksTransforms(t *testing.T) {
	v := NewConfigValidator()

	issues := v.ValidateNodes([]models.Node{
		{ID: "shape", Type: models.NodeTypeDataTransform, Config: map[string]any{"transform": "rot13"}},
	})
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "rot13")

	issues = v.ValidateNodes([]models.Node{
		{ID: "shape", Type: models.NodeTypeDataTransform, Config: map[string]any{"transform": "merge"}},
	})
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "mergeWith")

	// passthrough needs no extra config
	assert.Empty(t, v.ValidateNodes([]models.Node{
		{ID: "shape", Type: models.NodeTypeDataTransform},
	}))
}

func TestValidateNodesChecksDelay(t *testing.T) {
	v := NewConfigValidator()

	// absent delayMs is fine, the executor defaults it
	assert.Empty(t, v.ValidateNodes([]models.Node{
		{ID: "wait", Type: models.NodeTypeDelay},
	}))

	issues := v.ValidateNodes([]models.Node{
		{ID: "wait", Type: models.NodeTypeDelay, Config: map[string]any{"delayMs": "soon"}},
	})
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "must be a number")

	issues = v.ValidateNodes([]models.Node{
		{ID: "wait", Type: models.NodeTypeDelay, Config: map[string]any{"delayMs": float64(-5)}},
	})
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Message, "negative")
}
