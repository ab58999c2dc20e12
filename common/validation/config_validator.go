// Package validation checks workflow node configs at save time against
// what the executors will demand at run time, so a stored workflow does
// not fail on a missing parameter halfway through a run.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aetheriq/flowcore/common/graph"
	"github.com/aetheriq/flowcore/common/models"
)

// BadNodeConfig is the issue code for a node config an executor would
// reject. Structural problems carry the graph builder's codes instead.
const BadNodeConfig = "BAD_NODE_CONFIG"

// knownTransforms mirrors what the data transform executor accepts
var knownTransforms = map[string]struct{}{
	"":             {},
	"passthrough":  {},
	"uppercase":    {},
	"lowercase":    {},
	"addTimestamp": {},
	"merge":        {},
}

// ConfigValidator validates node configs per node type
type ConfigValidator struct{}

// NewConfigValidator creates a config validator
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{}
}

// ValidateNodes returns one issue per config problem found. Values may
// still contain {{placeholders}}; only presence and shape are checked
// here, interpolation happens at run time.
func (v *ConfigValidator) ValidateNodes(nodes []models.Node) []graph.Issue {
	var issues []graph.Issue
	for i := range nodes {
		issues = append(issues, v.validateNode(&nodes[i])...)
	}
	return issues
}

// validateNode checks a single node's config
func (v *ConfigValidator) validateNode(node *models.Node) []graph.Issue {
	var issues []graph.Issue
	bad := func(format string, args ...any) {
		issues = append(issues, graph.Issue{
			Code:    BadNodeConfig,
			Message: fmt.Sprintf(format, args...),
			NodeID:  node.ID,
		})
	}

	switch node.Type {
	case models.NodeTypeAPICall, models.NodeTypeWebhook:
		if !hasConfigString(node, "url") {
			bad("%s node %q requires a url in config", strings.ToLower(string(node.Type)), node.ID)
		}

	case models.NodeTypeCondition:
		if !hasConfigString(node, "expression") {
			bad("condition node %q requires an expression in config", node.ID)
		}

	case models.NodeTypeEmail:
		if !hasConfigString(node, "to") {
			bad("email node %q requires a to address in config", node.ID)
		}
		if !hasConfigString(node, "subject") {
			bad("email node %q requires a subject in config", node.ID)
		}

	case models.NodeTypeDataTransform:
		transform, _ := node.ConfigString("transform")
		if _, ok := knownTransforms[transform]; !ok {
			bad("data_transform node %q: unknown transform %q", node.ID, transform)
			break
		}
		if transform == "merge" {
			if _, ok := node.Config["mergeWith"].(map[string]any); !ok {
				bad("data_transform node %q: merge requires a mergeWith object in config", node.ID)
			}
		}

	case models.NodeTypeDelay:
		issues = append(issues, v.validateDelay(node)...)
	}

	return issues
}

// validateDelay accepts an absent delayMs (the executor defaults it) but
// rejects a present value that is not a non-negative number.
func (v *ConfigValidator) validateDelay(node *models.Node) []graph.Issue {
	if node.Config == nil {
		return nil
	}
	raw, ok := node.Config["delayMs"]
	if !ok {
		return nil
	}

	var ms float64
	switch n := raw.(type) {
	case float64:
		ms = n
	case int:
		ms = float64(n)
	case int64:
		ms = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return []graph.Issue{{
				Code:    BadNodeConfig,
				Message: fmt.Sprintf("delay node %q: delayMs must be a number", node.ID),
				NodeID:  node.ID,
			}}
		}
		ms = f
	default:
		return []graph.Issue{{
			Code:    BadNodeConfig,
			Message: fmt.Sprintf("delay node %q: delayMs must be a number, got %T", node.ID, raw),
			NodeID:  node.ID,
		}}
	}

	if ms < 0 {
		return []graph.Issue{{
			Code:    BadNodeConfig,
			Message: fmt.Sprintf("delay node %q: delayMs cannot be negative", node.ID),
			NodeID:  node.ID,
		}}
	}
	return nil
}

// hasConfigString reports whether the key holds a non-blank string
func hasConfigString(node *models.Node, key string) bool {
	s, ok := node.ConfigString(key)
	return ok && strings.TrimSpace(s) != ""
}
