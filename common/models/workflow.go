package models

import (
	"math/rand"
	"time"
)

// NodeType is the closed set of node kinds the engine knows how to execute
type NodeType string

const (
	NodeTypeStart           NodeType = "START"
	NodeTypeEnd             NodeType = "END"
	NodeTypeCondition       NodeType = "CONDITION"
	NodeTypeParallel        NodeType = "PARALLEL"
	NodeTypeDelay           NodeType = "DELAY"
	NodeTypeAPICall         NodeType = "API_CALL"
	NodeTypeWebhook         NodeType = "WEBHOOK"
	NodeTypeEmail           NodeType = "EMAIL"
	NodeTypeDataTransform   NodeType = "DATA_TRANSFORM"
	NodeTypeGoogleWorkspace NodeType = "GOOGLE_WORKSPACE"
	NodeTypeMicrosoft365    NodeType = "MICROSOFT365"
	NodeTypeSalesforce      NodeType = "SALESFORCE"
	NodeTypeUserProvision   NodeType = "USER_PROVISION"
	NodeTypeUserDeprovision NodeType = "USER_DEPROVISION"
	NodeTypeLicenseAssign   NodeType = "LICENSE_ASSIGN"
	NodeTypeLicenseRevoke   NodeType = "LICENSE_REVOKE"
)

var nodeTypes = map[NodeType]struct{}{
	NodeTypeStart:           {},
	NodeTypeEnd:             {},
	NodeTypeCondition:       {},
	NodeTypeParallel:        {},
	NodeTypeDelay:           {},
	NodeTypeAPICall:         {},
	NodeTypeWebhook:         {},
	NodeTypeEmail:           {},
	NodeTypeDataTransform:   {},
	NodeTypeGoogleWorkspace: {},
	NodeTypeMicrosoft365:    {},
	NodeTypeSalesforce:      {},
	NodeTypeUserProvision:   {},
	NodeTypeUserDeprovision: {},
	NodeTypeLicenseAssign:   {},
	NodeTypeLicenseRevoke:   {},
}

// KnownNodeType reports whether t belongs to the closed set
func KnownNodeType(t NodeType) bool {
	_, ok := nodeTypes[t]
	return ok
}

// BackoffStrategy names how retry delay grows across attempts
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

const maxRetryJitter = time.Second

// RetryPolicy controls per-node retry behavior
type RetryPolicy struct {
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     BackoffStrategy `json:"backoff"`
	DelayMs     int64           `json:"delayMs"`
}

// DefaultRetryPolicy is a single attempt with a one second base delay
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: BackoffFixed, DelayMs: 1000}
}

// Normalize fills zero values with defaults
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff == "" {
		p.Backoff = BackoffFixed
	}
	if p.DelayMs <= 0 {
		p.DelayMs = 1000
	}
	return p
}

// Delay computes the backoff after failed attempt n (1-based), plus up to
// one second of jitter. fixed = base, linear = base*n, exponential =
// base*2^(n-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(p.DelayMs) * time.Millisecond
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = base * time.Duration(attempt)
	case BackoffExponential:
		d = base * time.Duration(1<<(attempt-1))
	default:
		d = base
	}
	return d + time.Duration(rand.Int63n(int64(maxRetryJitter)))
}

// Position is display-only node placement carried through untouched
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeMetadata declares a node's expected inputs, outputs, and error codes
type NodeMetadata struct {
	Inputs     []string `json:"inputs,omitempty"`
	Outputs    []string `json:"outputs,omitempty"`
	ErrorCodes []string `json:"errorCodes,omitempty"`
}

// Node is a single step in a workflow graph
type Node struct {
	ID          string         `json:"id"`
	Type        NodeType       `json:"type"`
	Name        string         `json:"name,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	RetryConfig *RetryPolicy   `json:"retryConfig,omitempty"`
	TimeoutMs   int64          `json:"timeoutMs,omitempty"`
	Position    *Position      `json:"position,omitempty"`
	Metadata    *NodeMetadata  `json:"metadata,omitempty"`
}

// RetryPolicyOrDefault returns the node's retry policy, normalized. The
// policy arrives either as the typed retryConfig field or embedded in the
// config map under the same key.
func (n *Node) RetryPolicyOrDefault() RetryPolicy {
	if n.RetryConfig != nil {
		return n.RetryConfig.Normalize()
	}
	if raw, ok := n.Config["retryConfig"].(map[string]any); ok {
		var p RetryPolicy
		if v, ok := raw["maxAttempts"].(float64); ok {
			p.MaxAttempts = int(v)
		}
		if v, ok := raw["backoff"].(string); ok {
			p.Backoff = BackoffStrategy(v)
		}
		if v, ok := raw["delayMs"].(float64); ok {
			p.DelayMs = int64(v)
		}
		return p.Normalize()
	}
	return DefaultRetryPolicy()
}

// DefaultNodeTimeout bounds a node execution when the node sets none
const DefaultNodeTimeout = 30 * time.Second

// Timeout returns the node's execution deadline
func (n *Node) Timeout() time.Duration {
	if n.TimeoutMs > 0 {
		return time.Duration(n.TimeoutMs) * time.Millisecond
	}
	return DefaultNodeTimeout
}

// ConfigString reads a string-valued config key
func (n *Node) ConfigString(key string) (string, bool) {
	if n.Config == nil {
		return "", false
	}
	v, ok := n.Config[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// EdgeConditionType selects when an edge is followed
type EdgeConditionType string

const (
	EdgeAlways     EdgeConditionType = "always"
	EdgeSuccess    EdgeConditionType = "success"
	EdgeFailure    EdgeConditionType = "failure"
	EdgeExpression EdgeConditionType = "expression"
)

// Weight is the relative traversal cost used for duration estimation only;
// it never affects which edges are followed.
func (t EdgeConditionType) Weight() float64 {
	switch t {
	case EdgeSuccess:
		return 1
	case EdgeFailure:
		return 1.5
	case EdgeExpression:
		return 2
	default:
		return 0.5
	}
}

// EdgeCondition gates traversal across an edge
type EdgeCondition struct {
	Type       EdgeConditionType `json:"type"`
	Expression string            `json:"expression,omitempty"`
}

// Edge connects two nodes in a workflow graph
type Edge struct {
	FromNodeID string         `json:"fromNodeId"`
	ToNodeID   string         `json:"toNodeId"`
	Condition  *EdgeCondition `json:"condition,omitempty"`
}

// ConditionOrDefault returns the edge condition, defaulting to always
func (e *Edge) ConditionOrDefault() EdgeCondition {
	if e.Condition == nil || e.Condition.Type == "" {
		return EdgeCondition{Type: EdgeAlways}
	}
	return *e.Condition
}

// ErrorStrategy selects how traversal reacts to a failing node
type ErrorStrategy string

const (
	ErrorStrategyStop     ErrorStrategy = "stop"
	ErrorStrategyContinue ErrorStrategy = "continue"
	ErrorStrategyRollback ErrorStrategy = "rollback"
)

// GraphConfig is the per-workflow execution configuration
type GraphConfig struct {
	MaxExecutionTimeMs int64         `json:"maxExecutionTimeMs,omitempty"`
	MaxConcurrentNodes int           `json:"maxConcurrentNodes,omitempty"`
	ErrorStrategy      ErrorStrategy `json:"errorStrategy,omitempty"`
	EnableRollback     bool          `json:"enableRollback,omitempty"`
	AuditLevel         string        `json:"auditLevel,omitempty"`
}

// RollbackEnabled reports whether the graph opted into compensation
func (c GraphConfig) RollbackEnabled() bool {
	return c.EnableRollback || c.ErrorStrategy == ErrorStrategyRollback
}

// WorkflowGraph is the stored definition a run executes against.
// Versions are immutable; a change produces a new version.
type WorkflowGraph struct {
	WorkflowID  string      `json:"workflowId"`
	TenantID    string      `json:"tenantId"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Version     int         `json:"version"`
	Nodes       []Node      `json:"nodes"`
	Edges       []Edge      `json:"edges"`
	Config      GraphConfig `json:"config"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Node returns the node with the given id, if present
func (g *WorkflowGraph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}
