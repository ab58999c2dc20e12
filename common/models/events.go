package models

import "time"

// Metering event types, one per run lifecycle edge
const (
	EventTaskEnqueued  = "task_enqueued"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
)

// Progress event types, one per node lifecycle edge
const (
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
)

// Audit event types
const (
	EventNodeRolledBack       = "node_rolled_back"
	EventEdgeConditionWarning = "edge_condition_warning"
)

// MeteringEvent feeds usage accounting downstream. Emitted on enqueue and
// on every run lifecycle transition.
type MeteringEvent struct {
	EventType  string         `json:"eventType"`
	TenantID   string         `json:"tenantId"`
	WorkflowID string         `json:"workflowId"`
	RunID      string         `json:"runId"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Progress summarizes how far a run has advanced
type Progress struct {
	CompletedNodes int    `json:"completedNodes"`
	TotalNodes     int    `json:"totalNodes"`
	CurrentNode    string `json:"currentNode"`
}

// ProgressEvent reports a node lifecycle change within a run
type ProgressEvent struct {
	EventType  string    `json:"eventType"`
	TenantID   string    `json:"tenantId"`
	WorkflowID string    `json:"workflowId"`
	RunID      string    `json:"runId"`
	NodeID     string    `json:"nodeId"`
	Progress   *Progress `json:"progress,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
