package models

import (
	"time"
)

// NodeStatus is the lifecycle state of a single node execution
type NodeStatus string

const (
	NodeStatusPending  NodeStatus = "PENDING"
	NodeStatusRunning  NodeStatus = "RUNNING"
	NodeStatusSuccess  NodeStatus = "SUCCESS"
	NodeStatusFailed   NodeStatus = "FAILED"
	NodeStatusSkipped  NodeStatus = "SKIPPED"
	NodeStatusRetrying NodeStatus = "RETRYING"
)

// Terminal reports whether the node finished for good. RETRYING is not
// terminal; it returns to RUNNING on the next attempt.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusSuccess || s == NodeStatusFailed || s == NodeStatusSkipped
}

// ResourceUsage captures per-attempt execution cost
type ResourceUsage struct {
	WallClockMs    int64 `json:"wallClockMs"`
	HeapDeltaBytes int64 `json:"heapDeltaBytes"`
}

// NodeExecution records one node's progress within a run. There is at most
// one record per (runId, nodeId); retries refresh it in place and bump
// RetryCount, which never decreases.
type NodeExecution struct {
	RunID           string         `json:"runId"`
	NodeID          string         `json:"nodeId"`
	NodeType        NodeType       `json:"nodeType,omitempty"`
	Status          NodeStatus     `json:"status"`
	Input           map[string]any `json:"input,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Error           *RunError      `json:"error,omitempty"`
	RetryCount      int            `json:"retryCount"`
	ExecutionTimeMs int64          `json:"executionTimeMs,omitempty"`
	ResourceUsage   *ResourceUsage `json:"resourceUsage,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}
