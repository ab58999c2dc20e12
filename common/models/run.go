package models

import (
	"time"
)

// RunStatus is the lifecycle state of a workflow run
type RunStatus string

const (
	RunStatusQueued  RunStatus = "QUEUED"
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// RunError is the terminal failure recorded on a run or node execution
type RunError struct {
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	StepID  string         `json:"stepId,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorFrom converts a WorkflowError into the persisted error shape
func ErrorFrom(err *WorkflowError) *RunError {
	if err == nil {
		return nil
	}
	return &RunError{
		Code:    err.Code,
		Message: err.Message,
		StepID:  err.NodeID,
		Details: err.Details,
	}
}

// DefaultRetention is how long finished runs are kept before the sweep
// removes them.
const DefaultRetention = 30 * 24 * time.Hour

// Run is a single execution of a workflow against an input payload.
// The submission API creates it; only the execution engine mutates it
// afterwards; the retention sweep destroys it past RetentionDeadline.
type Run struct {
	RunID             string         `json:"runId"`
	WorkflowID        string         `json:"workflowId"`
	WorkflowVersion   int            `json:"workflowVersion,omitempty"`
	TenantID          string         `json:"tenantId"`
	Status            RunStatus      `json:"status"`
	StartNodeID       string         `json:"startNodeId,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
	Error             *RunError      `json:"error,omitempty"`
	StartedAt         time.Time      `json:"startedAt"`
	FinishedAt        *time.Time     `json:"finishedAt,omitempty"`
	RetentionDeadline time.Time      `json:"retentionDeadline,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// RunStatusView is the caller-facing projection returned by the submit
// and status endpoints.
type RunStatusView struct {
	RunID      string     `json:"runId"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Error      *RunError  `json:"error,omitempty"`
}

// StatusView projects the run onto its caller-facing view
func (r *Run) StatusView() RunStatusView {
	return RunStatusView{
		RunID:      r.RunID,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
	}
}

// RunSummary is the list-view projection of a run
type RunSummary struct {
	RunID      string     `json:"runId"`
	WorkflowID string     `json:"workflowId"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Summary projects the run onto its list view
func (r *Run) Summary() RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		WorkflowID: r.WorkflowID,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}
