package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunRequest is the submit payload and, unchanged, the queue message body
type RunRequest struct {
	RunID           string         `json:"runId"`
	WorkflowID      string         `json:"workflowId"`
	WorkflowVersion int            `json:"workflowVersion,omitempty"`
	TenantID        string         `json:"tenantId"`
	StartNodeID     string         `json:"startNodeId,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// FieldError is a single field-level validation finding
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate checks the request invariants: a well-formed UUID runId,
// non-empty workflowId and tenantId, and a payload within maxPayloadBytes.
// Findings come back as a validation error with per-field details.
func (r *RunRequest) Validate(maxPayloadBytes int) error {
	var fields []FieldError

	if r.RunID == "" {
		fields = append(fields, FieldError{Field: "runId", Message: "runId is required"})
	} else if _, err := uuid.Parse(r.RunID); err != nil {
		fields = append(fields, FieldError{Field: "runId", Message: "runId must be a valid UUID"})
	}
	if r.WorkflowID == "" {
		fields = append(fields, FieldError{Field: "workflowId", Message: "workflowId is required"})
	}
	if r.TenantID == "" {
		fields = append(fields, FieldError{Field: "tenantId", Message: "tenantId is required"})
	}
	if r.WorkflowVersion < 0 {
		fields = append(fields, FieldError{Field: "workflowVersion", Message: "workflowVersion cannot be negative"})
	}
	if n := r.PayloadBytes(); n > maxPayloadBytes {
		fields = append(fields, FieldError{
			Field:   "payload",
			Message: fmt.Sprintf("payload is %d bytes, limit is %d", n, maxPayloadBytes),
		})
	}

	if len(fields) > 0 {
		return NewValidationError(CodeValidationError, "invalid run request").
			WithDetail("fields", fields)
	}
	return nil
}

// PayloadBytes is the serialized payload size used for the limit check
// and for metering metadata.
func (r *RunRequest) PayloadBytes() int {
	if len(r.Payload) == 0 {
		return 0
	}
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return 0
	}
	return len(raw)
}

// NewRun builds the QUEUED run record for this request
func (r *RunRequest) NewRun(now time.Time, retention time.Duration) *Run {
	return &Run{
		RunID:             r.RunID,
		WorkflowID:        r.WorkflowID,
		WorkflowVersion:   r.WorkflowVersion,
		TenantID:          r.TenantID,
		Status:            RunStatusQueued,
		StartNodeID:       r.StartNodeID,
		Payload:           r.Payload,
		StartedAt:         now,
		RetentionDeadline: now.Add(retention),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
