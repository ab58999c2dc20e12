package models

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies workflow errors for retry decisions and reporting
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryNetwork        ErrorCategory = "network"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryIntegration    ErrorCategory = "integration"
	CategoryInternal       ErrorCategory = "internal"
)

// Stable error codes surfaced to callers and recorded on runs
const (
	CodeInvalidWorkflow     = "INVALID_WORKFLOW"
	CodeWorkflowNotFound    = "WORKFLOW_NOT_FOUND"
	CodeUnsupportedNodeType = "UNSUPPORTED_NODE_TYPE"
	CodeTimeout             = "TIMEOUT"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeHTTPError           = "HTTP_ERROR"
	CodeNetworkError        = "NETWORK_ERROR"
	CodeAuthError           = "AUTHENTICATION_ERROR"
	CodeInternalError       = "INTERNAL_ERROR"
)

// WorkflowError is the error type carried through node execution and traversal.
// NodeID is annotated by the engine as the error propagates upward.
type WorkflowError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
	Category  ErrorCategory  `json:"category"`
	NodeID    string         `json:"nodeId,omitempty"`
	cause     error
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %s)", e.Code, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains
func (e *WorkflowError) Unwrap() error {
	return e.cause
}

// WithNode returns a copy annotated with the failing node id.
// An existing annotation is kept so the originating node wins.
func (e *WorkflowError) WithNode(nodeID string) *WorkflowError {
	if e.NodeID != "" {
		return e
	}
	clone := *e
	clone.NodeID = nodeID
	return &clone
}

// WithCause attaches the underlying error
func (e *WorkflowError) WithCause(err error) *WorkflowError {
	clone := *e
	clone.cause = err
	return &clone
}

// WithDetail adds a single detail entry
func (e *WorkflowError) WithDetail(key string, value any) *WorkflowError {
	clone := *e
	clone.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

// NewValidationError builds a non-retryable validation error
func NewValidationError(code, message string) *WorkflowError {
	return &WorkflowError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Category:  CategoryValidation,
	}
}

// NewNotFoundError builds a non-retryable not-found error
func NewNotFoundError(code, message string) *WorkflowError {
	return &WorkflowError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Category:  CategoryValidation,
	}
}

// NewAuthError builds a non-retryable authentication error
func NewAuthError(message string) *WorkflowError {
	return &WorkflowError{
		Code:      CodeAuthError,
		Message:   message,
		Retryable: false,
		Category:  CategoryAuthentication,
	}
}

// NewNetworkError builds a retryable network error
func NewNetworkError(message string) *WorkflowError {
	return &WorkflowError{
		Code:      CodeNetworkError,
		Message:   message,
		Retryable: true,
		Category:  CategoryNetwork,
	}
}

// NewTimeoutError builds a retryable timeout error
func NewTimeoutError(message string) *WorkflowError {
	return &WorkflowError{
		Code:      CodeTimeout,
		Message:   message,
		Retryable: true,
		Category:  CategoryTimeout,
	}
}

// NewInternalError builds a retryable internal error (store or bus failure)
func NewInternalError(message string, cause error) *WorkflowError {
	return &WorkflowError{
		Code:      CodeInternalError,
		Message:   message,
		Retryable: true,
		Category:  CategoryInternal,
		cause:     cause,
	}
}

// AsWorkflowError unwraps err to a WorkflowError. Unknown errors are wrapped
// as internal so every failure recorded on a run carries the full shape.
func AsWorkflowError(err error) *WorkflowError {
	if err == nil {
		return nil
	}
	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		return wfErr
	}
	return NewInternalError(err.Error(), err)
}

