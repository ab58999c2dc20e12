package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aetheriq/flowcore/cmd/runner/executor/security"
	"github.com/aetheriq/flowcore/common/expr"
	"github.com/aetheriq/flowcore/common/logger"
	"github.com/aetheriq/flowcore/common/models"
)

const (
	// maxResponseBytes bounds how much of an upstream response is read
	maxResponseBytes = 1 << 20
	// maxErrorBodyBytes bounds the body excerpt carried in error details
	maxErrorBodyBytes = 2048
)

// HTTPExecutor runs API_CALL nodes: an HTTP request with {{var}}
// interpolation in url, headers, and body, and secretHeaders resolved
// through the tenant's secret reader. 5xx and connection failures are
// retryable; 4xx is the caller's bug and is not.
type HTTPExecutor struct {
	client    *http.Client
	validator *security.URLValidator
	log       *logger.Logger
}

// NewHTTPExecutor creates an HTTP executor
func NewHTTPExecutor(client *http.Client, validator *security.URLValidator, log *logger.Logger) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logger.New("info", "json")
	}
	return &HTTPExecutor{client: client, validator: validator, log: log}
}

// Execute implements Executor
func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	rawURL, _ := req.Node.ConfigString("url")
	if strings.TrimSpace(rawURL) == "" {
		return nil, models.NewValidationError(models.CodeValidationError,
			"api_call node requires a url in config")
	}

	method := "GET"
	if m, ok := req.Node.ConfigString("method"); ok && strings.TrimSpace(m) != "" {
		method = strings.ToUpper(strings.TrimSpace(m))
	}

	scope := req.Scope()
	body, err := renderBody(req.Node.Config["body"], scope)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	if h, ok := req.Node.Config["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				headers[k] = expr.Interpolate(s, scope)
			} else {
				headers[k] = fmt.Sprintf("%v", v)
			}
		}
	}

	// secretHeaders maps header names to tenant secret names, resolved at
	// execution time; stored definitions carry only the reference.
	if sh, ok := req.Node.Config["secretHeaders"].(map[string]any); ok && len(sh) > 0 {
		if req.Secrets == nil {
			return nil, models.NewAuthError("node references secrets but no secret reader is configured")
		}
		for header, v := range sh {
			name, ok := v.(string)
			if !ok || strings.TrimSpace(name) == "" {
				return nil, models.NewValidationError(models.CodeValidationError,
					fmt.Sprintf("secretHeaders.%s must name a secret", header))
			}
			secret, err := req.Secrets.Secret(ctx, req.TenantID, name)
			if err != nil {
				return nil, err
			}
			headers[header] = secret
		}
	}

	return e.do(ctx, req, method, expr.Interpolate(rawURL, scope), headers, body)
}

// do issues the request and classifies the outcome
func (e *HTTPExecutor) do(ctx context.Context, req *Request, method, url string, headers map[string]string, body []byte) (map[string]any, error) {
	url = strings.TrimSpace(url)
	if e.validator != nil {
		if err := e.validator.Validate(url); err != nil {
			return nil, models.NewValidationError(models.CodeValidationError,
				fmt.Sprintf("url rejected: %v", err))
		}
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("build request: %v", err))
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if len(body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, models.NewTimeoutError(fmt.Sprintf("request to %s timed out", url))
		}
		return nil, models.NewNetworkError(fmt.Sprintf("request to %s failed: %v", url, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, models.NewNetworkError(fmt.Sprintf("read response from %s: %v", url, err))
	}

	e.log.Debug("http call finished",
		"run_id", req.RunID,
		"node_id", req.Node.ID,
		"method", method,
		"status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	switch {
	case resp.StatusCode >= 500:
		return nil, (&models.WorkflowError{
			Code:      models.CodeNetworkError,
			Message:   fmt.Sprintf("%s %s returned %d", method, url, resp.StatusCode),
			Retryable: true,
			Category:  models.CategoryNetwork,
		}).WithDetail("statusCode", resp.StatusCode).WithDetail("body", excerpt(raw))
	case resp.StatusCode >= 400:
		return nil, (&models.WorkflowError{
			Code:      models.CodeHTTPError,
			Message:   fmt.Sprintf("%s %s returned %d", method, url, resp.StatusCode),
			Retryable: false,
			Category:  models.CategoryNetwork,
		}).WithDetail("statusCode", resp.StatusCode).WithDetail("body", excerpt(raw))
	}

	var parsed any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			parsed = string(raw)
		}
	}

	return map[string]any{
		"statusCode": resp.StatusCode,
		"body":       parsed,
		"headers":    flattenHeader(resp.Header),
	}, nil
}

// WebhookExecutor runs WEBHOOK nodes: a POST with the standard webhook
// envelope wrapping the node input.
type WebhookExecutor struct {
	http *HTTPExecutor
}

// NewWebhookExecutor creates a webhook executor on top of an HTTP executor
func NewWebhookExecutor(h *HTTPExecutor) *WebhookExecutor {
	return &WebhookExecutor{http: h}
}

// Execute implements Executor
func (e *WebhookExecutor) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	rawURL, _ := req.Node.ConfigString("url")
	if strings.TrimSpace(rawURL) == "" {
		return nil, models.NewValidationError(models.CodeValidationError,
			"webhook node requires a url in config")
	}

	event, _ := req.Node.ConfigString("event")
	if event == "" {
		event = "workflow.webhook"
	}

	body, err := json.Marshal(map[string]any{
		"event":     event,
		"runId":     req.RunID,
		"nodeId":    req.Node.ID,
		"timestamp": nowStamp(),
		"data":      req.Input,
	})
	if err != nil {
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("webhook payload not serializable: %v", err))
	}

	scope := req.Scope()
	return e.http.do(ctx, req, http.MethodPost, expr.Interpolate(rawURL, scope), nil, body)
}

// renderBody turns the configured body into bytes, interpolating {{var}}
// placeholders. String bodies interpolate directly; structured bodies are
// serialized first so placeholders inside nested values resolve too.
func renderBody(body any, scope map[string]any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(b) == "" {
			return nil, nil
		}
		return []byte(expr.Interpolate(b, scope)), nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, models.NewValidationError(models.CodeValidationError,
				fmt.Sprintf("request body not serializable: %v", err))
		}
		return []byte(expr.Interpolate(string(raw), scope)), nil
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func excerpt(raw []byte) string {
	if len(raw) > maxErrorBodyBytes {
		return string(raw[:maxErrorBodyBytes]) + "...(truncated)"
	}
	return string(raw)
}
