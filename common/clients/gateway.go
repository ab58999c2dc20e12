package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aetheriq/flowcore/common/models"
)

// GatewayClient handles communication with the gateway API
// It uses context to pass tenant identity and other metadata
type GatewayClient struct {
	baseURL string
	http    *HTTPClient
	logger  Logger
}

// NewGatewayClient creates a new gateway client
func NewGatewayClient(baseURL string, logger Logger) *GatewayClient {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
	}

	return &GatewayClient{
		baseURL: baseURL,
		http:    NewHTTPClient(httpClient, logger),
		logger:  logger,
	}
}

// APIError is a non-2xx gateway response, decoded from its error body
type APIError struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"error"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway returned %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Code)
}

// WorkflowSaveResult mirrors the save response: the assigned version plus
// plan metadata
type WorkflowSaveResult struct {
	WorkflowID           string `json:"workflowId"`
	Version              int    `json:"version"`
	TotalTasks           int    `json:"totalTasks"`
	ParallelizationLevel int    `json:"parallelizationLevel"`
	EstimatedDurationMs  int64  `json:"estimatedDurationMs"`
}

// RunDetails is the run view plus its node execution records
type RunDetails struct {
	Run   models.RunStatusView    `json:"run"`
	Nodes []*models.NodeExecution `json:"nodes"`
}

// SubmitRun submits a run request. The second return value reports whether
// the gateway created the run (true) or an earlier submit with the same
// runId already had (false).
func (c *GatewayClient) SubmitRun(ctx context.Context, req *models.RunRequest) (models.RunStatusView, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return models.RunStatusView{}, false, fmt.Errorf("failed to encode run request: %w", err)
	}

	resp, err := c.http.DoRequest(ctx, http.MethodPost, c.baseURL+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return models.RunStatusView{}, false, fmt.Errorf("failed to submit run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return models.RunStatusView{}, false, decodeError(resp)
	}

	var view models.RunStatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return models.RunStatusView{}, false, fmt.Errorf("failed to decode run view: %w", err)
	}

	created := resp.StatusCode == http.StatusCreated
	c.logger.Info("run submitted", "run_id", view.RunID, "status", view.Status, "created", created)
	return view, created, nil
}

// GetRun fetches the current view of a run
func (c *GatewayClient) GetRun(ctx context.Context, runID string) (models.RunStatusView, error) {
	var view models.RunStatusView
	err := c.getJSON(ctx, fmt.Sprintf("%s/v1/runs/%s", c.baseURL, runID), &view)
	return view, err
}

// GetRunDetails fetches a run together with its node execution records
func (c *GatewayClient) GetRunDetails(ctx context.Context, runID string) (*RunDetails, error) {
	var details RunDetails
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v1/runs/%s/nodes", c.baseURL, runID), &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// ListRuns fetches recent runs for a tenant, optionally filtered by
// status. An empty tenantID defers to the context tenant, which travels
// as the X-Tenant-ID header.
func (c *GatewayClient) ListRuns(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]*models.RunSummary, error) {
	q := url.Values{}
	if tenantID != "" {
		q.Set("tenantId", tenantID)
	}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Runs  []*models.RunSummary `json:"runs"`
		Count int                  `json:"count"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/v1/runs?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// SaveWorkflow validates and stores a workflow as its next version
func (c *GatewayClient) SaveWorkflow(ctx context.Context, g *models.WorkflowGraph) (*WorkflowSaveResult, error) {
	body, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}

	resp, err := c.http.DoRequest(ctx, http.MethodPost, c.baseURL+"/v1/workflows", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}

	var result WorkflowSaveResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode save result: %w", err)
	}

	c.logger.Info("workflow saved", "workflow_id", result.WorkflowID, "version", result.Version)
	return &result, nil
}

// GetWorkflow fetches a workflow version, the latest active one when
// version is zero. An empty tenantID defers to the context tenant.
func (c *GatewayClient) GetWorkflow(ctx context.Context, tenantID, workflowID string, version int) (*models.WorkflowGraph, error) {
	q := url.Values{}
	if tenantID != "" {
		q.Set("tenantId", tenantID)
	}
	if version > 0 {
		q.Set("version", strconv.Itoa(version))
	}

	var g models.WorkflowGraph
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v1/workflows/%s?%s", c.baseURL, workflowID, q.Encode()), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// getJSON executes a GET and decodes a 200 response into out
func (c *GatewayClient) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := c.http.DoRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError turns a non-2xx response into an APIError. Bodies that are
// not the gateway's error shape come back verbatim in Message.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = "unexpected_response"
		apiErr.Message = string(body)
	}
	return apiErr
}
