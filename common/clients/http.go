// Package clients provides typed API clients for flowcore services.
// Tenant identity travels on the context and becomes headers on the wire.
package clients

import (
	"context"
	"io"
	"net/http"
)

// Logger interface for HTTP client logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// HTTPClient wraps http.Client with context-aware helpers
// It automatically extracts metadata from context and adds appropriate headers
type HTTPClient struct {
	client *http.Client
	logger Logger
}

// NewHTTPClient creates a new HTTP client wrapper
func NewHTTPClient(client *http.Client, logger Logger) *HTTPClient {
	return &HTTPClient{
		client: client,
		logger: logger,
	}
}

// DoRequest creates and executes an HTTP request, extracting metadata from context
// This is the central method that handles context-to-header conversion
func (c *HTTPClient) DoRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	// Request bodies are JSON throughout the flowcore API
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Extract tenant ID from context and set X-Tenant-ID header
	if tenantID, ok := GetTenantID(ctx); ok {
		req.Header.Set("X-Tenant-ID", tenantID)
		c.logger.Debug("added X-Tenant-ID header from context", "tenant_id", tenantID)
	}

	// Future: Extract more metadata from context and set headers
	// Example:
	// if requestID, ok := GetRequestID(ctx); ok {
	//     req.Header.Set("X-Request-ID", requestID)
	// }

	return c.client.Do(req)
}
