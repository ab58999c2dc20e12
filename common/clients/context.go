package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// TenantIDKey is the context key for tenant ID (for X-Tenant-ID header)
	TenantIDKey contextKey = "tenant-id"

	// Future context keys can be added here:
	// RequestIDKey contextKey = "request-id"
	// TraceIDKey   contextKey = "trace-id"
)

// WithTenantID adds a tenant ID to the context
// This will be automatically extracted and added as X-Tenant-ID header in HTTP requests
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTenantID retrieves the tenant ID from context
// Returns the tenant ID and true if found, empty string and false otherwise
func GetTenantID(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(string)
	return tenantID, ok && tenantID != ""
}
