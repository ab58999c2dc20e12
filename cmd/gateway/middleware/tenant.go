package middleware

import (
	"github.com/labstack/echo/v4"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// TenantIDKey is the context key for the caller's tenant
	TenantIDKey ContextKey = "tenant-id"
)

// ExtractTenant is a middleware that extracts the X-Tenant-ID header
// and stores it in the request context. Handlers treat it as the default
// tenant when the tenantId query parameter is absent.
//
// Usage:
//
//	runs := e.Group("/v1/runs")
//	runs.Use(middleware.ExtractTenant())
func ExtractTenant() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := c.Request().Header.Get("X-Tenant-ID")
			if tenantID != "" {
				c.Set(string(TenantIDKey), tenantID)
			}
			return next(c)
		}
	}
}

// GetTenantID retrieves the tenant ID from the request context
// Returns empty string if not set
func GetTenantID(c echo.Context) string {
	tenantID := c.Get(string(TenantIDKey))
	if tenantID == nil {
		return ""
	}
	return tenantID.(string)
}

// TenantParam resolves the effective tenant for a request: the tenantId
// query parameter when present, the X-Tenant-ID header otherwise
func TenantParam(c echo.Context) string {
	if tenantID := c.QueryParam("tenantId"); tenantID != "" {
		return tenantID
	}
	return GetTenantID(c)
}
