package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/aetheriq/flowcore/common/expr"
	"github.com/aetheriq/flowcore/common/models"
)

// providerFor maps integration node kinds to the credential provider name
// used for IntegrationReader lookups.
var providerFor = map[models.NodeType]string{
	models.NodeTypeGoogleWorkspace: "google_workspace",
	models.NodeTypeMicrosoft365:    "microsoft365",
	models.NodeTypeSalesforce:      "salesforce",
	models.NodeTypeUserProvision:   "directory",
	models.NodeTypeUserDeprovision: "directory",
	models.NodeTypeLicenseAssign:   "licensing",
	models.NodeTypeLicenseRevoke:   "licensing",
}

// IntegrationExecutor runs the provider and user-management node kinds. It
// validates parameters and resolves tenant credentials from the request's
// integration reader, then reports the request as dispatched; provider
// transports hang off this seam.
type IntegrationExecutor struct{}

// NewIntegrationExecutor creates an integration executor
func NewIntegrationExecutor() *IntegrationExecutor {
	return &IntegrationExecutor{}
}

// Execute implements Executor
func (e *IntegrationExecutor) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	provider, ok := providerFor[req.Node.Type]
	if !ok {
		return nil, models.NewValidationError(models.CodeUnsupportedNodeType,
			fmt.Sprintf("node type %s is not an integration kind", req.Node.Type))
	}

	creds, err := e.credentials(ctx, req, provider)
	if err != nil {
		return nil, err
	}

	switch req.Node.Type {
	case models.NodeTypeGoogleWorkspace, models.NodeTypeMicrosoft365, models.NodeTypeSalesforce:
		return e.dispatchProvider(req, provider, creds)
	default:
		return e.dispatchUserManagement(req, provider, creds)
	}
}

func (e *IntegrationExecutor) dispatchProvider(req *Request, provider string, creds map[string]string) (map[string]any, error) {
	operation := e.param(req, "operation")
	if operation == "" {
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("%s node requires an operation in config", strings.ToLower(string(req.Node.Type))))
	}

	out := map[string]any{
		"provider":  provider,
		"operation": operation,
		"status":    "dispatched",
		"timestamp": nowStamp(),
	}
	if account := creds["account"]; account != "" {
		out["account"] = account
	}
	return out, nil
}

func (e *IntegrationExecutor) dispatchUserManagement(req *Request, provider string, creds map[string]string) (map[string]any, error) {
	userID := e.param(req, "userId")
	if userID == "" {
		return nil, models.NewValidationError(models.CodeValidationError,
			fmt.Sprintf("%s node requires a userId", strings.ToLower(string(req.Node.Type))))
	}

	out := map[string]any{
		"provider":  provider,
		"action":    strings.ToLower(string(req.Node.Type)),
		"userId":    userID,
		"status":    "dispatched",
		"timestamp": nowStamp(),
	}

	switch req.Node.Type {
	case models.NodeTypeLicenseAssign, models.NodeTypeLicenseRevoke:
		sku := e.param(req, "licenseSku")
		if sku == "" {
			return nil, models.NewValidationError(models.CodeValidationError,
				fmt.Sprintf("%s node requires a licenseSku", strings.ToLower(string(req.Node.Type))))
		}
		out["licenseSku"] = sku
	}

	if account := creds["account"]; account != "" {
		out["account"] = account
	}
	return out, nil
}

// credentials resolves the tenant's credentials for a provider
func (e *IntegrationExecutor) credentials(ctx context.Context, req *Request, provider string) (map[string]string, error) {
	if req.Integrations == nil {
		return nil, models.NewAuthError(
			fmt.Sprintf("no integration reader configured for tenant %s", req.TenantID))
	}
	return req.Integrations.Integration(ctx, req.TenantID, provider)
}

// param resolves a node parameter: config first (with {{var}} interpolation
// over the run scope), then the node input.
func (e *IntegrationExecutor) param(req *Request, key string) string {
	if v, ok := req.Node.ConfigString(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(expr.Interpolate(v, req.Scope()))
	}
	if v, ok := req.Input[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Compensate implements Compensator for the kinds that create something: a
// provision is undone by a deprovision request, a license assign by a
// revoke. The other kinds have nothing to undo.
func (e *IntegrationExecutor) Compensate(ctx context.Context, req *Request) error {
	switch req.Node.Type {
	case models.NodeTypeUserProvision, models.NodeTypeLicenseAssign:
	default:
		return nil
	}
	if e.param(req, "userId") == "" {
		return nil
	}
	_, err := e.credentials(ctx, req, providerFor[req.Node.Type])
	return err
}
