package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aetheriq/flowcore/common/models"
)

func testIntegrations() StaticIntegrationReader {
	return StaticIntegrationReader{
		"tenant-1/google_workspace": {"token": "g-token", "account": "admin@corp.example"},
		"tenant-1/salesforce":       {"token": "sf-token"},
		"tenant-1/directory":        {"token": "dir-token"},
		"tenant-1/licensing":        {"token": "lic-token"},
	}
}

func TestIntegrationExecutorDispatchesProviderOperation(t *testing.T) {
	exec := NewIntegrationExecutor()

	node := testNode("gw", models.NodeTypeGoogleWorkspace, map[string]any{
		"operation": "create_user",
	})
	out, err := exec.Execute(context.Background(), testRequest(node, nil))
	require.NoError(t, err)

	assert.Equal(t, "google_workspace", out["provider"])
	assert.Equal(t, "create_user", out["operation"])
	assert.Equal(t, "dispatched", out["status"])
	assert.Equal(t, "admin@corp.example", out["account"])
}

func TestIntegrationExecutorRequiresOperation(t *testing.T) {
	exec := NewIntegrationExecutor()

	node := testNode("sf", models.NodeTypeSalesforce, map[string]any{})
	_, err := exec.Execute(context.Background(), testRequest(node, nil))
	require.Error(t, err)

	var wfErr *models.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, models.CodeValidationError, wfErr.Code)
	assert.False(t, wfErr.Retryable)
}

func TestIntegrationExecutorMissingCredentials(t *testing.T) {
	exec := NewIntegrationExecutor()

	node := testNode("gw", models.NodeTypeGoogleWorkspace, map[string]any{
		"operation": "create_user",
	})
	req := testRequest(node, nil)
	req.Integrations = StaticIntegrationReader{}
	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)

	var wfErr *models.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, models.CodeAuthError, wfErr.Code)
	assert.False(t, wfErr.Retryable)

	// No reader at all reads the same way to the caller.
	req.Integrations = nil
	_, err = exec.Execute(context.Background(), req)
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, models.CodeAuthError, wfErr.Code)
}

func TestUserProvisionRequiresUserID(t *testing.T) {
	exec := NewIntegrationExecutor()

	node := testNode("prov", models.NodeTypeUserProvision, map[string]any{})
	_, err := exec.Execute(context.Background(), testRequest(node, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "userId")

	// userId may arrive through the node input instead of config.
	out, err := exec.Execute(context.Background(),
		testRequest(node, map[string]any{"userId": "u-42"}))
	require.NoError(t, err)
	assert.Equal(t, "u-42", out["userId"])
	assert.Equal(t, "user_provision", out["action"])
	assert.Equal(t, "dispatched", out["status"])
}

func TestLicenseAssignRequiresSku(t *testing.T) {
	exec := NewIntegrationExecutor()

	node := testNode("lic", models.NodeTypeLicenseAssign, map[string]any{
		"userId": "u-42",
	})
	_, err := exec.Execute(context.Background(), testRequest(node, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "licenseSku")

	node = testNode("lic", models.NodeTypeLicenseAssign, map[string]any{
		"userId":     "{{userId}}",
		"licenseSku": "E5",
	})
	out, err := exec.Execute(context.Background(),
		testRequest(node, map[string]any{"userId": "u-42"}))
	require.NoError(t, err)
	assert.Equal(t, "u-42", out["userId"])
	assert.Equal(t, "E5", out["licenseSku"])
	assert.Equal(t, "license_assign", out["action"])
}

func TestIntegrationCompensateOnlyUndoesCreatingKinds(t *testing.T) {
	exec := NewIntegrationExecutor()

	prov := testRequest(testNode("prov", models.NodeTypeUserProvision,
		map[string]any{"userId": "u-42"}), nil)
	assert.NoError(t, exec.Compensate(context.Background(), prov))

	deprov := testRequest(testNode("deprov", models.NodeTypeUserDeprovision,
		map[string]any{"userId": "u-42"}), nil)
	assert.NoError(t, exec.Compensate(context.Background(), deprov))

	// Compensating a provision without credentials surfaces the failure.
	prov.Integrations = StaticIntegrationReader{}
	assert.Error(t, exec.Compensate(context.Background(), prov))
}

func TestEnvReaders(t *testing.T) {
	t.Setenv("FLOW_SECRET_TENANT_1_API_KEY", "s3cret")
	t.Setenv("FLOW_INTEG_TENANT_1_SLACK_TOKEN", "xoxb-1")
	t.Setenv("FLOW_INTEG_TENANT_1_SLACK_ACCOUNT", "ops")

	secrets := EnvSecretReader{Prefix: "FLOW_SECRET"}
	got, err := secrets.Secret(context.Background(), "tenant-1", "api-key")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	_, err = secrets.Secret(context.Background(), "tenant-1", "missing")
	require.Error(t, err)

	integs := EnvIntegrationReader{Prefix: "FLOW_INTEG"}
	creds, err := integs.Integration(context.Background(), "tenant-1", "slack")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-1", creds["token"])
	assert.Equal(t, "ops", creds["account"])

	_, err = integs.Integration(context.Background(), "tenant-1", "jira")
	require.Error(t, err)
}

func TestStaticReaders(t *testing.T) {
	secrets := StaticSecretReader{"tenant-1/api-key": "k"}
	got, err := secrets.Secret(context.Background(), "tenant-1", "api-key")
	require.NoError(t, err)
	assert.Equal(t, "k", got)

	_, err = secrets.Secret(context.Background(), "tenant-2", "api-key")
	require.Error(t, err)
}
